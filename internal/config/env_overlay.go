package config

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var envKeyPattern = regexp.MustCompile(`^MCP_SERVER_(\d+)_(.+)$`)

const envCountKey = "MCP_SERVER_COUNT"

type envPartial struct {
	index       int
	name        string
	command     string
	transport   string
	description string
	hasEnabled  bool
	enabled     bool
	hasArgs     bool
	argsRaw     string
	env         map[string]string
}

// parseEnvOverlay scans env for MCP_SERVER_<i>_<FIELD> keys and synthesizes
// one ServerDescriptor per index that supplies at least NAME and COMMAND.
// Descriptors are returned in ascending index order. The advisory
// MCP_SERVER_COUNT, if present, is returned as expectedCount.
func parseEnvOverlay(env map[string]string) (descriptors []*ServerDescriptor, expectedCount *int, err error) {
	byIndex := make(map[int]*envPartial)
	var indices []int

	for key, value := range env {
		if key == envCountKey {
			n, convErr := strconv.Atoi(strings.TrimSpace(value))
			if convErr == nil {
				expectedCount = &n
			}
			continue
		}

		m := envKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, convErr := strconv.Atoi(m[1])
		if convErr != nil {
			continue
		}
		field := m[2]

		p, ok := byIndex[idx]
		if !ok {
			p = &envPartial{index: idx, env: make(map[string]string)}
			byIndex[idx] = p
			indices = append(indices, idx)
		}

		switch {
		case field == "NAME":
			p.name = value
		case field == "COMMAND":
			p.command = value
		case field == "TRANSPORT":
			p.transport = value
		case field == "DESCRIPTION":
			p.description = value
		case field == "ENABLED":
			p.hasEnabled = true
			p.enabled = strings.EqualFold(strings.TrimSpace(value), "true")
		case field == "ARGS":
			p.hasArgs = true
			p.argsRaw = value
		case strings.HasPrefix(field, "ENV_"):
			p.env[strings.TrimPrefix(field, "ENV_")] = value
		}
	}

	sort.Ints(indices)

	for _, idx := range indices {
		p := byIndex[idx]
		if p.name == "" || p.command == "" {
			continue // needs at least NAME and COMMAND to synthesize a descriptor
		}

		desc := &ServerDescriptor{
			Name:        p.name,
			Command:     p.command,
			Description: p.description,
			Transport:   Transport(p.transport),
			Enabled:     true,
		}
		if desc.Transport == "" {
			desc.Transport = TransportStdio
		}
		if p.hasEnabled {
			desc.Enabled = p.enabled
		}
		if len(p.env) > 0 {
			desc.Env = p.env
		}
		if p.hasArgs {
			var args []string
			if jsonErr := json.Unmarshal([]byte(p.argsRaw), &args); jsonErr != nil {
				return nil, expectedCount, &LoadError{Code: ErrBadArgsJSON, Index: idx, Err: jsonErr}
			}
			desc.Args = args
		}

		descriptors = append(descriptors, desc)
	}

	return descriptors, expectedCount, nil
}
