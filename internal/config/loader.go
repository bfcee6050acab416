package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"
)

// Loader parses the JSON configuration document, merges in the
// environment-variable overlay, expands ${VAR} references, and validates
// the result.
type Loader struct {
	logger *zap.Logger
}

// NewLoader returns a Loader that logs advisory mismatches to logger. A nil
// logger is replaced with zap.NewNop().
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger}
}

// Load runs a five-step algorithm: file pass, environment pass, merge (env
// replaces file wholesale on name collision), ${VAR} expansion, and
// validation. It never returns a partial document — the first violation
// aborts the whole call.
func (l *Loader) Load(path string, env map[string]string) (*ConfigurationDocument, error) {
	fileOrder, fileRaw, err := loadFilePass(path)
	if err != nil {
		return nil, err
	}

	envDescriptors, expectedCount, err := parseEnvOverlay(env)
	if err != nil {
		return nil, err
	}
	if expectedCount != nil && *expectedCount != len(envDescriptors) {
		l.logger.Warn("MCP_SERVER_COUNT does not match the number of descriptors found in the environment overlay",
			zap.Int("expected", *expectedCount),
			zap.Int("found", len(envDescriptors)))
	}

	doc := newDocument()
	for _, name := range fileOrder {
		var desc ServerDescriptor
		if unmarshalErr := json.Unmarshal(fileRaw[name], &desc); unmarshalErr != nil {
			return nil, &LoadError{Code: ErrMalformedJSON, Path: path, Err: fmt.Errorf("server %q: %w", name, unmarshalErr)}
		}
		desc.Name = name
		applyDefaults(&desc, fileRaw[name])
		doc.set(&desc)
	}

	envNames := make(map[string]bool, len(envDescriptors))
	for _, desc := range envDescriptors {
		if envNames[desc.Name] {
			return nil, &LoadError{Code: ErrDuplicateName, Name: desc.Name}
		}
		envNames[desc.Name] = true
		doc.set(desc) // replaces any file entry with the same name, wholesale
	}

	for _, name := range doc.order {
		desc := doc.servers[name]
		if err := expandDescriptorEnv(desc, env); err != nil {
			return nil, err
		}
		if err := desc.validate(); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// applyDefaults fills in zero-value fields a file entry left unspecified.
// raw is the entry's original JSON so that an omitted "enabled" key (which
// unmarshals to the zero value false) can be told apart from an explicit
// "enabled": false.
func applyDefaults(desc *ServerDescriptor, raw json.RawMessage) {
	if desc.Transport == "" {
		desc.Transport = TransportStdio
	}
	if !hasKey(raw, "enabled") {
		desc.Enabled = true
	}
}

func hasKey(raw json.RawMessage, key string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	_, ok := fields[key]
	return ok
}

// loadFilePass parses the `{ "mcpServers": { name: descriptor, ... } }`
// document at path, preserving the on-disk key order. An absent file is
// not an error; it yields an empty mapping.
func loadFilePass(path string) (order []string, raw map[string]json.RawMessage, err error) {
	if path == "" {
		return nil, map[string]json.RawMessage{}, nil
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, map[string]json.RawMessage{}, nil
		}
		return nil, nil, &LoadError{Code: ErrFileNotReadable, Path: path, Err: readErr}
	}

	var root struct {
		MCPServers json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, nil, &LoadError{Code: ErrMalformedJSON, Path: path, Err: err}
	}
	if len(root.MCPServers) == 0 {
		return nil, map[string]json.RawMessage{}, nil
	}

	order, raw, err = decodeOrderedObject(root.MCPServers)
	if err != nil {
		return nil, nil, &LoadError{Code: ErrMalformedJSON, Path: path, Err: err}
	}
	return order, raw, nil
}

// decodeOrderedObject walks a JSON object token-by-token so that key order
// on disk survives into ConfigurationDocument.Names().
func decodeOrderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("mcpServers must be a JSON object")
	}

	var order []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("mcpServers keys must be strings")
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, nil, err
		}
		order = append(order, key)
		values[key] = val
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, nil, err
	}
	return order, values, nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandDescriptorEnv expands ${VAR} references in desc.Env using the
// process environment mapping. The first unresolved reference aborts with
// MissingEnvVar naming the variable and the owning descriptor.
func expandDescriptorEnv(desc *ServerDescriptor, processEnv map[string]string) error {
	if len(desc.Env) == 0 {
		return nil
	}
	for key, value := range desc.Env {
		expanded, missing := expandRefs(value, processEnv)
		if missing != "" {
			return &LoadError{Code: ErrMissingEnvVar, Name: missing, Descriptor: desc.Name}
		}
		desc.Env[key] = expanded
	}
	return nil
}

func expandRefs(value string, env map[string]string) (result string, missingVar string) {
	result = envRefPattern.ReplaceAllStringFunc(value, func(match string) string {
		if missingVar != "" {
			return match
		}
		name := envRefPattern.FindStringSubmatch(match)[1]
		if v, ok := env[name]; ok {
			return v
		}
		missingVar = name
		return match
	})
	return result, missingVar
}
