// Package config holds the typed representation of the MCP client fabric's
// configuration document plus the logging knobs the rest of the module
// shares.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Transport identifies which Transport implementation a ServerDescriptor binds to.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ServerDescriptor is a validated configuration record for one upstream MCP
// server. It is immutable once Load has returned it.
type ServerDescriptor struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Transport   Transport         `json:"transport,omitempty"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
}

func (d *ServerDescriptor) clone() *ServerDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	if d.Args != nil {
		c.Args = append([]string(nil), d.Args...)
	}
	if d.Env != nil {
		c.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			c.Env[k] = v
		}
	}
	return &c
}

func (d *ServerDescriptor) validate() error {
	if !namePattern.MatchString(d.Name) {
		return &LoadError{Code: ErrSchemaViolation, Field: "name", Reason: "must match ^[A-Za-z0-9_-]+$", Descriptor: d.Name}
	}
	if d.Command == "" {
		return &LoadError{Code: ErrSchemaViolation, Field: "command", Reason: "must not be empty", Descriptor: d.Name}
	}
	switch d.Transport {
	case TransportStdio:
		// args/env apply, nothing further to check
	case TransportSSE:
		u, err := url.Parse(d.Command)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return &LoadError{Code: ErrSchemaViolation, Field: "command", Reason: "sse transport requires an http(s) URL", Descriptor: d.Name}
		}
	default:
		return &LoadError{Code: ErrSchemaViolation, Field: "transport", Reason: `must be "stdio" or "sse"`, Descriptor: d.Name}
	}
	return nil
}

// ConfigurationDocument is an ordered mapping of server name to
// ServerDescriptor. Order follows the merge rule in Load: file order for
// file-only entries, then env-only entries by ascending index.
type ConfigurationDocument struct {
	order   []string
	servers map[string]*ServerDescriptor
}

func newDocument() *ConfigurationDocument {
	return &ConfigurationDocument{servers: make(map[string]*ServerDescriptor)}
}

// Names returns server names in document order.
func (d *ConfigurationDocument) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Get returns the descriptor for name, if present.
func (d *ConfigurationDocument) Get(name string) (*ServerDescriptor, bool) {
	desc, ok := d.servers[name]
	return desc, ok
}

// Len returns the number of servers in the document.
func (d *ConfigurationDocument) Len() int { return len(d.order) }

// Enabled returns only the descriptors with Enabled == true, in document order.
func (d *ConfigurationDocument) Enabled() []*ServerDescriptor {
	out := make([]*ServerDescriptor, 0, len(d.order))
	for _, name := range d.order {
		if desc := d.servers[name]; desc.Enabled {
			out = append(out, desc)
		}
	}
	return out
}

func (d *ConfigurationDocument) set(desc *ServerDescriptor) {
	if _, exists := d.servers[desc.Name]; !exists {
		d.order = append(d.order, desc.Name)
	}
	d.servers[desc.Name] = desc
}

// MarshalJSON renders the document back to the `{ "mcpServers": {...} }` shape.
func (d *ConfigurationDocument) MarshalJSON() ([]byte, error) {
	servers := make(map[string]*ServerDescriptor, len(d.order))
	for _, name := range d.order {
		servers[name] = d.servers[name]
	}
	return json.Marshal(struct {
		MCPServers map[string]*ServerDescriptor `json:"mcpServers"`
	}{MCPServers: servers})
}

// Duration wraps time.Duration with JSON marshaling as a human string
// ("30s", "2m"). No field of the configuration document uses it; breaker
// and transport timeouts are plain time.Duration values set in code.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// LogConfig controls the logging core built in internal/logs.
type LogConfig struct {
	Level         string                  `json:"level" mapstructure:"level"`
	EnableFile    bool                    `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool                    `json:"enable_console" mapstructure:"enable-console"`
	Filename      string                  `json:"filename,omitempty" mapstructure:"filename"`
	LogDir        string                  `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int                     `json:"max_size" mapstructure:"max-size"` // MB, lumberjack.Logger.MaxSize
	MaxBackups    int                     `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int                     `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool                    `json:"compress" mapstructure:"compress"`
	JSONFormat    bool                    `json:"json_format" mapstructure:"json-format"`
	Communication *CommunicationLogConfig `json:"communication,omitempty" mapstructure:"communication"`
}

// CommunicationLogConfig gates the per-exchange JSON-RPC audit log kept
// separate from the operational log.
type CommunicationLogConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Filename        string `json:"filename" mapstructure:"filename"`
	LogRequests     bool   `json:"log_requests" mapstructure:"log-requests"`
	LogResponses    bool   `json:"log_responses" mapstructure:"log-responses"`
	LogToolCalls    bool   `json:"log_tool_calls" mapstructure:"log-tool-calls"`
	LogErrors       bool   `json:"log_errors" mapstructure:"log-errors"`
	IncludePayload  bool   `json:"include_payload" mapstructure:"include-payload"`
	MaxPayloadSize  int    `json:"max_payload_size" mapstructure:"max-payload-size"`
	IncludeHeaders  bool   `json:"include_headers" mapstructure:"include-headers"`
	FilterSensitive bool   `json:"filter_sensitive" mapstructure:"filter-sensitive"`
}

// DefaultLogConfig returns console-only logging at info level.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableConsole: true,
		MaxSize:       20,
		MaxBackups:    5,
		MaxAge:        28,
	}
}
