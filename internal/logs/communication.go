package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpfabric/internal/config"
)

// CommunicationLogger records every JSON-RPC exchange with an upstream MCP
// server to a dedicated rotating audit log, separate from the operational
// log.
type CommunicationLogger struct {
	logger    *zap.Logger
	config    *config.CommunicationLogConfig
	enabled   bool
	sensitive *regexp.Regexp
}

// CommunicationEvent is one logged exchange.
type CommunicationEvent struct {
	Timestamp   time.Time   `json:"timestamp"`
	Type        string      `json:"type"` // "request", "response", "tool_call", "tool_response", "error"
	Direction   string      `json:"direction"`
	ServerName  string      `json:"server_name,omitempty"`
	ToolName    string      `json:"tool_name,omitempty"`
	Method      string      `json:"method,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
	PayloadSize int         `json:"payload_size,omitempty"`
	Truncated   bool        `json:"truncated,omitempty"`
	Error       string      `json:"error,omitempty"`
	Duration    *time.Duration `json:"duration,omitempty"`
	RequestID   string      `json:"request_id"`
}

// NewCommunicationLogger builds a logger from logConfig.Communication. A nil
// or disabled config yields a no-op logger so call sites never need a nil
// check.
func NewCommunicationLogger(logConfig *config.LogConfig) (*CommunicationLogger, error) {
	if logConfig == nil || logConfig.Communication == nil || !logConfig.Communication.Enabled {
		return &CommunicationLogger{enabled: false}, nil
	}

	commConfig := logConfig.Communication

	fileLogConfig := &config.LogConfig{
		Level:      logConfig.Level,
		EnableFile: true,
		Filename:   commConfig.Filename,
		LogDir:     logConfig.LogDir,
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
		JSONFormat: true,
	}

	level := parseLevel(logConfig.Level)
	fileCore, err := createFileCore(fileLogConfig, level)
	if err != nil {
		return nil, fmt.Errorf("build communication log file core: %w", err)
	}
	logger := zap.New(fileCore, zap.AddCaller())

	var sensitiveRegex *regexp.Regexp
	if commConfig.FilterSensitive {
		sensitiveRegex = regexp.MustCompile(`(?i)(password|secret|key|token|authorization|auth|credential|private|api_key|api-key|bearer|jwt)`)
	}

	return &CommunicationLogger{
		logger:    logger,
		config:    commConfig,
		enabled:   true,
		sensitive: sensitiveRegex,
	}, nil
}

// NewRequestID mints a correlation id for one JSON-RPC exchange, shared by
// its LogRequest/LogResponse (or LogToolCall/LogToolResponse) pair.
func NewRequestID() string {
	return uuid.NewString()
}

// LogRequest logs an outgoing JSON-RPC call to an upstream server.
func (cl *CommunicationLogger) LogRequest(ctx context.Context, serverName, method string, payload interface{}, requestID string) {
	if !cl.enabled || !cl.config.LogRequests {
		return
	}
	event := CommunicationEvent{
		Timestamp:  time.Now(),
		Type:       "request",
		Direction:  "outgoing",
		ServerName: serverName,
		Method:     method,
		RequestID:  requestID,
	}
	cl.addPayload(&event, payload)
	cl.logEvent(&event)
}

// LogResponse logs the matching response for requestID.
func (cl *CommunicationLogger) LogResponse(ctx context.Context, serverName, method string, payload interface{}, duration time.Duration, requestID string) {
	if !cl.enabled || !cl.config.LogResponses {
		return
	}
	event := CommunicationEvent{
		Timestamp:  time.Now(),
		Type:       "response",
		Direction:  "incoming",
		ServerName: serverName,
		Method:     method,
		Duration:   &duration,
		RequestID:  requestID,
	}
	cl.addPayload(&event, payload)
	cl.logEvent(&event)
}

// LogToolCall logs a tools/call issued through the bridge.
func (cl *CommunicationLogger) LogToolCall(ctx context.Context, serverName, toolName string, payload interface{}, requestID string) {
	if !cl.enabled || !cl.config.LogToolCalls {
		return
	}
	event := CommunicationEvent{
		Timestamp:  time.Now(),
		Type:       "tool_call",
		Direction:  "outgoing",
		ServerName: serverName,
		ToolName:   toolName,
		RequestID:  requestID,
	}
	cl.addPayload(&event, payload)
	cl.logEvent(&event)
}

// LogToolResponse logs the tools/call result for requestID.
func (cl *CommunicationLogger) LogToolResponse(ctx context.Context, serverName, toolName string, payload interface{}, duration time.Duration, requestID string) {
	if !cl.enabled || !cl.config.LogToolCalls {
		return
	}
	event := CommunicationEvent{
		Timestamp:  time.Now(),
		Type:       "tool_response",
		Direction:  "incoming",
		ServerName: serverName,
		ToolName:   toolName,
		Duration:   &duration,
		RequestID:  requestID,
	}
	cl.addPayload(&event, payload)
	cl.logEvent(&event)
}

// LogError logs a communication failure (transport fault, RPC error,
// circuit rejection).
func (cl *CommunicationLogger) LogError(ctx context.Context, errorMsg, serverName, toolName, method string, requestID string) {
	if !cl.enabled || !cl.config.LogErrors {
		return
	}
	event := CommunicationEvent{
		Timestamp:  time.Now(),
		Type:       "error",
		Direction:  "internal",
		ServerName: serverName,
		ToolName:   toolName,
		Method:     method,
		Error:      errorMsg,
		RequestID:  requestID,
	}
	cl.logEvent(&event)
}

func (cl *CommunicationLogger) addPayload(event *CommunicationEvent, payload interface{}) {
	if !cl.config.IncludePayload || payload == nil {
		return
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		event.Payload = fmt.Sprintf("marshal_error: %v", err)
		return
	}
	event.PayloadSize = len(payloadBytes)

	if cl.config.MaxPayloadSize > 0 && event.PayloadSize > cl.config.MaxPayloadSize {
		truncated := payloadBytes[:cl.config.MaxPayloadSize]
		var reparsed interface{}
		if err := json.Unmarshal(truncated, &reparsed); err != nil {
			event.Payload = fmt.Sprintf("truncated_payload: %s...", string(truncated))
		} else {
			event.Payload = reparsed
		}
		event.Truncated = true
		return
	}

	if cl.config.FilterSensitive {
		event.Payload = cl.filterSensitive(payload)
	} else {
		event.Payload = payload
	}
}

func (cl *CommunicationLogger) filterSensitive(data interface{}) interface{} {
	if cl.sensitive == nil {
		return data
	}
	switch v := data.(type) {
	case map[string]interface{}:
		filtered := make(map[string]interface{}, len(v))
		for key, value := range v {
			if cl.sensitive.MatchString(key) {
				filtered[key] = "[FILTERED]"
			} else {
				filtered[key] = cl.filterSensitive(value)
			}
		}
		return filtered
	case []interface{}:
		filtered := make([]interface{}, len(v))
		for i, item := range v {
			filtered[i] = cl.filterSensitive(item)
		}
		return filtered
	case string:
		if cl.sensitive.MatchString(v) {
			return "[FILTERED]"
		}
		return v
	default:
		return v
	}
}

func (cl *CommunicationLogger) logEvent(event *CommunicationEvent) {
	var durationField zap.Field
	if event.Duration != nil {
		durationField = zap.String("duration", event.Duration.String())
	} else {
		durationField = zap.Skip()
	}

	cl.logger.Info("communication_event",
		zap.String("type", event.Type),
		zap.String("direction", event.Direction),
		zap.String("server_name", event.ServerName),
		zap.String("tool_name", event.ToolName),
		zap.String("method", event.Method),
		zap.Any("payload", event.Payload),
		zap.Int("payload_size", event.PayloadSize),
		zap.Bool("truncated", event.Truncated),
		zap.String("error", event.Error),
		durationField,
		zap.String("request_id", event.RequestID),
	)
}

// Close flushes the underlying logger.
func (cl *CommunicationLogger) Close() error {
	if cl.logger != nil {
		return cl.logger.Sync()
	}
	return nil
}

// IsEnabled reports whether communication logging is active.
func (cl *CommunicationLogger) IsEnabled() bool {
	return cl.enabled
}
