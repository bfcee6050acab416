package logs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpfabric/internal/config"
)

func TestNewLogger_ConsoleOnlyByDefault(t *testing.T) {
	logger, err := NewLogger(config.DefaultLogConfig())
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("hello")
}

func TestNewLogger_WritesToFileWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{
		Level:      LogLevelInfo,
		EnableFile: true,
		Filename:   "fabric.log",
		LogDir:     dir,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Info("test message")
	require.NoError(t, logger.Sync())

	assert.FileExists(t, filepath.Join(dir, "fabric.log"))
}

func TestCommunicationLogger_DisabledByDefault(t *testing.T) {
	cl, err := NewCommunicationLogger(nil)
	require.NoError(t, err)
	assert.False(t, cl.IsEnabled())

	cl.LogRequest(context.Background(), "fs", "tools/list", nil, NewRequestID())
}

func TestCommunicationLogger_WritesAuditEvents(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{
		Level:      LogLevelInfo,
		LogDir:     dir,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
		Communication: &config.CommunicationLogConfig{
			Enabled:        true,
			Filename:       "comm.log",
			LogToolCalls:   true,
			IncludePayload: true,
			MaxPayloadSize: 1024,
		},
	}

	cl, err := NewCommunicationLogger(cfg)
	require.NoError(t, err)
	require.True(t, cl.IsEnabled())

	reqID := NewRequestID()
	cl.LogToolCall(context.Background(), "fs", "read_file", map[string]any{"path": "/tmp/x"}, reqID)
	cl.LogToolResponse(context.Background(), "fs", "read_file", map[string]any{"ok": true}, 5*time.Millisecond, reqID)
	require.NoError(t, cl.Close())

	assert.FileExists(t, filepath.Join(dir, "comm.log"))
}

func TestCommunicationLogger_FiltersSensitiveFields(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{
		Level:  LogLevelInfo,
		LogDir: dir,
		Communication: &config.CommunicationLogConfig{
			Enabled:         true,
			Filename:        "comm.log",
			LogToolCalls:    true,
			IncludePayload:  true,
			FilterSensitive: true,
		},
	}
	cl, err := NewCommunicationLogger(cfg)
	require.NoError(t, err)

	filtered := cl.filterSensitive(map[string]interface{}{"api_key": "shh", "path": "/tmp/x"})
	m, ok := filtered.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "[FILTERED]", m["api_key"])
	assert.Equal(t, "/tmp/x", m["path"])
}
