package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpfabric/internal/breaker"
	"mcpfabric/internal/config"
	"mcpfabric/internal/logs"
	"mcpfabric/internal/registry"
	"mcpfabric/internal/transport"
	"mcpfabric/internal/upstream"
)

type stubTransport struct {
	sendFn func(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
}

func (s *stubTransport) Connect(ctx context.Context) error { return nil }
func (s *stubTransport) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	return s.sendFn(ctx, method, params, timeout)
}
func (s *stubTransport) Healthy(ctx context.Context) bool { return true }
func (s *stubTransport) Close() error                     { return nil }

func connectedManager(t *testing.T, name string, tr transport.Transport) *upstream.Manager {
	t.Helper()
	orig := upstream.NewTransport
	upstream.NewTransport = func(desc *config.ServerDescriptor, logger *zap.Logger) transport.Transport { return tr }
	t.Cleanup(func() { upstream.NewTransport = orig })

	m := upstream.NewManager(upstream.ManagerConfig{MaxRetries: 0}, nil)
	m.AddServerConfig(&config.ServerDescriptor{Name: name, Command: "echo", Enabled: true})
	require.NoError(t, m.Connect(context.Background(), name))
	return m
}

func TestExecute_RoutesToOwningServer(t *testing.T) {
	var gotMethod string
	var gotParams interface{}
	tr := &stubTransport{sendFn: func(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
		gotMethod = method
		gotParams = params
		return json.RawMessage(`{"content":"ok"}`), nil
	}}
	m := connectedManager(t, "fs", tr)
	reg := registry.New()
	reg.Register("fs", "read_file", "", nil)

	b := New(reg, m, nil)
	result, err := b.Execute(context.Background(), "fs.read_file", map[string]any{"path": "/tmp/x"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"ok"}`, string(result))
	assert.Equal(t, "tools/call", gotMethod)

	params, ok := gotParams.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "read_file", params["name"])
}

func TestExecute_UnknownToolErrors(t *testing.T) {
	m := upstream.NewManager(upstream.DefaultManagerConfig(), nil)
	b := New(registry.New(), m, nil)

	_, err := b.Execute(context.Background(), "ghost.tool", nil)
	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, UnknownTool, execErr.Kind)
}

func TestExecute_ServerUnavailableErrors(t *testing.T) {
	m := upstream.NewManager(upstream.DefaultManagerConfig(), nil)
	reg := registry.New()
	reg.Register("fs", "read_file", "", nil)
	b := New(reg, m, nil)

	_, err := b.Execute(context.Background(), "fs.read_file", nil)
	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, ServerUnavailable, execErr.Kind)
}

func TestExecute_TransportFailureIsServerUnavailable(t *testing.T) {
	tr := &stubTransport{sendFn: func(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}}
	m := connectedManager(t, "fs", tr)
	reg := registry.New()
	reg.Register("fs", "read_file", "", nil)
	b := New(reg, m, nil)

	_, err := b.Execute(context.Background(), "fs.read_file", nil)
	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, ServerUnavailable, execErr.Kind, "a transport fault, not an RPC error response, must surface as ServerUnavailable")
}

func TestExecute_RPCErrorDoesNotTripBreaker(t *testing.T) {
	tr := &stubTransport{sendFn: func(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
		return nil, &transport.RPCError{Code: -32000, Message: "tool failed"}
	}}
	m := connectedManager(t, "fs", tr)
	reg := registry.New()
	reg.Register("fs", "read_file", "", nil)
	b := New(reg, m, nil)

	for i := 0; i < 10; i++ {
		_, err := b.Execute(context.Background(), "fs.read_file", nil)
		var execErr *ExecuteError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, InvocationError, execErr.Kind, "an RPC error is never reported as CircuitOpen")
	}

	conn, _ := m.Connection("fs")
	assert.Equal(t, breaker.Closed, conn.Breaker.State(), "RPC errors must not trip the breaker")
}

func TestExecute_CircuitOpenRejectsWithoutCallingTransport(t *testing.T) {
	calls := 0
	tr := &stubTransport{sendFn: func(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
		calls++
		return nil, errors.New("boom")
	}}
	m := connectedManager(t, "fs", tr)
	conn, _ := m.Connection("fs")
	_ = conn.Breaker
	reg := registry.New()
	reg.Register("fs", "read_file", "", nil)
	b := New(reg, m, nil)

	// Trip the breaker: the default FailureThreshold (5) is reached well
	// within these ten failing calls.
	for i := 0; i < 10; i++ {
		_, _ = b.Execute(context.Background(), "fs.read_file", nil)
	}

	callsAfterTrip := calls
	_, err := b.Execute(context.Background(), "fs.read_file", nil)
	var execErr *ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, CircuitOpen, execErr.Kind)
	assert.Equal(t, callsAfterTrip, calls, "breaker must reject without invoking the transport again")
}

func TestExecute_LogsToolCallWhenCommLoggerWired(t *testing.T) {
	tr := &stubTransport{sendFn: func(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}}
	m := connectedManager(t, "fs", tr)
	reg := registry.New()
	reg.Register("fs", "read_file", "", nil)

	dir := t.TempDir()
	cl, err := logs.NewCommunicationLogger(&config.LogConfig{
		Level:  "info",
		LogDir: dir,
		Communication: &config.CommunicationLogConfig{
			Enabled:        true,
			Filename:       "comm.log",
			LogToolCalls:   true,
			IncludePayload: true,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	b := New(reg, m, cl)
	_, err = b.Execute(context.Background(), "fs.read_file", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "comm.log"))
}

func TestAvailableTools_TranslatesRegistryToFunctionShape(t *testing.T) {
	reg := registry.New()
	reg.Register("fs", "read_file", "reads a file", map[string]any{"type": "object"})
	b := New(reg, upstream.NewManager(upstream.DefaultManagerConfig(), nil), nil)

	tools := b.AvailableTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "fs.read_file", tools[0].Name)
	assert.Equal(t, "reads a file", tools[0].Description)
}
