package transport

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpfabric/internal/config"
)

func echoServerDescriptor() *config.ServerDescriptor {
	if runtime.GOOS == "windows" {
		return &config.ServerDescriptor{Name: "echo", Command: "cmd", Args: []string{"/c", "more"}}
	}
	return &config.ServerDescriptor{Name: "echo", Command: "cat"}
}

// jsonRpcEchoDescriptor drives a tiny shell pipeline that answers every
// incoming JSON-RPC request with a trivial {"result":true} response sharing
// the request id, enough to exercise request/response correlation without a
// real MCP server binary.
func jsonRpcEchoDescriptor() *config.ServerDescriptor {
	script := `while IFS= read -r line; do id=$(echo "$line" | sed -E 's/.*"id":([0-9]+).*/\1/'); echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"ok\":true}}"; done`
	return &config.ServerDescriptor{Name: "echo", Command: "/bin/sh", Args: []string{"-c", script}}
}

func TestStdioTransport_ConnectAndClose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	tr := NewStdioTransport(echoServerDescriptor(), nil)
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.Healthy(context.Background()))
	assert.NoError(t, tr.Close())
	assert.False(t, tr.Healthy(context.Background()))
}

func TestStdioTransport_SendReceivesMatchedResponse(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	tr := NewStdioTransport(jsonRpcEchoDescriptor(), nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	result, err := tr.Send(context.Background(), "tools/list", nil, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestStdioTransport_SendTimesOutWhenChildIsSilent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	tr := NewStdioTransport(echoServerDescriptor(), nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	_, err := tr.Send(context.Background(), "tools/list", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStdioTransport_CloseIsIdempotent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	tr := NewStdioTransport(echoServerDescriptor(), nil)
	require.NoError(t, tr.Connect(context.Background()))
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}
