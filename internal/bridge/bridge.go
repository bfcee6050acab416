// Package bridge routes an agent-facing tool invocation to the right
// upstream MCP server, behind its circuit breaker, and translates the
// registry's catalogue into the function-call shape an agent expects.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mcpfabric/internal/breaker"
	"mcpfabric/internal/logs"
	"mcpfabric/internal/registry"
	"mcpfabric/internal/transport"
	"mcpfabric/internal/upstream"
)

// ErrorKind classifies why Execute failed, so callers can decide whether to
// retry, surface the error to an operator, or just report it to the agent.
type ErrorKind int

const (
	UnknownTool ErrorKind = iota
	ServerUnavailable
	CircuitOpen
	InvocationError
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownTool:
		return "unknown_tool"
	case ServerUnavailable:
		return "server_unavailable"
	case CircuitOpen:
		return "circuit_open"
	case InvocationError:
		return "invocation_error"
	default:
		return "unknown"
	}
}

// ExecuteError wraps a failed Execute call with its ErrorKind.
type ExecuteError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecuteError) Error() string { return fmt.Sprintf("bridge: %s: %v", e.Kind, e.Err) }
func (e *ExecuteError) Unwrap() error  { return e.Err }

// FunctionDescriptor is a tool presented in the agent-facing function-call
// shape.
type FunctionDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Bridge connects the registry's catalogue to the upstream manager's live
// connections.
type Bridge struct {
	registry   *registry.Registry
	manager    *upstream.Manager
	commLogger *logs.CommunicationLogger
}

// New returns a Bridge wired to reg and manager. commLogger may be nil, in
// which case Execute skips communication-audit logging entirely.
func New(reg *registry.Registry, manager *upstream.Manager, commLogger *logs.CommunicationLogger) *Bridge {
	return &Bridge{registry: reg, manager: manager, commLogger: commLogger}
}

// AvailableTools returns every registered tool translated to the
// agent-facing function-call shape.
func (b *Bridge) AvailableTools() []FunctionDescriptor {
	tools := b.registry.List()
	out := make([]FunctionDescriptor, 0, len(tools))
	for _, tool := range tools {
		out = append(out, FunctionDescriptor{
			Name:        tool.FullName,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return out
}

// Execute looks up fullName in the registry, resolves its owning
// connection, and issues tools/call through that connection's circuit
// breaker. The breaker, not Execute, decides whether the call runs at all.
func (b *Bridge) Execute(ctx context.Context, fullName string, arguments map[string]any) (json.RawMessage, error) {
	tool, ok := b.registry.Get(fullName)
	if !ok {
		return nil, &ExecuteError{Kind: UnknownTool, Err: &registry.ErrUnknownTool{FullName: fullName}}
	}

	conn, ok := b.manager.Connection(tool.ServerName)
	if !ok || conn.Transport == nil || conn.State != upstream.Connected {
		return nil, &ExecuteError{Kind: ServerUnavailable, Err: fmt.Errorf("server %q is not connected", tool.ServerName)}
	}

	params := map[string]any{"name": tool.ShortName, "arguments": arguments}

	requestID := logs.NewRequestID()
	if b.commLogger != nil {
		b.commLogger.LogToolCall(ctx, tool.ServerName, tool.ShortName, params, requestID)
	}
	start := time.Now()

	var result json.RawMessage
	var rpcErr *transport.RPCError
	callErr := conn.Breaker.Call(func() error {
		var sendErr error
		result, sendErr = conn.Transport.Send(ctx, "tools/call", params, transport.DefaultSendTimeout)
		// An RPC error response is a successful exchange at the transport
		// level (the server answered); it must not trip the breaker, only
		// transport faults and timeouts do.
		if asRPCErr, ok := sendErr.(*transport.RPCError); ok {
			rpcErr = asRPCErr
			return nil
		}
		return sendErr
	})
	duration := time.Since(start)

	if rpcErr != nil {
		if b.commLogger != nil {
			b.commLogger.LogError(ctx, rpcErr.Error(), tool.ServerName, tool.ShortName, "tools/call", requestID)
		}
		return nil, &ExecuteError{Kind: InvocationError, Err: rpcErr}
	}
	if callErr != nil {
		if b.commLogger != nil {
			b.commLogger.LogError(ctx, callErr.Error(), tool.ServerName, tool.ShortName, "tools/call", requestID)
		}
		if callErr == breaker.ErrOpen {
			return nil, &ExecuteError{Kind: CircuitOpen, Err: callErr}
		}
		return nil, &ExecuteError{Kind: ServerUnavailable, Err: callErr}
	}

	if b.commLogger != nil {
		b.commLogger.LogToolResponse(ctx, tool.ServerName, tool.ShortName, result, duration, requestID)
	}
	return result, nil
}
