// Package discovery issues the MCP tools/list call against one or every
// connected upstream server and feeds the results into the registry.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpfabric/internal/logs"
	"mcpfabric/internal/registry"
	"mcpfabric/internal/transport"
	"mcpfabric/internal/upstream"
)

// DefaultTimeout bounds a single tools/list call.
const DefaultTimeout = transport.DefaultSendTimeout

type rawTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []rawTool `json:"tools"`
}

// Discoverer issues tools/list calls and registers the results.
type Discoverer struct {
	manager    *upstream.Manager
	registry   *registry.Registry
	logger     *zap.Logger
	commLogger *logs.CommunicationLogger
}

// New returns a Discoverer wired to manager and registry. commLogger may be
// nil, in which case Discover skips communication-audit logging.
func New(manager *upstream.Manager, reg *registry.Registry, logger *zap.Logger, commLogger *logs.CommunicationLogger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{manager: manager, registry: reg, logger: logger, commLogger: commLogger}
}

// Discover runs tools/list against one named server and registers every
// tool it returns under that server's namespace.
func (d *Discoverer) Discover(ctx context.Context, serverName string) error {
	conn, ok := d.manager.Connection(serverName)
	if !ok {
		return fmt.Errorf("discovery: unknown server %q", serverName)
	}
	if conn.Transport == nil {
		return fmt.Errorf("discovery: server %q is not connected", serverName)
	}

	requestID := logs.NewRequestID()
	if d.commLogger != nil {
		d.commLogger.LogRequest(ctx, serverName, "tools/list", nil, requestID)
	}
	start := time.Now()
	raw, err := conn.Transport.Send(ctx, "tools/list", nil, DefaultTimeout)
	if err != nil {
		if d.commLogger != nil {
			d.commLogger.LogError(ctx, err.Error(), serverName, "", "tools/list", requestID)
		}
		return fmt.Errorf("discovery: %s: tools/list: %w", serverName, err)
	}
	if d.commLogger != nil {
		d.commLogger.LogResponse(ctx, serverName, "tools/list", raw, time.Since(start), requestID)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("discovery: %s: malformed tools/list response: %w", serverName, err)
	}

	d.registry.RemoveServer(serverName)
	for _, tool := range result.Tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		d.registry.Register(serverName, tool.Name, tool.Description, schema)
	}
	d.logger.Info("discovered tools", zap.String("server", serverName), zap.Int("count", len(result.Tools)))
	return nil
}

// DiscoverAll runs Discover against every connected server concurrently,
// collecting per-server errors without aborting the others: discovery
// failures are isolated per server.
func (d *Discoverer) DiscoverAll(ctx context.Context) map[string]error {
	names := d.manager.Names()

	var mu sync.Mutex
	errs := make(map[string]error)

	var wg sync.WaitGroup
	for _, name := range names {
		conn, ok := d.manager.Connection(name)
		if !ok || conn.State != upstream.Connected {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := d.Discover(ctx, name); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	return errs
}
