package upstream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mcpfabric/internal/breaker"
	"mcpfabric/internal/config"
	"mcpfabric/internal/transport"
)

// NewTransport builds the Transport implementation for a descriptor. A
// package variable so tests can substitute a fake transport.
var NewTransport = func(desc *config.ServerDescriptor, logger *zap.Logger) transport.Transport {
	switch desc.Transport {
	case config.TransportSSE:
		return transport.NewSSETransport(desc, logger)
	default:
		return transport.NewStdioTransport(desc, logger)
	}
}

const (
	defaultMaxRetries = 3
	baseBackoff       = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	healthSweepPeriod = 15 * time.Second
)

// ManagerConfig tunes retry and breaker policy.
type ManagerConfig struct {
	MaxRetries    int
	BreakerConfig breaker.Config
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{MaxRetries: defaultMaxRetries, BreakerConfig: breaker.DefaultConfig()}
}

// Manager owns every Connection for the lifetime of the fabric.
type Manager struct {
	cfg    ManagerConfig
	logger *zap.Logger

	mu          sync.RWMutex
	connections map[string]*Connection

	reconnectGroup singleflight.Group

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// NewManager returns a Manager with no connections registered yet.
func NewManager(cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// AddServerConfig registers desc for connection management, replacing any
// prior Connection for the same name (descriptor, not live connection —
// callers must Connect separately).
func (m *Manager) AddServerConfig(desc *config.ServerDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[desc.Name] = &Connection{
		Descriptor: desc,
		Breaker:    breaker.New(m.cfg.BreakerConfig),
		State:      Disconnected,
	}
}

// ConnectAll connects every registered descriptor concurrently, returning
// once every attempt has resolved. It tolerates partial failure and returns
// nothing; per-server outcomes are read from HealthStatus afterward.
func (m *Manager) ConnectAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.Connect(ctx, name)
		}(name)
	}
	wg.Wait()
}

// Connect attempts to bring one named connection up: one initial attempt,
// then up to MaxRetries retries with exponential backoff and jitter.
func (m *Manager) Connect(ctx context.Context, name string) error {
	conn := m.get(name)
	if conn == nil {
		return fmt.Errorf("upstream: unknown server %q", name)
	}

	m.setState(conn, Connecting)

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				m.fail(conn, ctx.Err())
				return ctx.Err()
			}
		}

		tr := NewTransport(conn.Descriptor, m.logger)
		if err := tr.Connect(ctx); err != nil {
			lastErr = err
			m.logger.Warn("connect attempt failed",
				zap.String("server", name), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		m.mu.Lock()
		conn.Transport = tr
		conn.attempt = 0
		conn.LastError = nil
		conn.State = Connected
		conn.LastAttempt = time.Now()
		m.mu.Unlock()
		m.logger.Info("connected", zap.String("server", name))
		return nil
	}

	m.fail(conn, lastErr)
	return lastErr
}

func (m *Manager) fail(conn *Connection, err error) {
	m.mu.Lock()
	conn.State = Disconnected
	conn.LastError = err
	conn.attempt++
	conn.LastAttempt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) setState(conn *Connection, s State) {
	m.mu.Lock()
	conn.State = s
	m.mu.Unlock()
}

func backoffDelay(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2 + 1))
	return d/2 + jitter
}

// Reconnect re-establishes a connection, coalescing concurrent callers for
// the same server into a single attempt (grounded on the request-coalescing
// pattern used for upstream MCP calls in the reference agent client).
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	_, err, _ := m.reconnectGroup.Do(name, func() (interface{}, error) {
		return nil, m.Connect(ctx, name)
	})
	return err
}

// ResetBreaker clears the circuit breaker for a named connection without
// touching its transport.
func (m *Manager) ResetBreaker(name string) error {
	conn := m.get(name)
	if conn == nil {
		return fmt.Errorf("upstream: unknown server %q", name)
	}
	conn.Breaker.Reset()
	return nil
}

// get returns the live Connection for name, or nil if not registered.
func (m *Manager) get(name string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[name]
}

// Connection exposes the Connection for name to callers outside the
// package (Bridge, Discovery) that need its Transport and Breaker.
func (m *Manager) Connection(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[name]
	return conn, ok
}

// Names returns every registered server name.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	return names
}

// HealthStatus returns a point-in-time snapshot of every connection,
// keyed by server name.
func (m *Manager) HealthStatus() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Snapshot, len(m.connections))
	for name, conn := range m.connections {
		out[name] = conn.snapshot()
	}
	return out
}

// StartHealthSweep runs a background loop marking connections Unhealthy
// when their transport reports unhealthy, until ctx is cancelled or
// Shutdown is called.
func (m *Manager) StartHealthSweep(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.stopSweep = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(healthSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

func (m *Manager) sweepOnce(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.mu.RLock()
		state, tr := conn.State, conn.Transport
		m.mu.RUnlock()
		if state != Connected && state != Unhealthy {
			continue
		}
		if tr == nil {
			continue
		}
		if tr.Healthy(ctx) {
			m.setState(conn, Connected)
		} else {
			m.setState(conn, Unhealthy)
		}
	}
}

// Shutdown stops the health sweep and closes every transport.
func (m *Manager) Shutdown() {
	if m.stopSweep != nil {
		m.stopSweep()
		<-m.sweepDone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.connections {
		if conn.Transport != nil {
			_ = conn.Transport.Close()
		}
		conn.State = Closed
	}
}
