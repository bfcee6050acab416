// Package upstream owns the lifecycle of every connection to an upstream
// MCP server: establishing the transport, retrying with backoff, sweeping
// health, and guarding each one behind a circuit breaker.
package upstream

import (
	"time"

	"mcpfabric/internal/breaker"
	"mcpfabric/internal/config"
	"mcpfabric/internal/transport"
)

// State is the lifecycle state of one Connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Unhealthy
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Unhealthy:
		return "unhealthy"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection binds a ServerDescriptor to its live Transport, breaker, and
// retry bookkeeping. All mutable fields are only ever touched by the
// Manager under its mutex; Connection itself holds no lock.
type Connection struct {
	Descriptor *config.ServerDescriptor
	Transport  transport.Transport
	Breaker    *breaker.Breaker

	State       State
	LastError   error
	LastAttempt time.Time
	attempt     int // consecutive failed Connect calls; reset on success, not used by backoffDelay
}

// Snapshot is the read-only view returned by Manager.HealthStatus.
type Snapshot struct {
	State     string           `json:"state"`
	Breaker   breaker.Snapshot `json:"breaker"`
	LastError string           `json:"last_error,omitempty"`
}

func (c *Connection) snapshot() Snapshot {
	s := Snapshot{State: c.State.String(), Breaker: c.Breaker.Snapshot()}
	if c.LastError != nil {
		s.LastError = c.LastError.Error()
	}
	return s
}
