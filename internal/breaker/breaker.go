// Package breaker implements a three-state circuit breaker guarding each
// upstream MCP connection, generalizing the open/closed failure-counting
// pattern used for per-server circuits in the reference agent-orchestration
// client into a Closed/Open/HalfOpen state machine.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call when the circuit is open (or half-open and
// already probing) and the call is rejected without running f.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes the breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures, while Closed,
	// that trips the circuit to Open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes, while
	// HalfOpen, required to close the circuit again.
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays Open before allowing a
	// single HalfOpen probe.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns conservative, production-sized thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is safe for concurrent use by multiple goroutines.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
	probing         bool
}

// New returns a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State reports the current state, resolving an expired Open timeout into a
// HalfOpen transition as a side effect: the probe opportunity exists the
// instant RecoveryTimeout elapses, not on the next Call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen()
	return b.state
}

func (b *Breaker) maybeExpireOpen() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = HalfOpen
		b.probing = false
		b.consecutiveOK = 0
	}
}

// Call runs f if the circuit permits it. In Closed state f always runs. In
// Open state f never runs until RecoveryTimeout elapses. In HalfOpen state
// exactly one caller at a time is allowed to probe; concurrent callers are
// rejected with ErrOpen until the probe resolves.
func (b *Breaker) Call(f func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	err := f()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen()

	switch b.state {
	case Closed:
		return true
	case Open:
		return false
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFail = 0
			b.consecutiveOK = 0
		}
	case Closed:
		b.consecutiveFail = 0
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.trip()
	case Closed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveOK = 0
}

// Reset forces the circuit back to Closed, clearing all counters. Used by
// an operator-triggered reset (Manager.ResetBreaker).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFail = 0
	b.consecutiveOK = 0
	b.probing = false
}

// Snapshot is a point-in-time view of the breaker for health reporting.
type Snapshot struct {
	State           string `json:"state"`
	ConsecutiveFail int    `json:"consecutive_failures"`
	ConsecutiveOK   int    `json:"consecutive_successes"`
}

// Snapshot returns the current breaker state for HealthStatus reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen()
	return Snapshot{
		State:           b.state.String(),
		ConsecutiveFail: b.consecutiveFail,
		ConsecutiveOK:   b.consecutiveOK,
	}
}
