// Package breaker implements the three-state circuit breaker spec.md §4.1
// describes: closed, open, half_open. One breaker guards each Modbus
// device so a failing device stops absorbing script-engine ticks instead
// of retrying it on every one. GPIO access has no breaker.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a circuit breaker's lifecycle phase.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders State the way a log line or metric label wants it.
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

// successThreshold is the number of consecutive successes a half-open
// breaker needs before it closes again. Fixed, not configurable, matching
// original_source's circuit_breaker.rs.
const successThreshold = 2

// CircuitBreaker tracks failures for one named target and decides whether a
// call against it should proceed. Safe for concurrent use.
type CircuitBreaker struct {
	name             string
	state            atomic.Uint32
	failureThreshold int
	recoveryTimeout  time.Duration

	mu           sync.Mutex
	failureCount int
	successCount int
	lastFailure  time.Time
}

// New builds a breaker for the given target name. failureThreshold is the
// number of consecutive failures that trips it open; recoveryTimeout is how
// long it stays open before allowing a half-open probe.
func New(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
	cb.state.Store(uint32(Closed))
	return cb
}

// Name returns the target name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the breaker's current phase, transitioning open to
// half_open first if the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	if State(cb.state.Load()) == Open {
		cb.mu.Lock()
		elapsed := !cb.lastFailure.IsZero() && time.Since(cb.lastFailure) >= cb.recoveryTimeout
		cb.mu.Unlock()
		if elapsed {
			cb.state.CompareAndSwap(uint32(Open), uint32(HalfOpen))
		}
	}
	return State(cb.state.Load())
}

// Allow reports whether a call against the guarded target should proceed.
// Closed and half_open both allow; open does not.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != Open
}

// RecordSuccess registers a successful call. In half_open it counts toward
// closing the breaker; in closed it resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case HalfOpen:
		cb.mu.Lock()
		cb.successCount++
		closeNow := cb.successCount >= successThreshold
		if closeNow {
			cb.successCount = 0
			cb.failureCount = 0
		}
		cb.mu.Unlock()
		if closeNow {
			cb.state.Store(uint32(Closed))
		}
	case Closed:
		cb.mu.Lock()
		cb.failureCount = 0
		cb.mu.Unlock()
	}
}

// RecordFailure registers a failed call. In half_open a single failure
// reopens the breaker immediately; in closed, failures accumulate until
// failureThreshold trips it open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.lastFailure = time.Now()
	switch State(cb.state.Load()) {
	case HalfOpen:
		cb.successCount = 0
		cb.mu.Unlock()
		cb.state.Store(uint32(Open))
		return
	default:
		cb.failureCount++
		trip := cb.failureCount >= cb.failureThreshold
		cb.mu.Unlock()
		if trip {
			cb.state.Store(uint32(Open))
		}
	}
}

// Trip forces the breaker open, bypassing the failure threshold. Used when
// an actor detects a condition (e.g. device disconnected) that should stop
// traffic immediately.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	cb.lastFailure = time.Now()
	cb.mu.Unlock()
	cb.state.Store(uint32(Open))
}

// Reset clears all counters and returns the breaker to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailure = time.Time{}
	cb.mu.Unlock()
	cb.state.Store(uint32(Closed))
}

// FailureCount returns the current consecutive-failure streak.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
