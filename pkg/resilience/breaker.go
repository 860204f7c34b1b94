// Package resilience provides fault-tolerance primitives for remote calls.
package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Rejecting requests
	CircuitHalfOpen                     // Testing if the dependency recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops calling a failing dependency for a cooldown period
// after too many consecutive failures. One trial call is let through once
// the cooldown has passed; its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	mu sync.Mutex

	// Configuration
	maxFailures    int
	cooldownPeriod time.Duration
	now            func() time.Time

	// State
	state    CircuitState
	failures int
	tripTime time.Time
	trialOut bool

	// Callbacks, invoked synchronously outside the lock.
	OnTrip  func(failures int)
	OnReset func()
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:    5,
		cooldownPeriod: 30 * time.Second,
		now:            time.Now,
		state:          CircuitClosed,
	}
}

// WithMaxFailures sets how many consecutive failures trip the circuit.
func (cb *CircuitBreaker) WithMaxFailures(n int) *CircuitBreaker {
	if n > 0 {
		cb.maxFailures = n
	}
	return cb
}

// WithCooldown sets the cooldown period after tripping.
func (cb *CircuitBreaker) WithCooldown(d time.Duration) *CircuitBreaker {
	cb.cooldownPeriod = d
	return cb
}

// WithClock replaces time.Now.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by Done.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.tripTime) < cb.cooldownPeriod {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.trialOut = true
		return true
	case CircuitHalfOpen:
		// Only one trial at a time.
		if cb.trialOut {
			return false
		}
		cb.trialOut = true
		return true
	}
	return true
}

// Done records the outcome of an allowed call.
func (cb *CircuitBreaker) Done(success bool) {
	cb.mu.Lock()
	var onTrip func(int)
	var onReset func()
	failures := 0

	switch {
	case success:
		if cb.state != CircuitClosed {
			onReset = cb.OnReset
		}
		cb.state = CircuitClosed
		cb.failures = 0
		cb.trialOut = false
	case cb.state == CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.tripTime = cb.now()
		cb.failures++
		cb.trialOut = false
		onTrip, failures = cb.OnTrip, cb.failures
	default:
		cb.failures++
		if cb.state == CircuitClosed && cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.tripTime = cb.now()
			onTrip, failures = cb.OnTrip, cb.failures
		}
	}
	cb.mu.Unlock()

	if onTrip != nil {
		onTrip(failures)
	}
	if onReset != nil {
		onReset()
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
