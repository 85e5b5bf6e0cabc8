package api

import (
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
)

// ErrCircuitOpen is returned without a request while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker states.
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	clock        clock.Clock
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.WallClock
	}
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		clock:        clk,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        BreakerClosed,
	}
}

// Allow reports whether a request may be sent.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.clock.Now().Sub(cb.lastFailure) >= cb.resetTimeout {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	case BreakerHalfOpen:
		// One probe at a time.
		return false
	}
	return true
}

// Success closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
}

// Failure records a failed request. A failed probe reopens the breaker.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock.Now()
	if cb.state == BreakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = BreakerOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
