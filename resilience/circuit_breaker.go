// Package resilience guards the scheduler's dependencies (stores, the
// downstream bus) with per-dependency circuit breakers and gives the
// analytics path a bounded local buffer to ride out short outages.
package resilience

import (
	"sync"
	"time"

	"github.com/itskum47/horizonq/observability"
)

// CircuitState is the state of a single breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after a run of consecutive failures and half-opens
// after a cool-down, admitting a small sample of test calls before
// closing again.
type CircuitBreaker struct {
	name string
	mu   sync.Mutex

	state CircuitState

	failureThreshold int
	cooldown         time.Duration
	testLimit        int

	consecutiveFailures int
	openedAt            time.Time
	testCount           int
	testSuccesses       int
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and waits cooldown before sampling recovery.
func NewCircuitBreaker(name string, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		testLimit:        5,
	}
}

// Allow reports whether a call should be attempted right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
		cb.testSuccesses = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		return cb.testCount < cb.testLimit
	default:
		return true
	}
}

// RecordSuccess notifies the breaker of a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen {
		cb.testCount++
		cb.testSuccesses++
		if cb.testSuccesses >= cb.testLimit {
			cb.state = CircuitClosed
		}
	}
	observability.CircuitState.WithLabelValues(cb.name).Set(float64(cb.state))
}

// RecordFailure notifies the breaker of a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
		cb.testSuccesses = 0
		observability.CircuitState.WithLabelValues(cb.name).Set(float64(cb.state))
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
	observability.CircuitState.WithLabelValues(cb.name).Set(float64(cb.state))
}

// State returns the current state (thread-safe).
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerSet owns one breaker per named dependency, created lazily.
type BreakerSet struct {
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
	failureThreshold int
	cooldown         time.Duration
}

// NewBreakerSet builds a set whose breakers share the same thresholds.
func NewBreakerSet(failureThreshold int, cooldown time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// For returns (creating if necessary) the breaker for a dependency name,
// e.g. "hotstore", "coldstore", "bus".
func (bs *BreakerSet) For(dependency string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cb, ok := bs.breakers[dependency]
	if !ok {
		cb = NewCircuitBreaker(dependency, bs.failureThreshold, bs.cooldown)
		bs.breakers[dependency] = cb
	}
	return cb
}
