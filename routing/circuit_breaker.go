package routing

import (
	"log"
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker stops routing to an endpoint after repeated failures.
// Once the cooldown has elapsed the endpoint is half-open: requests flow
// again and the next outcome closes or reopens the breaker.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	open     bool
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a request may be sent
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != BreakerOpen
}

// RecordSuccess closes the breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open {
		log.Printf("[CircuitBreaker] %s closed", cb.name)
	}
	cb.open = false
	cb.failures = 0
}

// RecordFailure counts a failure and opens the breaker at the threshold.
// A failure while half-open reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.open || cb.failures >= cb.threshold {
		if !cb.open {
			log.Printf("[CircuitBreaker] %s opened after %d consecutive failures", cb.name, cb.failures)
		}
		cb.open = true
		cb.openedAt = cb.now()
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return BreakerClosed
	}
	if cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return BreakerHalfOpen
	}
	return BreakerOpen
}
