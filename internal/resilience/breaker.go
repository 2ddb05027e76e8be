package resilience

import (
	"errors"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// ErrCircuitOpen is returned while the breaker refuses calls. Callers
// surface it as a systemic outage rather than a task failure.
var ErrCircuitOpen = errors.New("model service unavailable (circuit open)")

// CircuitBreaker guards the model client against systemic outages.
// Consecutive failures open it; after a cooldown exactly one trial call
// probes the service, and the probe's outcome decides between closing
// again and re-arming the cooldown.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	state    string
	failures int
	openedAt time.Time
	probing  bool // a half-open trial is in flight
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
	}
}

// Allow reports whether a call may proceed. In half-open state only the
// single probe call passes; everyone else keeps getting ErrCircuitOpen.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker after a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = StateClosed
}

// RecordFailure counts a failed call. A failed half-open probe re-opens
// immediately with a fresh cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.probing = false
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	}
}

// State returns the current state name.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed. Used between runs when an operator
// explicitly clears an outage.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}
