package entitlement

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing store for a cool-down period.
// After the cool-down a single trial call is let through; its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	mu sync.Mutex

	state     BreakerState
	threshold int
	coolDown  time.Duration
	failures  int
	openedAt  time.Time
	probing   bool

	now      func() time.Time
	onChange func(BreakerState)
}

// NewCircuitBreaker opens after threshold consecutive failures and lets a trial call through after coolDown.
func NewCircuitBreaker(threshold int, coolDown time.Duration, onChange func(BreakerState)) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		onChange:  onChange,
	}
}

// State returns the current state, reporting half-open once the cool-down has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

func (cb *CircuitBreaker) current() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.coolDown {
		return BreakerHalfOpen
	}
	return cb.state
}

// Allow reports whether a call may proceed. Callers that get true must report the
// outcome with Success or Failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		cb.transition(BreakerHalfOpen)
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.transition(BreakerClosed)
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.probing || cb.failures >= cb.threshold {
		cb.probing = false
		cb.openedAt = cb.now()
		cb.transition(BreakerOpen)
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}

func (cb *CircuitBreaker) transition(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onChange != nil {
		cb.onChange(next)
	}
}
