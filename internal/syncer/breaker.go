package syncer

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	circuitClosed uint32 = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops a cycle from hammering an unreachable central store.
// After threshold consecutive transient failures it opens; once resetAfter
// has elapsed a single trial call is let through (half-open).
type CircuitBreaker struct {
	failures    atomic.Int32
	threshold   int32
	resetAfter  time.Duration
	state       atomic.Uint32
	lastFailure atomic.Int64 // unix nanos
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker. A nil clock uses time.Now.
func NewCircuitBreaker(threshold int, resetAfter time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if threshold > math.MaxInt32 {
		threshold = math.MaxInt32
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		threshold:  int32(threshold),
		resetAfter: resetAfter,
		now:        now,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	for {
		switch cb.state.Load() {
		case circuitOpen:
			lastFail := time.Unix(0, cb.lastFailure.Load())
			if cb.now().Sub(lastFail) < cb.resetAfter {
				return false
			}
			// Exactly one caller wins the trial.
			if cb.state.CompareAndSwap(circuitOpen, circuitHalfOpen) {
				return true
			}
		case circuitHalfOpen:
			return false
		default:
			return true
		}
	}
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(circuitClosed)
}

// RecordFailure counts a transient failure, opening the breaker at the
// threshold. A failed half-open trial reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	for {
		current := cb.failures.Load()
		next := current
		if next < math.MaxInt32 {
			next++
		}
		if !cb.failures.CompareAndSwap(current, next) {
			continue
		}
		if next >= cb.threshold || cb.state.Load() == circuitHalfOpen {
			if cb.state.CompareAndSwap(circuitClosed, circuitOpen) ||
				cb.state.CompareAndSwap(circuitHalfOpen, circuitOpen) {
				cb.lastFailure.Store(cb.now().UnixNano())
			}
		}
		return
	}
}

// IsOpen reports whether calls are currently being refused.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.state.Load() != circuitClosed
}

// State returns "closed", "open", or "half-open".
func (cb *CircuitBreaker) State() string {
	switch cb.state.Load() {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
