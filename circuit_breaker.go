// circuit_breaker.go
// ------------------
// Per-operation circuit breaker consulted by the rate limiter and the batch
// executor. After Threshold consecutive failures the breaker opens and
// rejects calls until Timeout elapses; the first check after the timeout
// flips it to half-open as a side effect, so callers never observe "open"
// and "past timeout" at the same time. In half-open it admits a limited
// number of probes: any failure re-opens immediately, and SuccessesToClose
// consecutive successes close it and zero all counters.
package graphbridge

import (
	"sync"
	"time"
)

// CircuitState is the breaker's position in its state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerStats is a point-in-time snapshot for introspection.
type CircuitBreakerStats struct {
	State        CircuitState
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
	NextAttempt  time.Time
	TestRequests int
}

// CircuitBreaker is safe for concurrent use. The zero value is not usable;
// construct with newCircuitBreaker.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold        int
	timeout          time.Duration
	successesToClose int

	state        CircuitState
	failureCount int
	successCount int
	lastFailure  time.Time
	nextAttempt  time.Time
	testRequests int

	now func() time.Time
}

func newCircuitBreaker(threshold int, timeout time.Duration, successesToClose int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if successesToClose <= 0 {
		successesToClose = 3
	}
	return &CircuitBreaker{
		threshold:        threshold,
		timeout:          timeout,
		successesToClose: successesToClose,
		state:            CircuitClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. While open it flips to
// half-open once nextAttempt has passed; while half-open it admits probes
// up to the close threshold.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Before(cb.nextAttempt) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.successCount = 0
		cb.testRequests = 1
		return true
	case CircuitHalfOpen:
		if cb.testRequests >= cb.successesToClose {
			return false
		}
		cb.testRequests++
		return true
	}
	return false
}

// RetryIn returns how long until the breaker would admit a call again.
// Zero when the breaker is not open.
func (cb *CircuitBreaker) RetryIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return 0
	}
	d := cb.nextAttempt.Sub(cb.now())
	if d < 0 {
		d = 0
	}
	return d
}

// RecordSuccess resets the failure streak; in half-open it counts toward
// closing.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
		cb.successCount++
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successesToClose {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.testRequests = 0
		}
	}
}

// RecordFailure counts toward the open threshold; in half-open any failure
// re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.threshold {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.open()
	case CircuitOpen:
		// Already open; a straggling failure just pushes the window out.
		cb.nextAttempt = cb.now().Add(cb.timeout)
	}
}

// open transitions to open. Must be called with the lock held.
func (cb *CircuitBreaker) open() {
	cb.state = CircuitOpen
	cb.nextAttempt = cb.now().Add(cb.timeout)
	cb.successCount = 0
	cb.testRequests = 0
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		LastFailure:  cb.lastFailure,
		NextAttempt:  cb.nextAttempt,
		TestRequests: cb.testRequests,
	}
}
