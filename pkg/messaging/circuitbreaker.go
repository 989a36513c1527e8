package messaging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// breakerState is the circuit state gating reconnect attempts against the
// broker. Adapted from the teacher's pkg/resilience.CircuitBreaker: there
// it protected calls to a storage backend, here it protects dial attempts
// against a broker endpoint that may be down for an extended period.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by reconnectBreaker.Allow while the breaker
// is open and the recovery timeout has not yet elapsed.
var ErrBreakerOpen = errors.New("messaging: reconnect circuit open")

type reconnectBreaker struct {
	failureThreshold int64
	successThreshold int64
	recoveryTimeout  time.Duration
	maxHalfOpenCalls int64

	mu               sync.Mutex
	state            breakerState
	failures         int64
	successes        int64
	halfOpenRequests int64
	stateChangedAt   time.Time
}

func newReconnectBreaker(failureThreshold, successThreshold int64, recoveryTimeout time.Duration) *reconnectBreaker {
	return &reconnectBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		maxHalfOpenCalls: 1,
		stateChangedAt:   time.Now(),
	}
}

// Allow reports whether a dial attempt may proceed now, transitioning
// Open -> HalfOpen once the recovery timeout has elapsed.
func (b *reconnectBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.stateChangedAt) >= b.recoveryTimeout {
			b.setStateLocked(breakerHalfOpen)
			b.halfOpenRequests = 1
			return true
		}
		return false
	case breakerHalfOpen:
		if b.halfOpenRequests < b.maxHalfOpenCalls {
			b.halfOpenRequests++
			return true
		}
		return false
	default:
		return true
	}
}

func (b *reconnectBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	switch b.state {
	case breakerHalfOpen:
		if b.successes >= b.successThreshold {
			b.setStateLocked(breakerClosed)
		}
	case breakerOpen:
		b.setStateLocked(breakerHalfOpen)
	}
}

func (b *reconnectBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case breakerHalfOpen:
		b.setStateLocked(breakerOpen)
	case breakerClosed:
		if b.failures >= b.failureThreshold {
			b.setStateLocked(breakerOpen)
		}
	}
}

func (b *reconnectBreaker) setStateLocked(s breakerState) {
	b.state = s
	b.stateChangedAt = time.Now()
	b.failures = 0
	b.successes = 0
	b.halfOpenRequests = 0
}

func (b *reconnectBreaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// dialWithBreaker wraps fn with the breaker's gate and per-attempt
// timeout, recording the outcome back into the breaker.
func dialWithBreaker(ctx context.Context, b *reconnectBreaker, timeout time.Duration, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrBreakerOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
