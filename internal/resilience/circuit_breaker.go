// Package resilience implements provider-call retry and circuit-breaking,
// entirely in memory: there is no persistence-backed circuit state, since
// a restart of the process is expected to re-probe every provider from a
// clean slate.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState is one of the three states of the standard circuit
// breaker state machine.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// CircuitStatus is the current status of one tenant+provider circuit.
type CircuitStatus struct {
	State         CircuitState
	FailureCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// CircuitBreaker tracks one circuit per tenant+provider pair, entirely in
// memory, guarded by a per-key mutex so concurrent requests for the same
// tenant don't race the state transition.
type CircuitBreaker struct {
	statuses sync.Map // key -> *guardedStatus
}

type guardedStatus struct {
	mu     sync.Mutex
	status CircuitStatus
}

// NewCircuitBreaker builds an empty circuit breaker.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{}
}

func circuitKey(tenantID, provider string) string {
	return tenantID + ":" + provider
}

func (cb *CircuitBreaker) entry(tenantID, provider string) *guardedStatus {
	key := circuitKey(tenantID, provider)
	if v, ok := cb.statuses.Load(key); ok {
		return v.(*guardedStatus)
	}
	v, _ := cb.statuses.LoadOrStore(key, &guardedStatus{status: CircuitStatus{State: StateClosed}})
	return v.(*guardedStatus)
}

// AllowRequest reports whether a call to tenantID+provider should proceed,
// given a failure threshold and open-circuit timeout. An open circuit
// transitions to half-open once timeoutSec has elapsed. While half-open,
// every request is let through (the number of probes is not limited) until
// a recorded success closes the circuit or a recorded failure reopens it.
func (cb *CircuitBreaker) AllowRequest(_ context.Context, tenantID, provider string, _ int, timeoutSec int) (bool, error) {
	e := cb.entry(tenantID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status.State {
	case StateClosed:
		return true, nil
	case StateOpen:
		if time.Since(e.status.OpenedAt) > time.Duration(timeoutSec)*time.Second {
			e.status.State = StateHalfOpen
			return true, nil
		}
		return false, fmt.Errorf("circuit breaker open for provider %s", provider)
	case StateHalfOpen:
		return true, nil
	default:
		return true, nil
	}
}

// RecordSuccess closes a half-open circuit on a successful probe, and is a
// no-op otherwise.
func (cb *CircuitBreaker) RecordSuccess(_ context.Context, tenantID, provider string) {
	e := cb.entry(tenantID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.State == StateHalfOpen {
		e.status = CircuitStatus{State: StateClosed}
	}
}

// RecordFailure increments the failure count and opens the circuit once
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure(_ context.Context, tenantID, provider string, threshold int) {
	e := cb.entry(tenantID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.FailureCount++
	e.status.LastFailureAt = time.Now()

	if e.status.State == StateHalfOpen || e.status.FailureCount >= threshold {
		e.status.State = StateOpen
		e.status.OpenedAt = time.Now()
	}
}

// Status returns a copy of the current circuit status, for diagnostics.
func (cb *CircuitBreaker) Status(tenantID, provider string) CircuitStatus {
	e := cb.entry(tenantID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}
