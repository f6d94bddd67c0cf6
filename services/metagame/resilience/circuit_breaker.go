// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all requests immediately.
	CircuitOpen

	// CircuitHalfOpen admits a single trial request.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in errors, logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before it admits
	// a trial call.
	// Default: 30s
	RecoveryTimeout time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitState)

	// Now overrides the clock. Default: time.Now
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults for the circuit breaker.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Validate checks if the circuit breaker configuration is usable.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be >= 1, got %d", ErrInvalidConfig, c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: recovery timeout must be positive, got %s", ErrInvalidConfig, c.RecoveryTimeout)
	}
	return nil
}

// CircuitBreaker implements the circuit breaker pattern for a single
// upstream.
//
// # Description
//
// The breaker starts Closed. Consecutive failures are counted and reaching
// FailureThreshold opens it, recording the open time. While Open every call
// is rejected with a *CircuitOpenError until RecoveryTimeout has elapsed;
// the next call then moves the breaker to HalfOpen and is admitted as the
// only trial. The trial's success closes the breaker and resets the
// counter; its failure reopens it with a fresh open time.
//
// # Thread Safety
//
// Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
	lastStateChange     time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
//
// Inputs:
//   - config: Thresholds and timeouts. Zero values take defaults.
//
// Outputs:
//   - *CircuitBreaker: A new breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: config.Now(),
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow decides whether a request may proceed.
//
// Outputs:
//   - error: nil if admitted, otherwise a *CircuitOpenError.
//
// A nil return obliges the caller to report the outcome with RecordSuccess,
// RecordFailure or Release.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	now := cb.config.Now()

	var change *stateChange
	var err error

	switch cb.state {
	case CircuitClosed:
	case CircuitOpen:
		elapsed := now.Sub(cb.openedAt)
		if elapsed >= cb.config.RecoveryTimeout {
			change = cb.transitionTo(CircuitHalfOpen, now)
			cb.trialInFlight = true
		} else {
			err = &CircuitOpenError{Component: cb.config.Name, RetryAfter: cb.config.RecoveryTimeout - elapsed}
		}
	case CircuitHalfOpen:
		if cb.trialInFlight {
			err = &CircuitOpenError{Component: cb.config.Name}
		} else {
			cb.trialInFlight = true
		}
	}
	cb.mu.Unlock()

	cb.notify(change)
	return err
}

// RecordSuccess records a successful request.
//
// In the closed state the failure counter resets. A successful half-open
// trial closes the circuit.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var change *stateChange
	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0
	case CircuitHalfOpen:
		change = cb.transitionTo(CircuitClosed, cb.config.Now())
	}
	cb.mu.Unlock()

	cb.notify(change)
}

// RecordFailure records a failed request.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	now := cb.config.Now()
	var change *stateChange

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			change = cb.transitionTo(CircuitOpen, now)
		}
	case CircuitHalfOpen:
		change = cb.transitionTo(CircuitOpen, now)
	}
	cb.mu.Unlock()

	cb.notify(change)
}

// Release gives back an admitted request without judging the upstream,
// e.g. when the caller's own context was cancelled mid-flight.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	if cb.state == CircuitHalfOpen {
		cb.trialInFlight = false
	}
	cb.mu.Unlock()
}

// State returns the current circuit state.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
		LastStateChange:     cb.lastStateChange,
	}
}

// Reset forces the breaker closed.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.transitionTo(CircuitClosed, cb.config.Now())
	cb.mu.Unlock()

	cb.notify(change)
}

type stateChange struct {
	from, to CircuitState
}

// transitionTo changes the circuit state.
// Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, now time.Time) *stateChange {
	from := cb.state
	cb.state = newState
	cb.lastStateChange = now
	cb.trialInFlight = false

	switch newState {
	case CircuitOpen:
		cb.openedAt = now
	case CircuitClosed:
		cb.consecutiveFailures = 0
	}

	if from == newState {
		return nil
	}
	return &stateChange{from: from, to: newState}
}

func (cb *CircuitBreaker) notify(change *stateChange) {
	if change == nil {
		return
	}
	circuitStateGauge.WithLabelValues(cb.config.Name).Set(float64(change.to))
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, change.from, change.to)
	}
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
	LastStateChange     time.Time
}
