// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience wraps single network operations with retry, circuit
// breaking, error-rate monitoring and rate limiting.
//
// The package knows nothing about tournaments. Each upstream gets its own
// Caller; callers may share an ErrorMonitor so alerts cover every source.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Operation is one network call guarded by a Caller.
type Operation func(ctx context.Context) error

// CallerConfig configures a Caller.
type CallerConfig struct {
	// Name tags the breaker, monitor entries and metrics.
	Name string

	Retry   RetryConfig
	Breaker CircuitBreakerConfig

	// CallTimeout bounds a single attempt. An attempt that runs longer is
	// abandoned and counts as a retryable failure. Zero disables it.
	CallTimeout time.Duration

	// RateLimit is the steady-state requests per second. Zero disables
	// limiting.
	RateLimit float64

	// RateBurst is the token bucket size. Default: 1
	RateBurst int
}

// DefaultCallerConfig returns sensible defaults for a named upstream.
func DefaultCallerConfig(name string) CallerConfig {
	return CallerConfig{
		Name:        name,
		Retry:       DefaultRetryConfig(),
		Breaker:     DefaultCircuitBreakerConfig(name),
		CallTimeout: 30 * time.Second,
	}
}

// Caller composes a circuit breaker, a retry policy, an optional rate
// limiter and an error monitor around every operation.
//
// # Description
//
// Each attempt first asks the breaker for admission; a rejection returns
// at once with a *CircuitOpenError that is never retried and never waits.
// Admitted attempts then wait for a rate token, run under CallTimeout,
// and report their outcome to the breaker and the monitor. Retryable
// failures back off per the retry strategy.
//
// # Thread Safety
//
// Safe for concurrent use.
type Caller struct {
	name        string
	retry       RetryConfig
	breaker     *CircuitBreaker
	monitor     *ErrorMonitor
	limiter     *rate.Limiter
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewCaller builds a Caller.
//
// Inputs:
//   - config: Caller configuration. Breaker.Name defaults to Name.
//   - monitor: Shared error monitor. Nil creates a private one.
//   - logger: Logger. Nil uses slog.Default().
//
// Outputs:
//   - *Caller: The caller.
func NewCaller(config CallerConfig, monitor *ErrorMonitor, logger *slog.Logger) *Caller {
	if config.Breaker.Name == "" {
		config.Breaker.Name = config.Name
	}
	if monitor == nil {
		monitor = NewErrorMonitor(DefaultMonitorConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Caller{
		name:        config.Name,
		retry:       config.Retry,
		breaker:     NewCircuitBreaker(config.Breaker),
		monitor:     monitor,
		limiter:     limiter,
		callTimeout: config.CallTimeout,
		logger:      logger.With("component", config.Name),
	}
}

// Name returns the upstream name.
func (c *Caller) Name() string {
	return c.name
}

// Breaker exposes the caller's circuit breaker.
func (c *Caller) Breaker() *CircuitBreaker {
	return c.breaker
}

// Monitor exposes the caller's error monitor.
func (c *Caller) Monitor() *ErrorMonitor {
	return c.monitor
}

// Call runs op under the caller's policies.
//
// Outputs:
//   - error: nil on success, *CircuitOpenError if rejected,
//     *RetryExhaustedError when retryable failures used every attempt,
//     or the operation's own non-retryable error.
func (c *Caller) Call(ctx context.Context, op Operation) error {
	result, err := Retry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		return c.attempt(ctx, attempt, op)
	})
	if err != nil && result.Attempts > 1 {
		c.logger.Warn("call failed after retries",
			"attempts", result.Attempts,
			"duration", result.TotalDuration,
			"error", err)
	}
	return err
}

// Do runs a value-returning operation through a Caller.
func Do[T any](ctx context.Context, c *Caller, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Call(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (c *Caller) attempt(ctx context.Context, attempt int, op Operation) error {
	if err := c.breaker.Allow(); err != nil {
		fetchAttemptsTotal.WithLabelValues(c.name, "rejected").Inc()
		return err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.breaker.Release()
			return err
		}
	}

	err := c.run(ctx, op)
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
		fetchAttemptsTotal.WithLabelValues(c.name, "success").Inc()
		return nil

	case isCallerCancellation(ctx, err):
		c.breaker.Release()
		return err
	}

	c.breaker.RecordFailure()
	c.monitor.RecordError(c.name, err)
	fetchAttemptsTotal.WithLabelValues(c.name, "failure").Inc()
	c.logger.Debug("attempt failed", "attempt", attempt, "error", err)
	return err
}

// run executes op, abandoning it once CallTimeout expires.
func (c *Caller) run(ctx context.Context, op Operation) error {
	if c.callTimeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(attemptCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}

	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", c.name, ErrAttemptTimeout, c.callTimeout)
	}
	return err
}
