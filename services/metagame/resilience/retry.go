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
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	// StrategyFixed waits BaseDelay every time.
	StrategyFixed Strategy = "fixed"

	// StrategyLinear waits BaseDelay*attempt.
	StrategyLinear Strategy = "linear"

	// StrategyExponential waits BaseDelay*Multiplier^(attempt-1).
	StrategyExponential Strategy = "exponential"

	// StrategyExponentialJitter is exponential with a uniform
	// ±JitterRange fraction applied.
	StrategyExponentialJitter Strategy = "exponential_jitter"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// Strategy picks the backoff curve.
	// Default: exponential_jitter
	Strategy Strategy

	// BaseDelay is the unit delay every strategy scales.
	// Default: 500ms
	BaseDelay time.Duration

	// MaxDelay caps any single wait.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	// Default: 2.0
	Multiplier float64

	// JitterRange is the maximum jitter as a fraction of the delay (0-1).
	// Default: 0.2
	JitterRange float64

	// Retryable decides which errors are retried. Default: IsTransient
	Retryable func(error) bool

	// Sleep waits between attempts. Tests replace it to avoid real time.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns a value in [0,1) for jitter. Default: math/rand.Float64
	Rand func() float64
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Strategy:    StrategyExponentialJitter,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.2,
	}
}

// Validate checks if the retry configuration is valid.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("%w: max delay %s below base delay %s", ErrInvalidConfig, c.MaxDelay, c.BaseDelay)
	}
	switch c.Strategy {
	case StrategyFixed, StrategyLinear:
	case StrategyExponential, StrategyExponentialJitter:
		if c.Multiplier < 1.0 {
			return fmt.Errorf("%w: multiplier must be >= 1, got %g", ErrInvalidConfig, c.Multiplier)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
	if c.JitterRange < 0 || c.JitterRange > 1 {
		return fmt.Errorf("%w: jitter range must be within [0,1], got %g", ErrInvalidConfig, c.JitterRange)
	}
	return nil
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Strategy == "" {
		c.Strategy = StrategyExponentialJitter
	}
	if c.Multiplier < 1.0 {
		c.Multiplier = 2.0
	}
	if c.Retryable == nil {
		c.Retryable = IsTransient
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// Delay returns the wait after the given failed attempt (1-based).
//
// Inputs:
//   - attempt: The attempt that just failed. Values below 1 are treated as 1.
//
// Outputs:
//   - time.Duration: The delay, never negative and never above MaxDelay
//     when MaxDelay is set.
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	base := float64(c.BaseDelay)
	var d float64
	switch c.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * float64(attempt)
	case StrategyExponential:
		d = base * math.Pow(c.Multiplier, float64(attempt-1))
	case StrategyExponentialJitter:
		d = base * math.Pow(c.Multiplier, float64(attempt-1))
		if c.JitterRange > 0 {
			jitter := (c.Rand()*2 - 1) * c.JitterRange
			d *= 1.0 + jitter
		}
	default:
		d = base
	}

	if d < 0 {
		d = 0
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// RetryResult contains the outcome of a retry operation.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry executes fn until it succeeds, fails with a non-retryable error,
// or runs out of attempts.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - config: Retry configuration.
//   - fn: The function to execute and potentially retry.
//
// Outputs:
//   - RetryResult: Statistics about the retry operation.
//   - error: nil on success; the error itself if it was not retryable;
//     *RetryExhaustedError wrapping the last error once attempts run out;
//     ctx.Err() if the context ends first.
//
// Example:
//
//	_, err := Retry(ctx, DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
//	    return src.Fetch(ctx, id)
//	})
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) (RetryResult, error) {
	config = config.withDefaults()
	start := time.Now()
	result := RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		result.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if !config.Retryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		// Don't wait after the last attempt
		if attempt == config.MaxAttempts {
			break
		}

		if err := config.Sleep(ctx, config.Delay(attempt)); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}
	}

	result.TotalDuration = time.Since(start)
	return result, &RetryExhaustedError{Attempts: result.Attempts, LastError: result.LastError}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
