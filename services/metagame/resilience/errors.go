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
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	// ErrCircuitOpen is matched by every *CircuitOpenError via errors.Is.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrAttemptTimeout is returned for an attempt abandoned after CallTimeout.
	ErrAttemptTimeout = errors.New("attempt deadline exceeded")

	// ErrInvalidConfig is returned by Validate for unusable settings.
	ErrInvalidConfig = errors.New("invalid resilience config")
)

// TransientFetchError marks a failure worth retrying: a 5xx, a reset
// connection, a throttled response.
type TransientFetchError struct {
	// Op names what was being fetched.
	Op string

	// StatusCode is the upstream HTTP status when there was one.
	StatusCode int

	Err error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch error: %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error: %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned when the breaker rejects a call without
// invoking the operation.
type CircuitOpenError struct {
	Component string

	// RetryAfter is how long until the breaker will admit a trial call.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Component, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryExhaustedError is returned once every attempt failed with a
// retryable error.
type RetryExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

// IsTransient reports whether err is a *TransientFetchError or an
// abandoned attempt. It is the default retry predicate.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var tfe *TransientFetchError
	if errors.As(err, &tfe) {
		return true
	}
	return errors.Is(err, ErrAttemptTimeout)
}

// isCallerCancellation reports whether err came from the caller's own
// context rather than from the operation.
func isCallerCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
