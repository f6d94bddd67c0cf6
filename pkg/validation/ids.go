// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// Tournament ids end up in file paths, object names and URL paths. These
// validators reject anything that could escape its directory or prefix
// (path traversal) or smuggle extra path segments into a request.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidID is wrapped by every validation failure.
var ErrInvalidID = errors.New("invalid id")

// idPattern matches a source name or an external tournament id.
// Allows: letters, digits, dots, underscores, hyphens
// Max length: 128 characters
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ValidateID validates an external tournament id or source name.
//
// Valid ids:
//   - 1-128 characters
//   - Letters, digits, dots, underscores and hyphens
//   - Start with a letter or digit, so "." and ".." are rejected
//
// Example:
//
//	if err := validation.ValidateID(id); err != nil {
//	    return nil, err
//	}
//	// Safe to join onto a directory or object prefix
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidID)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (must be 1-128 letters, digits, dots, underscores or hyphens)", ErrInvalidID, id)
	}
	return nil
}

// ValidateIDs validates multiple ids.
// Returns an error listing all invalid ids if any fail validation.
func ValidateIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidID, invalid)
	}
	return nil
}

// SanitizeID trims surrounding whitespace and validates the result.
func SanitizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
