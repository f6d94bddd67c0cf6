// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for an identity.
	ErrNotFound = errors.New("tournament not found in cache")

	// ErrCorruptStore is returned when a persisted record cannot be
	// decoded. It is fatal for the whole run.
	ErrCorruptStore = errors.New("cache store is corrupt")
)

// CacheWriteError reports a failed write. The caller must not assume any
// part of the write landed.
type CacheWriteError struct {
	TournamentID string
	Op           string
	Err          error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write %s %s: %v", e.Op, e.TournamentID, e.Err)
}

func (e *CacheWriteError) Unwrap() error {
	return e.Err
}

func corrupt(key []byte, err error) error {
	return fmt.Errorf("%w: decode %q: %v", ErrCorruptStore, key, err)
}
