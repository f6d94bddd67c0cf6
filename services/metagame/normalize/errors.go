// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package normalize

import "fmt"

// SchemaError means the payload does not satisfy the declared schema or
// the tournament is too small to be usable.
type SchemaError struct {
	Kind   SourceKind
	Field  string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("schema error (%s): %s: %s", e.Kind, e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// FormatMismatchError means the tournament's format differs from the
// configured filter.
type FormatMismatchError struct {
	TournamentID string
	Want         string
	Got          string
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("tournament %s has format %q, want %q", e.TournamentID, e.Got, e.Want)
}
