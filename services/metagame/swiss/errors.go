// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package swiss

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

// ErrMatchLogPresent is returned when asked to reconstruct a tournament
// whose source already published its matches.
var ErrMatchLogPresent = errors.New("tournament has an observed match log")

// ReconstructionInconsistentError means no pairing history reproduces the
// recorded standings. The tournament contributes no reconstructed matches.
type ReconstructionInconsistentError struct {
	TournamentID string

	// Player is set when a specific player's totals disagree.
	Player string
	Want   model.Record
	Got    model.Record

	Reason string
}

func (e *ReconstructionInconsistentError) Error() string {
	if e.Player != "" {
		return fmt.Sprintf("reconstruction of %s inconsistent: player %s recorded %s, inferred %s",
			e.TournamentID, e.Player, e.Want, e.Got)
	}
	return fmt.Sprintf("reconstruction of %s inconsistent: %s", e.TournamentID, e.Reason)
}
