// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// hashDocument is the canonical form fed to the content hash.
//
// Source, ExternalID and Name are deliberately absent: two endpoints that
// publish the same event under different ids and titles must collide.
type hashDocument struct {
	Date        string      `json:"date"`
	Format      string      `json:"format"`
	PlayerCount int         `json:"player_count"`
	RoundCount  int         `json:"round_count"`
	Decks       []hashDeck  `json:"decks"`
	Matches     []hashMatch `json:"matches"`
}

type hashDeck struct {
	Player    string `json:"p"`
	Archetype string `json:"a"`
	Rank      int    `json:"r"`
	Seed      int    `json:"s"`
	Record    string `json:"rec"`
}

type hashMatch struct {
	Round   int    `json:"r"`
	PlayerA string `json:"a"`
	PlayerB string `json:"b"`
	Winner  string `json:"w"`
}

// Hash computes the content hash of a normalized tournament.
//
// Description:
//
//	Decks are sorted by player and observed matches by (round, player_a,
//	player_b) so the hash does not depend on payload order. Reconstructed
//	matches never contribute; only what the source published does.
//
// Inputs:
//
//	t - The tournament. Its ContentHash field is ignored.
//	decks - Every deck of the tournament.
//	matches - Observed matches (may be empty).
//
// Outputs:
//
//	string - Hex-encoded SHA-256 digest.
func Hash(t Tournament, decks []Deck, matches []Match) string {
	doc := hashDocument{
		Format:      t.Format,
		PlayerCount: t.PlayerCount,
		RoundCount:  t.RoundCount,
		Decks:       make([]hashDeck, 0, len(decks)),
		Matches:     make([]hashMatch, 0, len(matches)),
	}
	if !t.Date.IsZero() {
		doc.Date = t.Date.UTC().Format(time.DateOnly)
	}

	for _, d := range decks {
		doc.Decks = append(doc.Decks, hashDeck{
			Player:    d.Player,
			Archetype: d.Archetype,
			Rank:      d.FinalRank,
			Seed:      d.Seed,
			Record:    d.Record.String(),
		})
	}
	sort.Slice(doc.Decks, func(i, j int) bool {
		return doc.Decks[i].Player < doc.Decks[j].Player
	})

	for _, m := range matches {
		if m.Origin == OriginReconstructed {
			continue
		}
		doc.Matches = append(doc.Matches, hashMatch{
			Round:   m.Round,
			PlayerA: m.PlayerA,
			PlayerB: m.PlayerB,
			Winner:  m.Winner,
		})
	}
	sort.Slice(doc.Matches, func(i, j int) bool {
		a, b := doc.Matches[i], doc.Matches[j]
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.PlayerA != b.PlayerA {
			return a.PlayerA < b.PlayerA
		}
		return a.PlayerB < b.PlayerB
	})

	// Marshal of plain structs with string/int fields cannot fail.
	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
