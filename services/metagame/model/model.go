// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the canonical tournament records shared by every
// stage of the metagame pipeline.
//
// Records produced by the normalizer are source-independent: a Tournament
// from a match-complete source and one from a standings-only source have the
// same shape and differ only in Completeness and in whether Matches are
// present.
//
// # Identity
//
// A tournament is identified by (Source, ExternalID). ID() renders that
// pair as "source/external_id", which is the key used by the store, the
// reconstructor and the aggregator.
//
// # Thread Safety
//
// All types are plain values. They are safe to share once constructed and
// must not be mutated concurrently.
package model

import (
	"fmt"
	"time"
)

// UnclassifiedArchetype is the pseudo-archetype for decks the external
// classifier did not label. It is counted in raw tallies and excluded from
// tier ranking.
const UnclassifiedArchetype = "Unclassified"

// Sentinel values for Match.Winner.
const (
	// WinnerDraw marks a drawn match.
	WinnerDraw = "draw"

	// WinnerBye marks a bye. PlayerB is empty and the match never reaches
	// the matchup matrix.
	WinnerBye = "bye"
)

// Completeness classifies how much match-level data a source published.
type Completeness string

const (
	// MatchComplete sources publish a full per-round match log.
	MatchComplete Completeness = "match_complete"

	// StandingsOnly sources publish only final records per player.
	StandingsOnly Completeness = "standings_only"
)

// MatchOrigin says whether a match was published or inferred.
type MatchOrigin string

const (
	// OriginObserved matches come straight from a source's match log.
	OriginObserved MatchOrigin = "observed"

	// OriginReconstructed matches were inferred from standings and always
	// carry Confidence < 1.
	OriginReconstructed MatchOrigin = "reconstructed"
)

// Record is a win/loss/draw total.
type Record struct {
	Wins   int `json:"wins" validate:"gte=0"`
	Losses int `json:"losses" validate:"gte=0"`
	Draws  int `json:"draws" validate:"gte=0"`
}

// Games returns the number of matches the record accounts for.
func (r Record) Games() int {
	return r.Wins + r.Losses + r.Draws
}

// Points returns Swiss match points (3 per win, 1 per draw).
func (r Record) Points() int {
	return 3*r.Wins + r.Draws
}

// Sub returns r minus o.
func (r Record) Sub(o Record) Record {
	return Record{Wins: r.Wins - o.Wins, Losses: r.Losses - o.Losses, Draws: r.Draws - o.Draws}
}

// String renders the record as "W-L-D".
func (r Record) String() string {
	return fmt.Sprintf("%d-%d-%d", r.Wins, r.Losses, r.Draws)
}

// Tournament is a normalized event.
//
// Everything except ReconstructionQuality and DuplicateOf is fixed at
// normalization time. ContentHash is filled in by Hash.
type Tournament struct {
	Source       string       `json:"source" validate:"required"`
	ExternalID   string       `json:"external_id" validate:"required"`
	Name         string       `json:"name"`
	Date         time.Time    `json:"date"`
	Format       string       `json:"format"`
	PlayerCount  int          `json:"player_count" validate:"gte=0"`
	RoundCount   int          `json:"round_count" validate:"gte=0"`
	Completeness Completeness `json:"completeness" validate:"oneof=match_complete standings_only"`
	ContentHash  string       `json:"content_hash"`

	// ReconstructionQuality is set once the Swiss reconstructor has run.
	// Nil means no reconstruction was attempted.
	ReconstructionQuality *float64 `json:"reconstruction_quality,omitempty"`

	// DuplicateOf names the primary tournament when the same event was
	// ingested from another source. Duplicates are excluded from aggregation.
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// ID returns the tournament identity key.
func (t Tournament) ID() string {
	return TournamentID(t.Source, t.ExternalID)
}

// IsDuplicate reports whether the tournament shadows another one.
func (t Tournament) IsDuplicate() bool {
	return t.DuplicateOf != ""
}

// TournamentID builds the identity key for (source, externalID).
func TournamentID(source, externalID string) string {
	return source + "/" + externalID
}

// Deck is one player's entry in a tournament.
type Deck struct {
	TournamentID string `json:"tournament_id"`
	Player       string `json:"player" validate:"required"`
	Archetype    string `json:"archetype"`
	FinalRank    int    `json:"final_rank" validate:"gte=0"`

	// Seed is the original seeding when the source publishes it, else 0.
	Seed   int    `json:"seed,omitempty" validate:"gte=0"`
	Record Record `json:"record"`
}

// ArchetypeOrUnclassified returns the deck archetype, falling back to
// UnclassifiedArchetype when the classifier left it blank.
func (d Deck) ArchetypeOrUnclassified() string {
	if d.Archetype == "" {
		return UnclassifiedArchetype
	}
	return d.Archetype
}

// Match is one edge between two players in one round.
type Match struct {
	TournamentID string      `json:"tournament_id"`
	Round        int         `json:"round" validate:"gte=1"`
	PlayerA      string      `json:"player_a" validate:"required"`
	PlayerB      string      `json:"player_b"`
	Winner       string      `json:"winner"`
	Origin       MatchOrigin `json:"origin"`
	Confidence   float64     `json:"confidence" validate:"gte=0,lte=1"`
}

// IsBye reports whether the match is a bye.
func (m Match) IsBye() bool {
	return m.Winner == WinnerBye
}

// IsDraw reports whether the match was drawn.
func (m Match) IsDraw() bool {
	return m.Winner == WinnerDraw
}

// CacheEntry is the store's bookkeeping for one tournament.
type CacheEntry struct {
	TournamentID string    `json:"tournament_id"`
	ContentHash  string    `json:"content_hash"`
	IngestedAt   time.Time `json:"ingested_at"`
}
