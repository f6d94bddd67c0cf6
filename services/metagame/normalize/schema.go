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

// SourceKind selects a Schema.
type SourceKind string

// Built-in source kinds.
const (
	KindMelee   SourceKind = "melee"
	KindMTGO    SourceKind = "mtgo"
	KindTopdeck SourceKind = "topdeck"
)

// DateFormat says how a date field is encoded.
type DateFormat string

const (
	DateRFC3339  DateFormat = "rfc3339"
	DateOnly     DateFormat = "date"
	DateUnixSecs DateFormat = "unix"
)

// RecordSchema locates a player's final record: either one "W-L-D"
// string at Combined, or separate integer fields.
type RecordSchema struct {
	Combined string `yaml:"combined,omitempty"`
	Wins     string `yaml:"wins,omitempty"`
	Losses   string `yaml:"losses,omitempty"`
	Draws    string `yaml:"draws,omitempty"`
}

// PlayerSchema holds paths relative to one element of the players array.
type PlayerSchema struct {
	Name      string       `yaml:"name" validate:"required"`
	Archetype string       `yaml:"archetype,omitempty"`
	Rank      string       `yaml:"rank,omitempty"`
	Seed      string       `yaml:"seed,omitempty"`
	Record    RecordSchema `yaml:"record"`
}

// MatchSchema holds paths relative to one element of the match log.
//
// Winner holds a player name, "draw" (any case), or is empty for a draw.
// An empty PlayerB makes the match a bye.
type MatchSchema struct {
	Round   string `yaml:"round"`
	PlayerA string `yaml:"player_a"`
	PlayerB string `yaml:"player_b"`
	Winner  string `yaml:"winner"`
}

// Schema declares where a source kind keeps each canonical field.
//
// Paths are dot-separated object keys, e.g. "event.meta.id". The
// normalizer fails closed: a mandatory path that resolves to nothing is a
// *SchemaError, never a guess.
type Schema struct {
	Kind SourceKind `yaml:"kind" validate:"required"`

	// Source overrides Tournament.Source. Default: Kind.
	Source string `yaml:"source,omitempty"`

	ExternalID  string     `yaml:"external_id" validate:"required"`
	Name        string     `yaml:"name,omitempty"`
	Date        string     `yaml:"date,omitempty"`
	DateFormat  DateFormat `yaml:"date_format,omitempty" validate:"omitempty,oneof=rfc3339 date unix"`
	Format      string     `yaml:"format,omitempty"`
	PlayerCount string     `yaml:"player_count,omitempty"`
	RoundCount  string     `yaml:"round_count,omitempty"`

	Players string       `yaml:"players" validate:"required"`
	Player  PlayerSchema `yaml:"player"`

	// Matches is the match log path. Empty for standings-only sources.
	Matches string      `yaml:"matches,omitempty"`
	Match   MatchSchema `yaml:"match,omitempty"`
}

func (s Schema) source() string {
	if s.Source != "" {
		return s.Source
	}
	return string(s.Kind)
}

// BuiltinSchemas returns the schemas for the built-in source kinds.
func BuiltinSchemas() map[SourceKind]Schema {
	return map[SourceKind]Schema{
		KindMelee: {
			Kind:        KindMelee,
			ExternalID:  "id",
			Name:        "name",
			Date:        "startDate",
			DateFormat:  DateRFC3339,
			Format:      "format",
			PlayerCount: "playerCount",
			RoundCount:  "rounds",
			Players:     "standings",
			Player: PlayerSchema{
				Name:      "player.name",
				Archetype: "decklist.archetype",
				Rank:      "rank",
				Record:    RecordSchema{Wins: "matchWins", Losses: "matchLosses", Draws: "matchDraws"},
			},
			Matches: "matches",
			Match:   MatchSchema{Round: "round", PlayerA: "player1", PlayerB: "player2", Winner: "winner"},
		},
		KindMTGO: {
			Kind:       KindMTGO,
			ExternalID: "event_id",
			Name:       "description",
			Date:       "date",
			DateFormat: DateOnly,
			Format:     "format",
			Players:    "standings",
			Player: PlayerSchema{
				Name:      "login_name",
				Archetype: "archetype",
				Rank:      "rank",
				Record:    RecordSchema{Combined: "record"},
			},
		},
		KindTopdeck: {
			Kind:        KindTopdeck,
			ExternalID:  "TID",
			Name:        "tournamentName",
			Date:        "startDate",
			DateFormat:  DateUnixSecs,
			Format:      "format",
			PlayerCount: "playerCount",
			RoundCount:  "swissRounds",
			Players:     "standings",
			Player: PlayerSchema{
				Name:      "name",
				Archetype: "deck.archetype",
				Rank:      "standing",
				Seed:      "seed",
				Record:    RecordSchema{Wins: "wins", Losses: "losses", Draws: "draws"},
			},
		},
	}
}
