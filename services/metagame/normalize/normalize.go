// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package normalize converts source-specific tournament payloads into the
// canonical model.
//
// Each source kind has a declarative Schema of dotted field paths. The
// normalizer is a pure transformation: no I/O, no shared state, safe for
// concurrent use.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

// DefaultMinPlayers is the smallest tournament considered statistically
// usable.
const DefaultMinPlayers = 8

// ErrUnknownKind is returned for a kind with no registered schema.
var ErrUnknownKind = errors.New("unknown source kind")

// Result is one normalized tournament.
type Result struct {
	Tournament model.Tournament
	Decks      []model.Deck

	// Matches holds observed matches. Empty for standings-only payloads.
	Matches []model.Match
}

// Options configures a Normalizer.
type Options struct {
	// MinPlayers is the minimum number of distinct players.
	// Default: 8
	MinPlayers int

	// FormatFilter, when set, rejects tournaments of any other format.
	// Compared after slugging both sides.
	FormatFilter string

	// Schemas adds or overrides schemas by kind on top of the built-ins.
	Schemas map[SourceKind]Schema
}

// Normalizer maps raw payloads to canonical records.
type Normalizer struct {
	schemas      map[SourceKind]Schema
	minPlayers   int
	formatFilter string
	validate     *validator.Validate
}

// New creates a Normalizer.
//
// Outputs:
//   - *Normalizer: The normalizer.
//   - error: Non-nil if a custom schema is invalid.
func New(opts Options) (*Normalizer, error) {
	v := validator.New()
	schemas := BuiltinSchemas()
	for kind, s := range opts.Schemas {
		if s.Kind == "" {
			s.Kind = kind
		}
		if err := validateSchema(v, s); err != nil {
			return nil, err
		}
		schemas[kind] = s
	}

	minPlayers := opts.MinPlayers
	if minPlayers <= 0 {
		minPlayers = DefaultMinPlayers
	}

	filter := ""
	if opts.FormatFilter != "" {
		filter = slug.Make(opts.FormatFilter)
	}

	return &Normalizer{
		schemas:      schemas,
		minPlayers:   minPlayers,
		formatFilter: filter,
		validate:     v,
	}, nil
}

func validateSchema(v *validator.Validate, s Schema) error {
	if err := v.Struct(s); err != nil {
		return fmt.Errorf("schema %s: %w", s.Kind, err)
	}
	r := s.Player.Record
	if r.Combined == "" && (r.Wins == "" || r.Losses == "") {
		return fmt.Errorf("schema %s: record needs a combined path or wins and losses paths", s.Kind)
	}
	if s.Matches != "" {
		m := s.Match
		if m.Round == "" || m.PlayerA == "" || m.PlayerB == "" || m.Winner == "" {
			return fmt.Errorf("schema %s: match log needs round, player_a, player_b and winner paths", s.Kind)
		}
	}
	return nil
}

// Kinds lists the registered source kinds.
func (n *Normalizer) Kinds() []SourceKind {
	out := make([]SourceKind, 0, len(n.schemas))
	for k := range n.schemas {
		out = append(out, k)
	}
	return out
}

// Normalize converts one raw payload.
//
// Description:
//
//	Decodes raw as JSON and resolves every schema path. The tournament is
//	match-complete when the schema declares a match log and the payload
//	carries at least one match; otherwise it is standings-only. The
//	content hash is computed before returning.
//
// Inputs:
//
//	raw - The payload bytes.
//	kind - The source kind selecting the schema.
//
// Outputs:
//
//	Result - Canonical tournament, decks and observed matches.
//	error - *SchemaError for missing or malformed mandatory data or too few
//	        players, *FormatMismatchError when the format filter rejects it,
//	        ErrUnknownKind for an unregistered kind.
func (n *Normalizer) Normalize(raw []byte, kind SourceKind) (Result, error) {
	schema, ok := n.schemas[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Result{}, &SchemaError{Kind: kind, Field: "$", Reason: "payload is not valid JSON", Err: err}
	}

	p := parser{kind: kind, schema: schema}

	t := model.Tournament{Source: schema.source()}
	var err error
	if t.ExternalID, err = p.requiredString(doc, schema.ExternalID); err != nil {
		return Result{}, err
	}
	if t.Name, err = p.optionalString(doc, schema.Name); err != nil {
		return Result{}, err
	}
	if t.Date, err = p.date(doc); err != nil {
		return Result{}, err
	}

	format, err := p.optionalString(doc, schema.Format)
	if err != nil {
		return Result{}, err
	}
	t.Format = slug.Make(format)
	if n.formatFilter != "" && t.Format != n.formatFilter {
		return Result{}, &FormatMismatchError{TournamentID: t.ID(), Want: n.formatFilter, Got: t.Format}
	}

	decks, err := p.decks(doc, t.ID())
	if err != nil {
		return Result{}, err
	}
	if len(decks) < n.minPlayers {
		return Result{}, &SchemaError{
			Kind:   kind,
			Field:  schema.Players,
			Reason: fmt.Sprintf("%d distinct players, need at least %d", len(decks), n.minPlayers),
		}
	}

	if t.PlayerCount, err = p.optionalInt(doc, schema.PlayerCount); err != nil {
		return Result{}, err
	}
	if t.PlayerCount < len(decks) {
		t.PlayerCount = len(decks)
	}
	if t.RoundCount, err = p.optionalInt(doc, schema.RoundCount); err != nil {
		return Result{}, err
	}

	matches, err := p.matches(doc, t.ID(), decks)
	if err != nil {
		return Result{}, err
	}

	t.Completeness = model.StandingsOnly
	if len(matches) > 0 {
		t.Completeness = model.MatchComplete
		for _, m := range matches {
			if m.Round > t.RoundCount {
				t.RoundCount = m.Round
			}
		}
	}

	if err := n.validateRecords(kind, t, decks, matches); err != nil {
		return Result{}, err
	}

	t.ContentHash = model.Hash(t, decks, matches)
	return Result{Tournament: t, Decks: decks, Matches: matches}, nil
}

func (n *Normalizer) validateRecords(kind SourceKind, t model.Tournament, decks []model.Deck, matches []model.Match) error {
	if err := n.validate.Struct(t); err != nil {
		return &SchemaError{Kind: kind, Field: "tournament", Reason: "invalid normalized tournament", Err: err}
	}
	for i := range decks {
		if err := n.validate.Struct(decks[i]); err != nil {
			return &SchemaError{Kind: kind, Field: fmt.Sprintf("players[%d]", i), Reason: "invalid normalized deck", Err: err}
		}
	}
	for i := range matches {
		if err := n.validate.Struct(matches[i]); err != nil {
			return &SchemaError{Kind: kind, Field: fmt.Sprintf("matches[%d]", i), Reason: "invalid normalized match", Err: err}
		}
	}
	return nil
}

// parser resolves schema paths and reports failures as *SchemaError.
type parser struct {
	kind   SourceKind
	schema Schema
}

func (p parser) fail(field, reason string, err error) error {
	return &SchemaError{Kind: p.kind, Field: field, Reason: reason, Err: err}
}

func (p parser) requiredString(doc any, path string) (string, error) {
	v, ok := lookup(doc, path)
	if !ok {
		return "", p.fail(path, "missing", nil)
	}
	s, err := asString(v)
	if err != nil {
		return "", p.fail(path, "malformed", err)
	}
	if s == "" {
		return "", p.fail(path, "empty", nil)
	}
	return s, nil
}

func (p parser) optionalString(doc any, path string) (string, error) {
	v, ok := lookup(doc, path)
	if !ok {
		return "", nil
	}
	s, err := asString(v)
	if err != nil {
		return "", p.fail(path, "malformed", err)
	}
	return s, nil
}

func (p parser) optionalInt(doc any, path string) (int, error) {
	v, ok := lookup(doc, path)
	if !ok {
		return 0, nil
	}
	i, err := asInt(v)
	if err != nil {
		return 0, p.fail(path, "malformed", err)
	}
	if i < 0 {
		return 0, p.fail(path, "negative", nil)
	}
	return i, nil
}

func (p parser) date(doc any) (time.Time, error) {
	v, ok := lookup(doc, p.schema.Date)
	if !ok {
		return time.Time{}, nil
	}
	path := p.schema.Date

	switch p.schema.DateFormat {
	case DateUnixSecs:
		secs, err := asInt(v)
		if err != nil {
			return time.Time{}, p.fail(path, "malformed unix time", err)
		}
		return time.Unix(int64(secs), 0).UTC(), nil
	case DateOnly:
		s, err := asString(v)
		if err != nil {
			return time.Time{}, p.fail(path, "malformed date", err)
		}
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, p.fail(path, "malformed date", err)
		}
		return t, nil
	default:
		s, err := asString(v)
		if err != nil {
			return time.Time{}, p.fail(path, "malformed date", err)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, p.fail(path, "malformed date", err)
		}
		return t.UTC(), nil
	}
}

func (p parser) decks(doc any, tournamentID string) ([]model.Deck, error) {
	raw, ok := lookup(doc, p.schema.Players)
	if !ok {
		return nil, p.fail(p.schema.Players, "missing", nil)
	}
	players, err := asArray(raw)
	if err != nil {
		return nil, p.fail(p.schema.Players, "malformed", err)
	}

	ps := p.schema.Player
	seen := make(map[string]bool, len(players))
	decks := make([]model.Deck, 0, len(players))
	for i, entry := range players {
		at := func(path string) string {
			return fmt.Sprintf("%s[%d].%s", p.schema.Players, i, path)
		}

		nameVal, ok := lookup(entry, ps.Name)
		if !ok {
			return nil, p.fail(at(ps.Name), "missing player identity", nil)
		}
		name, err := asString(nameVal)
		if err != nil || name == "" {
			return nil, p.fail(at(ps.Name), "malformed player identity", err)
		}
		if seen[name] {
			return nil, p.fail(at(ps.Name), fmt.Sprintf("duplicate player %q", name), nil)
		}
		seen[name] = true

		record, err := p.record(entry, at)
		if err != nil {
			return nil, err
		}

		deck := model.Deck{TournamentID: tournamentID, Player: name, Record: record, FinalRank: i + 1}
		if v, ok := lookup(entry, ps.Archetype); ok {
			if deck.Archetype, err = asString(v); err != nil {
				return nil, p.fail(at(ps.Archetype), "malformed", err)
			}
		}
		if v, ok := lookup(entry, ps.Rank); ok {
			if deck.FinalRank, err = asInt(v); err != nil {
				return nil, p.fail(at(ps.Rank), "malformed", err)
			}
		}
		if v, ok := lookup(entry, ps.Seed); ok {
			if deck.Seed, err = asInt(v); err != nil {
				return nil, p.fail(at(ps.Seed), "malformed", err)
			}
		}
		decks = append(decks, deck)
	}
	return decks, nil
}

func (p parser) record(entry any, at func(string) string) (model.Record, error) {
	rs := p.schema.Player.Record
	if rs.Combined != "" {
		v, ok := lookup(entry, rs.Combined)
		if !ok {
			return model.Record{}, p.fail(at(rs.Combined), "missing final record", nil)
		}
		s, err := asString(v)
		if err != nil {
			return model.Record{}, p.fail(at(rs.Combined), "malformed final record", err)
		}
		r, err := ParseRecord(s)
		if err != nil {
			return model.Record{}, p.fail(at(rs.Combined), "malformed final record", err)
		}
		return r, nil
	}

	var r model.Record
	fields := []struct {
		path     string
		dst      *int
		required bool
	}{
		{rs.Wins, &r.Wins, true},
		{rs.Losses, &r.Losses, true},
		{rs.Draws, &r.Draws, false},
	}
	for _, f := range fields {
		v, ok := lookup(entry, f.path)
		if !ok {
			if f.required {
				return model.Record{}, p.fail(at(f.path), "missing final record", nil)
			}
			continue
		}
		n, err := asInt(v)
		if err != nil || n < 0 {
			return model.Record{}, p.fail(at(f.path), "malformed final record", err)
		}
		*f.dst = n
	}
	return r, nil
}

func (p parser) matches(doc any, tournamentID string, decks []model.Deck) ([]model.Match, error) {
	if p.schema.Matches == "" {
		return nil, nil
	}
	raw, ok := lookup(doc, p.schema.Matches)
	if !ok {
		return nil, nil
	}
	entries, err := asArray(raw)
	if err != nil {
		return nil, p.fail(p.schema.Matches, "malformed", err)
	}

	known := make(map[string]bool, len(decks))
	for _, d := range decks {
		known[d.Player] = true
	}

	ms := p.schema.Match
	out := make([]model.Match, 0, len(entries))
	for i, entry := range entries {
		at := func(path string) string {
			return fmt.Sprintf("%s[%d].%s", p.schema.Matches, i, path)
		}

		roundVal, ok := lookup(entry, ms.Round)
		if !ok {
			return nil, p.fail(at(ms.Round), "missing round", nil)
		}
		round, err := asInt(roundVal)
		if err != nil || round < 1 {
			return nil, p.fail(at(ms.Round), "malformed round", err)
		}

		a, err := p.requiredString(entry, ms.PlayerA)
		if err != nil {
			return nil, p.fail(at(ms.PlayerA), "missing player", nil)
		}
		b, err := p.optionalString(entry, ms.PlayerB)
		if err != nil {
			return nil, err
		}
		for path, name := range map[string]string{ms.PlayerA: a, ms.PlayerB: b} {
			if name != "" && !known[name] {
				return nil, p.fail(at(path), fmt.Sprintf("player %q not in standings", name), nil)
			}
		}

		winner, err := p.optionalString(entry, ms.Winner)
		if err != nil {
			return nil, err
		}
		switch {
		case b == "":
			winner = model.WinnerBye
		case winner == "" || strings.EqualFold(winner, model.WinnerDraw):
			winner = model.WinnerDraw
		case winner != a && winner != b:
			return nil, p.fail(at(ms.Winner), fmt.Sprintf("winner %q is not a participant", winner), nil)
		}

		out = append(out, model.Match{
			TournamentID: tournamentID,
			Round:        round,
			PlayerA:      a,
			PlayerB:      b,
			Winner:       winner,
			Origin:       model.OriginObserved,
			Confidence:   1,
		})
	}
	return out, nil
}

// ParseRecord parses "W-L" or "W-L-D".
func ParseRecord(s string) (model.Record, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) < 2 || len(parts) > 3 {
		return model.Record{}, fmt.Errorf("record %q is not W-L or W-L-D", s)
	}
	vals := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return model.Record{}, fmt.Errorf("record %q: bad component %q", s, part)
		}
		vals[i] = n
	}
	return model.Record{Wins: vals[0], Losses: vals[1], Draws: vals[2]}, nil
}
