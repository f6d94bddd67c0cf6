// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matchup

import (
	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

// Pair is an ordered (archetype, opponent) key.
type Pair struct {
	Archetype string
	Opponent  string
}

// Counts are the raw results of one archetype against one opponent.
type Counts struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`

	// Games counts matches. It equals Wins+Losses+Draws except in a
	// mirror cell, where a decisive match adds a win and a loss.
	Games int `json:"games"`

	// Inferred counts matches that were reconstructed.
	Inferred int `json:"inferred"`
}

// Sample returns the number of games in the cell.
func (c Counts) Sample() int {
	return c.Games
}

func (c Counts) add(o Counts) Counts {
	return Counts{
		Wins:     c.Wins + o.Wins,
		Losses:   c.Losses + o.Losses,
		Draws:    c.Draws + o.Draws,
		Games:    c.Games + o.Games,
		Inferred: c.Inferred + o.Inferred,
	}
}

// Tally is a partial aggregate. Merge is associative and commutative, so
// tallies built independently per tournament can be combined in any order.
//
// The zero value is an empty tally ready for Merge.
type Tally struct {
	cells map[Pair]Counts
	decks map[string]int

	// Skipped counts matches whose players had no deck.
	Skipped int
}

// NewTally folds one tournament's matches into a tally.
//
// Both (A,B) and (B,A) are incremented for every match. Byes are ignored.
// Players without an archetype count as model.UnclassifiedArchetype. A
// mirror match lands in a single cell once: a win and a loss when
// decisive, one draw otherwise.
func NewTally(decks []model.Deck, matches []model.Match) Tally {
	t := Tally{cells: make(map[Pair]Counts), decks: make(map[string]int)}
	archetypes := make(map[string]string, len(decks))
	for _, d := range decks {
		a := d.ArchetypeOrUnclassified()
		archetypes[d.Player] = a
		t.decks[a]++
	}

	for _, m := range matches {
		if m.IsBye() {
			continue
		}
		a, okA := archetypes[m.PlayerA]
		b, okB := archetypes[m.PlayerB]
		if !okA || !okB {
			t.Skipped++
			continue
		}

		ab, ba := Counts{Games: 1}, Counts{Games: 1}
		switch {
		case m.IsDraw():
			ab.Draws, ba.Draws = 1, 1
		case m.Winner == m.PlayerA:
			ab.Wins, ba.Losses = 1, 1
		case m.Winner == m.PlayerB:
			ab.Losses, ba.Wins = 1, 1
		default:
			t.Skipped++
			continue
		}
		if m.Origin == model.OriginReconstructed {
			ab.Inferred, ba.Inferred = 1, 1
		}
		if a == b {
			ab.Wins, ab.Losses = ab.Wins+ba.Wins, ab.Losses+ba.Losses
			t.cells[Pair{a, a}] = t.cells[Pair{a, a}].add(ab)
			continue
		}
		t.cells[Pair{a, b}] = t.cells[Pair{a, b}].add(ab)
		t.cells[Pair{b, a}] = t.cells[Pair{b, a}].add(ba)
	}
	return t
}

// Merge adds o into t.
func (t *Tally) Merge(o Tally) {
	if t.cells == nil {
		t.cells = make(map[Pair]Counts, len(o.cells))
	}
	if t.decks == nil {
		t.decks = make(map[string]int, len(o.decks))
	}
	for k, c := range o.cells {
		t.cells[k] = t.cells[k].add(c)
	}
	for a, n := range o.decks {
		t.decks[a] += n
	}
	t.Skipped += o.Skipped
}

// Get returns the counts for one ordered pair.
func (t Tally) Get(archetype, opponent string) Counts {
	return t.cells[Pair{archetype, opponent}]
}

// Decks returns how many decks of an archetype the tally has seen.
func (t Tally) Decks(archetype string) int {
	return t.decks[archetype]
}

// Len returns the number of non-empty ordered cells.
func (t Tally) Len() int {
	return len(t.cells)
}

// archetypes returns every archetype that appears in the tally.
func (t Tally) archetypes() map[string]struct{} {
	out := make(map[string]struct{}, len(t.decks))
	for a := range t.decks {
		out[a] = struct{}{}
	}
	for k := range t.cells {
		out[k.Archetype] = struct{}{}
		out[k.Opponent] = struct{}{}
	}
	return out
}
