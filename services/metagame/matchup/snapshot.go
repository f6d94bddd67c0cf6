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
	"sort"
	"time"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

// Cell is one directed matchup: Archetype's results against Opponent.
//
// WinRate and the interval bounds are nil when SampleSize is 0, which
// consumers must read as "insufficient data", never as 0%.
type Cell struct {
	Archetype  string   `json:"archetype"`
	Opponent   string   `json:"opponent"`
	Wins       int      `json:"wins"`
	Losses     int      `json:"losses"`
	Draws      int      `json:"draws"`
	Inferred   int      `json:"inferred"`
	SampleSize int      `json:"sample_size"`
	WinRate    *float64 `json:"win_rate"`
	CILower    *float64 `json:"ci_lower"`
	CIUpper    *float64 `json:"ci_upper"`
	Mirror     bool     `json:"mirror"`
}

// TierEntry is one archetype's standing against the whole field.
type TierEntry struct {
	Archetype  string  `json:"archetype"`
	Tier       int     `json:"tier"`
	Rank       int     `json:"rank"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	Draws      int     `json:"draws"`
	SampleSize int     `json:"sample_size"`
	WinRate    float64 `json:"win_rate"`
	CILower    float64 `json:"ci_lower"`
	CIUpper    float64 `json:"ci_upper"`
}

// Share is an archetype's presence in the ingested decks.
type Share struct {
	Archetype string  `json:"archetype"`
	Decks     int     `json:"decks"`
	Fraction  float64 `json:"fraction"`
}

// Snapshot is the full n×n matrix plus tier assignments. A Snapshot is
// shared between readers and must not be modified.
type Snapshot struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Tournaments int         `json:"tournaments"`
	Archetypes  []string    `json:"archetypes"`
	Cells       []Cell      `json:"cells"`
	Tiers       []TierEntry `json:"tiers"`
	Shares      []Share     `json:"shares"`

	index map[Pair]int
}

// Cell returns the cell for (archetype, opponent).
func (s *Snapshot) Cell(archetype, opponent string) (Cell, bool) {
	if s.index != nil {
		i, ok := s.index[Pair{archetype, opponent}]
		if !ok {
			return Cell{}, false
		}
		return s.Cells[i], true
	}
	for _, c := range s.Cells {
		if c.Archetype == archetype && c.Opponent == opponent {
			return c, true
		}
	}
	return Cell{}, false
}

// Row returns every cell of one archetype in opponent order.
func (s *Snapshot) Row(archetype string) []Cell {
	var out []Cell
	for _, c := range s.Cells {
		if c.Archetype == archetype {
			out = append(out, c)
		}
	}
	return out
}

// Tier returns the tier entry of an archetype, if it was ranked.
func (s *Snapshot) Tier(archetype string) (TierEntry, bool) {
	for _, t := range s.Tiers {
		if t.Archetype == archetype {
			return t, true
		}
	}
	return TierEntry{}, false
}

func float(v float64) *float64 {
	return &v
}

// build materializes a snapshot from the merged tally.
func build(total Tally, tournaments int, cfg Config, now time.Time) *Snapshot {
	set := total.archetypes()
	archetypes := make([]string, 0, len(set))
	for a := range set {
		archetypes = append(archetypes, a)
	}
	sort.Strings(archetypes)

	snap := &Snapshot{
		GeneratedAt: now,
		Tournaments: tournaments,
		Archetypes:  archetypes,
		Cells:       make([]Cell, 0, len(archetypes)*len(archetypes)),
		index:       make(map[Pair]int, len(archetypes)*len(archetypes)),
	}

	field := make(map[string]Counts, len(archetypes))
	for _, a := range archetypes {
		for _, b := range archetypes {
			c := total.Get(a, b)
			cell := Cell{
				Archetype:  a,
				Opponent:   b,
				Wins:       c.Wins,
				Losses:     c.Losses,
				Draws:      c.Draws,
				Inferred:   c.Inferred,
				SampleSize: c.Sample(),
				Mirror:     a == b,
			}
			if n := cell.SampleSize; n > 0 {
				p := float64(c.Wins) / float64(n)
				if cell.Mirror {
					p = 0.5
				}
				lo, hi := Wilson(p, n, cfg.Z)
				cell.WinRate, cell.CILower, cell.CIUpper = float(p), float(lo), float(hi)
			}
			if !cell.Mirror {
				field[a] = field[a].add(c)
			}
			snap.index[Pair{a, b}] = len(snap.Cells)
			snap.Cells = append(snap.Cells, cell)
		}
	}

	snap.Tiers = rankTiers(archetypes, field, cfg)
	snap.Shares = shares(archetypes, total)
	return snap
}

// rankTiers orders archetypes by the Wilson lower bound of their record
// against the field and maps rank fractions onto tiers.
func rankTiers(archetypes []string, field map[string]Counts, cfg Config) []TierEntry {
	entries := make([]TierEntry, 0, len(archetypes))
	for _, a := range archetypes {
		c := field[a]
		n := c.Sample()
		if a == model.UnclassifiedArchetype || n == 0 || n < cfg.MinTierSample {
			continue
		}
		p := float64(c.Wins) / float64(n)
		lo, hi := Wilson(p, n, cfg.Z)
		entries = append(entries, TierEntry{
			Archetype:  a,
			Wins:       c.Wins,
			Losses:     c.Losses,
			Draws:      c.Draws,
			SampleSize: n,
			WinRate:    p,
			CILower:    lo,
			CIUpper:    hi,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CILower != entries[j].CILower {
			return entries[i].CILower > entries[j].CILower
		}
		if entries[i].WinRate != entries[j].WinRate {
			return entries[i].WinRate > entries[j].WinRate
		}
		return entries[i].Archetype < entries[j].Archetype
	})

	for i := range entries {
		frac := float64(i) / float64(len(entries))
		tier := 1
		for _, cut := range cfg.TierCuts {
			if frac >= cut {
				tier++
			}
		}
		entries[i].Rank = i + 1
		entries[i].Tier = tier
	}
	return entries
}

func shares(archetypes []string, total Tally) []Share {
	var all int
	for _, a := range archetypes {
		all += total.Decks(a)
	}
	out := make([]Share, 0, len(archetypes))
	for _, a := range archetypes {
		s := Share{Archetype: a, Decks: total.Decks(a)}
		if all > 0 {
			s.Fraction = float64(s.Decks) / float64(all)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Decks > out[j].Decks })
	return out
}
