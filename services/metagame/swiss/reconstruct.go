// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package swiss infers plausible per-round matches for tournaments that
// only published final standings.
//
// # Description
//
// Reconstruction runs in two passes. The first decides every player's
// result round by round. Active players are grouped by running record
// (best group first) and sorted by final rank, then seed (known seeds
// first), then name. Within each group the players whose remaining record
// forces a win or a loss take it, and the rest split so that the group
// pairs off internally wherever the records allow; an odd group sends one
// player across. Before a round is accepted, a backward schedule of the
// remaining rounds proves the standings can still be completed. When it
// cannot, the round moves toward that schedule one result swap at a time
// and the moved pairings are flagged. The work per round is polynomial in
// the field size.
//
// The second pass pairs winners with losers and drawers with drawers,
// walking the round order so that partners come from the same record
// group first. A bounded depth-first search avoids repeat pairings across
// rounds. When the budget runs out or no repeat-free pairing exists, each
// round is paired greedily instead, allowing repeats.
//
// When a round has an odd number of active players, the lowest-ranked
// player with a win left and no earlier bye gets the bye, which counts as
// a win. A player is active while they have games left, so players who
// dropped early stop appearing in later rounds.
//
// # Confidence
//
// Every inferred match carries confidence min(1/R, MaxConfidence),
// multiplied by SwapPenalty for pairings that are not the first choice of
// the round order (repeats included) and by FloatPenalty for pairings
// across record groups.
//
// # Thread Safety
//
// A Reconstructor is immutable and safe for concurrent use.
package swiss

import (
	"math"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

// Options configures a Reconstructor.
type Options struct {
	// MaxConfidence caps per-match confidence so inferred edges never
	// reach 1. Default: 0.95
	MaxConfidence float64

	// SwapPenalty multiplies the confidence of pairings that are not the
	// round order's first choice. Default: 0.5
	SwapPenalty float64

	// FloatPenalty multiplies the confidence of pairings between players
	// of different running records. Default: 0.75
	FloatPenalty float64

	// SearchBudget bounds the steps of the repeat-free pairing search.
	// Exhausting it falls back to greedy pairing. Default: 200000
	SearchBudget int
}

// DefaultOptions returns the default reconstruction settings.
func DefaultOptions() Options {
	return Options{MaxConfidence: 0.95, SwapPenalty: 0.5, FloatPenalty: 0.75, SearchBudget: 200_000}
}

// Quality summarizes how a reconstruction was obtained.
type Quality struct {
	// Score is the mean pairing confidence relative to the undiscounted
	// per-match confidence, in [0,1]. 1 means a strict Swiss history.
	Score float64

	Rounds          int
	RoundsEstimated bool
	Pairings        int

	// Swapped counts pairings discounted by SwapPenalty.
	Swapped int

	// Floated counts pairings across record groups.
	Floated int

	// Repeated counts pairings of players who had already met.
	Repeated int

	// Replanned counts rounds whose results departed from the
	// group-preferred split to keep the standings reachable.
	Replanned int

	// Fallback is set when pairings were made greedily.
	Fallback bool

	Byes int
}

// Reconstructor infers matches from standings.
type Reconstructor struct {
	opts Options
}

// New creates a Reconstructor. Zero option values take defaults.
func New(opts Options) *Reconstructor {
	def := DefaultOptions()
	if opts.MaxConfidence <= 0 || opts.MaxConfidence >= 1 {
		opts.MaxConfidence = def.MaxConfidence
	}
	if opts.SwapPenalty <= 0 || opts.SwapPenalty > 1 {
		opts.SwapPenalty = def.SwapPenalty
	}
	if opts.FloatPenalty <= 0 || opts.FloatPenalty > 1 {
		opts.FloatPenalty = def.FloatPenalty
	}
	if opts.SearchBudget <= 0 {
		opts.SearchBudget = def.SearchBudget
	}
	return &Reconstructor{opts: opts}
}

// Reconstruct infers the matches of a standings-only tournament.
//
// Inputs:
//
//	t - The tournament. RoundCount 0 means unknown.
//	decks - Final standings, one deck per player.
//
// Outputs:
//
//	[]model.Match - Inferred matches in round order, Origin reconstructed.
//	Quality - How the reconstruction was obtained.
//	error - *ReconstructionInconsistentError when no history reproduces
//	        the standings, ErrMatchLogPresent for match-complete input.
//	        No matches are returned with an error.
func (r *Reconstructor) Reconstruct(t model.Tournament, decks []model.Deck) ([]model.Match, Quality, error) {
	if t.Completeness == model.MatchComplete {
		return nil, Quality{}, ErrMatchLogPresent
	}
	if len(decks) < 2 {
		return nil, Quality{}, nil
	}

	rounds, estimated := roundCount(t, decks)
	for _, d := range decks {
		if d.Record.Games() > rounds {
			return nil, Quality{}, &ReconstructionInconsistentError{
				TournamentID: t.ID(),
				Player:       d.Player,
				Want:         d.Record,
				Reason:       "more games than rounds",
			}
		}
	}

	s := newSearch(decks, rounds, r.opts.SearchBudget)
	replanned, ok := s.assignResults()
	if !ok {
		return nil, Quality{}, &ReconstructionInconsistentError{
			TournamentID: t.ID(),
			Reason:       "no pairing history reproduces the standings",
		}
	}
	q := Quality{Rounds: rounds, RoundsEstimated: estimated, Replanned: replanned}
	if !s.pairFrom(0, make([]bool, len(s.players)), 0) {
		s.pairGreedy()
		q.Fallback = true
	}

	base := math.Min(1/float64(rounds), r.opts.MaxConfidence)
	matches := make([]model.Match, 0, len(s.stack)+len(s.plans))
	var weight float64
	k := 0
	for _, plan := range s.plans {
		if plan.bye >= 0 {
			matches = append(matches, model.Match{
				TournamentID: t.ID(),
				Round:        plan.round,
				PlayerA:      s.players[plan.bye].deck.Player,
				Winner:       model.WinnerBye,
				Origin:       model.OriginReconstructed,
				Confidence:   base,
			})
			q.Byes++
		}
		for ; k < len(s.stack) && s.stack[k].round == plan.round; k++ {
			p := s.stack[k]
			m := model.Match{
				TournamentID: t.ID(),
				Round:        plan.round,
				PlayerA:      s.players[p.a].deck.Player,
				PlayerB:      s.players[p.b].deck.Player,
				Winner:       model.WinnerDraw,
				Origin:       model.OriginReconstructed,
				Confidence:   base,
			}
			if p.winner >= 0 {
				m.Winner = s.players[p.winner].deck.Player
			}
			if p.swapped || p.repeat || plan.isFlipped(p.a) || plan.isFlipped(p.b) {
				m.Confidence *= r.opts.SwapPenalty
				q.Swapped++
			}
			if p.floated {
				m.Confidence *= r.opts.FloatPenalty
				q.Floated++
			}
			if p.repeat {
				q.Repeated++
			}
			q.Pairings++
			weight += m.Confidence / base
			matches = append(matches, m)
		}
	}
	if q.Pairings > 0 {
		q.Score = weight / float64(q.Pairings)
	}

	if err := VerifyConservation(t.ID(), decks, matches); err != nil {
		return nil, Quality{}, err
	}
	return matches, q, nil
}

// roundCount returns R and whether it was estimated.
func roundCount(t model.Tournament, decks []model.Deck) (int, bool) {
	if t.RoundCount > 0 {
		return t.RoundCount, false
	}
	n := t.PlayerCount
	if len(decks) > n {
		n = len(decks)
	}
	r := int(math.Ceil(math.Log2(float64(n))))
	for _, d := range decks {
		if g := d.Record.Games(); g > r {
			r = g
		}
	}
	if r < 1 {
		r = 1
	}
	return r, true
}

// VerifyConservation checks that summing each player's matches reproduces
// their recorded final record exactly. Byes count as wins.
func VerifyConservation(tournamentID string, decks []model.Deck, matches []model.Match) error {
	got := make(map[string]*model.Record, len(decks))
	for _, d := range decks {
		got[d.Player] = &model.Record{}
	}
	credit := func(player string, fn func(r *model.Record)) bool {
		r, ok := got[player]
		if ok {
			fn(r)
		}
		return ok
	}

	for _, m := range matches {
		switch {
		case m.IsBye():
			if !credit(m.PlayerA, func(r *model.Record) { r.Wins++ }) {
				return &ReconstructionInconsistentError{TournamentID: tournamentID, Reason: "bye for unknown player " + m.PlayerA}
			}
		case m.IsDraw():
			okA := credit(m.PlayerA, func(r *model.Record) { r.Draws++ })
			okB := credit(m.PlayerB, func(r *model.Record) { r.Draws++ })
			if !okA || !okB {
				return &ReconstructionInconsistentError{TournamentID: tournamentID, Reason: "draw with unknown player"}
			}
		default:
			loser := m.PlayerB
			if m.Winner == m.PlayerB {
				loser = m.PlayerA
			}
			okW := credit(m.Winner, func(r *model.Record) { r.Wins++ })
			okL := credit(loser, func(r *model.Record) { r.Losses++ })
			if !okW || !okL {
				return &ReconstructionInconsistentError{TournamentID: tournamentID, Reason: "match with unknown player"}
			}
		}
	}

	for _, d := range decks {
		if *got[d.Player] != d.Record {
			return &ReconstructionInconsistentError{
				TournamentID: tournamentID,
				Player:       d.Player,
				Want:         d.Record,
				Got:          *got[d.Player],
			}
		}
	}
	return nil
}

type player struct {
	deck   model.Deck
	rem    model.Record
	run    model.Record
	hadBye bool
}

type search struct {
	players []*player
	rounds  int
	plans   []roundPlan

	met       map[[2]int]int
	stack     []pairing
	steps     int
	budget    int
	exhausted bool
}

func newSearch(decks []model.Deck, rounds, budget int) *search {
	players := make([]*player, len(decks))
	for i, d := range decks {
		players[i] = &player{deck: d, rem: d.Record}
	}
	return &search{
		players: players,
		rounds:  rounds,
		met:     make(map[[2]int]int),
		budget:  budget,
	}
}

func pairKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

func (s *search) above(i, j int) bool {
	return ranksAbove(s.players[i].deck, s.players[j].deck)
}

// ranksAbove orders by final rank, then known seed, then name.
func ranksAbove(a, b model.Deck) bool {
	if a.FinalRank != b.FinalRank {
		if a.FinalRank == 0 || b.FinalRank == 0 {
			return b.FinalRank == 0
		}
		return a.FinalRank < b.FinalRank
	}
	if a.Seed != b.Seed {
		if a.Seed == 0 || b.Seed == 0 {
			return b.Seed == 0
		}
		return a.Seed < b.Seed
	}
	return a.Player < b.Player
}
