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
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

func standingsOnly(players, rounds int) model.Tournament {
	return model.Tournament{
		Source:       "mtgo",
		ExternalID:   "t1",
		Format:       "modern",
		PlayerCount:  players,
		RoundCount:   rounds,
		Completeness: model.StandingsOnly,
	}
}

func deck(name string, rank int, w, l, d int) model.Deck {
	return model.Deck{
		TournamentID: "mtgo/t1",
		Player:       name,
		Archetype:    "Arch" + name,
		FinalRank:    rank,
		Record:       model.Record{Wins: w, Losses: l, Draws: d},
	}
}

func match(round int, a, b, winner string, conf float64) model.Match {
	return model.Match{TournamentID: "mtgo/t1", Round: round, PlayerA: a, PlayerB: b,
		Winner: winner, Origin: model.OriginReconstructed, Confidence: conf}
}

func TestReconstruct_SwapOnRepeatPairing(t *testing.T) {
	decks := []model.Deck{
		deck("A", 1, 3, 0, 0),
		deck("B", 2, 2, 1, 0),
		deck("C", 3, 1, 2, 0),
		deck("D", 4, 0, 3, 0),
	}
	tour := standingsOnly(4, 0)

	matches, q, err := New(Options{}).Reconstruct(tour, decks)
	require.NoError(t, err)

	third := 1.0 / 3
	want := []model.Match{
		match(1, "A", "C", "A", third),
		match(1, "B", "D", "B", third),
		match(2, "A", "B", "A", third),
		match(2, "C", "D", "C", third),
		match(3, "A", "D", "A", third*0.5*0.75),
		match(3, "B", "C", "B", third),
	}
	if diff := cmp.Diff(want, matches, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 3, q.Rounds, "two rounds estimated from four players, raised to three games played")
	assert.True(t, q.RoundsEstimated)
	assert.Equal(t, 6, q.Pairings)
	assert.Equal(t, 1, q.Swapped)
	assert.Equal(t, 1, q.Floated, "A at 2-0 crosses to D at 0-2")
	assert.Zero(t, q.Repeated)
	assert.False(t, q.Fallback)
	assert.InDelta(t, (5+0.375)/6, q.Score, 1e-9)
}

func TestReconstruct_PairsWithinRecordGroups(t *testing.T) {
	decks := []model.Deck{
		deck("p1", 1, 3, 0, 0),
		deck("p2", 2, 2, 1, 0),
		deck("p3", 3, 2, 1, 0),
		deck("p4", 4, 2, 1, 0),
		deck("p5", 5, 1, 2, 0),
		deck("p6", 6, 1, 2, 0),
		deck("p7", 7, 1, 2, 0),
		deck("p8", 8, 0, 3, 0),
	}

	matches, q, err := New(DefaultOptions()).Reconstruct(standingsOnly(8, 3), decks)
	require.NoError(t, err)

	third := 1.0 / 3
	want := []model.Match{
		match(1, "p1", "p5", "p1", third),
		match(1, "p2", "p6", "p2", third),
		match(1, "p3", "p7", "p3", third),
		match(1, "p4", "p8", "p4", third),
		match(2, "p1", "p3", "p1", third),
		match(2, "p2", "p4", "p2", third),
		match(2, "p5", "p7", "p5", third),
		match(2, "p6", "p8", "p6", third),
		match(3, "p1", "p2", "p1", third),
		match(3, "p3", "p5", "p3", third),
		match(3, "p4", "p6", "p4", third),
		match(3, "p7", "p8", "p7", third),
	}
	if diff := cmp.Diff(want, matches); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 12, q.Pairings)
	assert.Zero(t, q.Swapped)
	assert.Zero(t, q.Floated)
	assert.Zero(t, q.Replanned)
	assert.Equal(t, 1.0, q.Score)
}

func TestReconstruct_ByeGoesToLowestEligible(t *testing.T) {
	decks := []model.Deck{
		deck("A", 1, 2, 0, 0),
		deck("B", 2, 1, 1, 0),
		deck("C", 3, 1, 1, 0),
	}

	matches, q, err := New(Options{}).Reconstruct(standingsOnly(3, 2), decks)
	require.NoError(t, err)

	want := []model.Match{
		{TournamentID: "mtgo/t1", Round: 1, PlayerA: "C", Winner: model.WinnerBye, Origin: model.OriginReconstructed, Confidence: 0.5},
		{TournamentID: "mtgo/t1", Round: 1, PlayerA: "A", PlayerB: "B", Winner: "A", Origin: model.OriginReconstructed, Confidence: 0.5},
		{TournamentID: "mtgo/t1", Round: 2, PlayerA: "B", Winner: model.WinnerBye, Origin: model.OriginReconstructed, Confidence: 0.5},
		{TournamentID: "mtgo/t1", Round: 2, PlayerA: "A", PlayerB: "C", Winner: "A", Origin: model.OriginReconstructed, Confidence: 0.5},
	}
	if diff := cmp.Diff(want, matches); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, q.Byes)
	assert.Equal(t, 2, q.Pairings)
	assert.Equal(t, 1.0, q.Score)
	assert.False(t, q.RoundsEstimated)
}

func TestReconstruct_DroppedPlayersBacktrack(t *testing.T) {
	decks := []model.Deck{
		deck("A", 1, 2, 0, 0),
		deck("B", 2, 0, 2, 0),
		deck("C", 3, 1, 0, 0),
		deck("D", 4, 0, 1, 0),
	}

	matches, q, err := New(Options{}).Reconstruct(standingsOnly(4, 2), decks)
	require.NoError(t, err)
	assert.NoError(t, VerifyConservation("mtgo/t1", decks, matches))
	assertNoRepeats(t, matches)
	assertOncePerRound(t, matches)
	assert.False(t, q.Fallback)

	for _, m := range matches {
		if m.Round == 2 {
			assert.NotContains(t, []string{m.PlayerA, m.PlayerB}, "C", "C finished after one game")
			assert.NotContains(t, []string{m.PlayerA, m.PlayerB}, "D", "D finished after one game")
		}
	}
}

func TestReconstruct_Inconsistent(t *testing.T) {
	t.Run("impossible totals", func(t *testing.T) {
		decks := []model.Deck{
			deck("A", 1, 2, 0, 0),
			deck("B", 2, 2, 0, 0),
			deck("C", 3, 2, 0, 0),
			deck("D", 4, 2, 0, 0),
		}
		matches, _, err := New(Options{}).Reconstruct(standingsOnly(4, 2), decks)
		var rie *ReconstructionInconsistentError
		require.True(t, errors.As(err, &rie), "got %v", err)
		assert.Equal(t, "mtgo/t1", rie.TournamentID)
		assert.Contains(t, rie.Error(), "no pairing history")
		assert.Nil(t, matches)
	})

	t.Run("more games than rounds", func(t *testing.T) {
		decks := []model.Deck{
			deck("A", 1, 3, 0, 0),
			deck("B", 2, 0, 1, 0),
		}
		_, _, err := New(Options{}).Reconstruct(standingsOnly(2, 2), decks)
		var rie *ReconstructionInconsistentError
		require.True(t, errors.As(err, &rie))
		assert.Equal(t, "A", rie.Player)
	})
}

func TestReconstruct_FallsBackToGreedyPairing(t *testing.T) {
	t.Run("small budget", func(t *testing.T) {
		decks := []model.Deck{
			deck("A", 1, 1, 0, 0),
			deck("B", 2, 0, 1, 0),
		}
		matches, q, err := New(Options{SearchBudget: 1}).Reconstruct(standingsOnly(2, 1), decks)
		require.NoError(t, err, "running out of budget must not reject the standings")
		require.Len(t, matches, 1)
		assert.Equal(t, "A", matches[0].Winner)
		assert.True(t, q.Fallback)
		assert.Zero(t, q.Repeated)
	})

	t.Run("unavoidable repeat", func(t *testing.T) {
		decks := []model.Deck{
			deck("A", 1, 2, 0, 0),
			deck("B", 2, 0, 2, 0),
		}
		matches, q, err := New(Options{}).Reconstruct(standingsOnly(2, 2), decks)
		require.NoError(t, err)

		want := []model.Match{
			match(1, "A", "B", "A", 0.5),
			match(2, "A", "B", "A", 0.5*0.5*0.75),
		}
		if diff := cmp.Diff(want, matches, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Errorf("matches mismatch (-want +got):\n%s", diff)
		}
		assert.True(t, q.Fallback)
		assert.Equal(t, 1, q.Repeated)
		assert.Equal(t, 1, q.Swapped)
		assert.Equal(t, 1, q.Floated)
		assert.InDelta(t, (1+0.375)/2, q.Score, 1e-9)
	})
}

func TestReconstruct_RejectsMatchComplete(t *testing.T) {
	tour := standingsOnly(2, 1)
	tour.Completeness = model.MatchComplete
	_, _, err := New(Options{}).Reconstruct(tour, []model.Deck{deck("A", 1, 1, 0, 0), deck("B", 2, 0, 1, 0)})
	assert.ErrorIs(t, err, ErrMatchLogPresent)
}

func TestReconstruct_Deterministic(t *testing.T) {
	decks := []model.Deck{
		deck("A", 1, 3, 0, 0),
		deck("B", 2, 2, 1, 0),
		deck("C", 3, 1, 2, 0),
		deck("D", 4, 0, 3, 0),
	}
	reversed := make([]model.Deck, len(decks))
	for i, d := range decks {
		reversed[len(decks)-1-i] = d
	}

	r := New(Options{})
	first, _, err := r.Reconstruct(standingsOnly(4, 3), decks)
	require.NoError(t, err)
	second, _, err := r.Reconstruct(standingsOnly(4, 3), reversed)
	require.NoError(t, err)
	assert.Equal(t, first, second, "input order must not change the reconstruction")
}

// simulate plays a random Swiss event and returns its final standings, or
// nil if the simple pairing rule hit a forced repeat.
func simulate(rng *rand.Rand, n, rounds int) []model.Deck {
	type sim struct {
		name   string
		rec    model.Record
		hadBye bool
	}
	players := make([]*sim, n)
	for i := range players {
		players[i] = &sim{name: fmt.Sprintf("p%02d", i)}
	}
	met := make(map[[2]int]bool)

	for r := 0; r < rounds; r++ {
		idx := rng.Perm(n)
		sort.SliceStable(idx, func(i, j int) bool {
			return players[idx[i]].rec.Points() > players[idx[j]].rec.Points()
		})

		if n%2 == 1 {
			for k := len(idx) - 1; k >= 0; k-- {
				p := players[idx[k]]
				if p.hadBye {
					continue
				}
				p.hadBye = true
				p.rec.Wins++
				idx = append(append([]int{}, idx[:k]...), idx[k+1:]...)
				break
			}
		}

		for len(idx) > 0 {
			a := idx[0]
			k := 1
			for k < len(idx) && met[pairKey(a, idx[k])] {
				k++
			}
			if k == len(idx) {
				return nil
			}
			b := idx[k]
			met[pairKey(a, b)] = true
			rest := make([]int, 0, len(idx)-2)
			rest = append(rest, idx[1:k]...)
			idx = append(rest, idx[k+1:]...)

			pa, pb := players[a], players[b]
			switch x := rng.Intn(10); {
			case x == 0:
				pa.rec.Draws++
				pb.rec.Draws++
			case x < 5:
				pa.rec.Wins++
				pb.rec.Losses++
			default:
				pb.rec.Wins++
				pa.rec.Losses++
			}
		}
	}

	sort.Slice(players, func(i, j int) bool {
		if pi, pj := players[i].rec.Points(), players[j].rec.Points(); pi != pj {
			return pi > pj
		}
		return players[i].name < players[j].name
	})
	decks := make([]model.Deck, n)
	for i, p := range players {
		decks[i] = model.Deck{TournamentID: "mtgo/t1", Player: p.name, FinalRank: i + 1, Record: p.rec}
	}
	return decks
}

func TestReconstruct_SimulatedEvents(t *testing.T) {
	tests := []struct {
		players int
		rounds  int
		events  int
	}{
		{players: 8, rounds: 3, events: 5},
		{players: 9, rounds: 3, events: 5},
		{players: 32, rounds: 5, events: 3},
		{players: 33, rounds: 6, events: 2},
		{players: 64, rounds: 6, events: 2},
		{players: 128, rounds: 7, events: 2},
	}

	r := New(DefaultOptions())
	for _, tt := range tests {
		rng := rand.New(rand.NewSource(int64(tt.players)))
		played := 0
		for attempt := 0; played < tt.events && attempt < 100; attempt++ {
			decks := simulate(rng, tt.players, tt.rounds)
			if decks == nil {
				continue
			}
			played++

			t.Run(fmt.Sprintf("n%d_r%d_event%d", tt.players, tt.rounds, played), func(t *testing.T) {
				matches, q, err := r.Reconstruct(standingsOnly(tt.players, tt.rounds), decks)
				require.NoError(t, err)
				require.NoError(t, VerifyConservation("mtgo/t1", decks, matches))
				assertOncePerRound(t, matches)
				assert.Equal(t, countRepeats(matches), q.Repeated)
				if !q.Fallback {
					assert.Zero(t, q.Repeated)
				}

				for _, m := range matches {
					assert.Equal(t, model.OriginReconstructed, m.Origin)
					assert.Greater(t, m.Confidence, 0.0)
					assert.LessOrEqual(t, m.Confidence, 1.0/float64(tt.rounds))
				}
				assert.Greater(t, q.Score, 0.0)
				assert.LessOrEqual(t, q.Score, 1.0)
				assert.Equal(t, tt.rounds, q.Rounds)
				if tt.players%2 == 1 {
					assert.Equal(t, tt.rounds, q.Byes, "one bye per round with an odd field")
				}
			})
		}
		require.Equal(t, tt.events, played, "simulation produced too few events for %d players", tt.players)
	}
}

func TestVerifyConservation(t *testing.T) {
	decks := []model.Deck{deck("A", 1, 1, 0, 1), deck("B", 2, 0, 1, 1)}
	ok := []model.Match{
		{Round: 1, PlayerA: "A", PlayerB: "B", Winner: "A"},
		{Round: 2, PlayerA: "A", PlayerB: "B", Winner: model.WinnerDraw},
	}
	assert.NoError(t, VerifyConservation("x", decks, ok))

	bad := []model.Match{
		{Round: 1, PlayerA: "A", PlayerB: "B", Winner: "B"},
		{Round: 2, PlayerA: "A", PlayerB: "B", Winner: model.WinnerDraw},
	}
	var rie *ReconstructionInconsistentError
	require.True(t, errors.As(VerifyConservation("x", decks, bad), &rie))
	assert.Equal(t, "A", rie.Player)
	assert.Equal(t, model.Record{Losses: 1, Draws: 1}, rie.Got)

	stranger := []model.Match{{Round: 1, PlayerA: "Z", Winner: model.WinnerBye}}
	assert.Error(t, VerifyConservation("x", decks, stranger))
}

func assertNoRepeats(t *testing.T, matches []model.Match) {
	t.Helper()
	seen := make(map[[2]string]bool)
	for _, m := range matches {
		if m.IsBye() {
			continue
		}
		k := [2]string{m.PlayerA, m.PlayerB}
		if k[0] > k[1] {
			k[0], k[1] = k[1], k[0]
		}
		assert.False(t, seen[k], "repeat pairing %v", k)
		seen[k] = true
	}
}

func countRepeats(matches []model.Match) int {
	seen := make(map[[2]string]bool)
	repeats := 0
	for _, m := range matches {
		if m.IsBye() {
			continue
		}
		k := [2]string{m.PlayerA, m.PlayerB}
		if k[0] > k[1] {
			k[0], k[1] = k[1], k[0]
		}
		if seen[k] {
			repeats++
		}
		seen[k] = true
	}
	return repeats
}

func assertOncePerRound(t *testing.T, matches []model.Match) {
	t.Helper()
	seen := make(map[string]bool)
	for _, m := range matches {
		for _, p := range []string{m.PlayerA, m.PlayerB} {
			if p == "" {
				continue
			}
			k := fmt.Sprintf("%d/%s", m.Round, p)
			assert.False(t, seen[k], "%s plays twice in round %d", p, m.Round)
			seen[k] = true
		}
	}
}
