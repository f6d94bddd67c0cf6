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
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

var fixedNow = time.Date(2025, 4, 14, 12, 0, 0, 0, time.UTC)

func newAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	cfg.Now = func() time.Time { return fixedNow }
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func win(round int, a, b string) model.Match {
	return model.Match{Round: round, PlayerA: a, PlayerB: b, Winner: a, Origin: model.OriginObserved, Confidence: 1}
}

func draw(round int, a, b string) model.Match {
	return model.Match{Round: round, PlayerA: a, PlayerB: b, Winner: model.WinnerDraw, Origin: model.OriginObserved, Confidence: 1}
}

// ladder builds a field where each archetype beats every archetype after it.
func ladder(reps int) ([]model.Deck, []model.Match) {
	names := []string{"W", "X", "Y", "Z"}
	decks := make([]model.Deck, 0, len(names))
	for i, n := range names {
		decks = append(decks, model.Deck{Player: "p" + n, Archetype: n, FinalRank: i + 1})
	}
	var matches []model.Match
	for r := 0; r < reps; r++ {
		for i := range names {
			for j := i + 1; j < len(names); j++ {
				matches = append(matches, win(r+1, "p"+names[i], "p"+names[j]))
			}
		}
	}
	return decks, matches
}

func TestTally_SymmetricCells(t *testing.T) {
	decks := []model.Deck{
		{Player: "a", Archetype: "Burn"},
		{Player: "b", Archetype: "Tron"},
		{Player: "c", Archetype: "Burn"},
	}
	matches := []model.Match{
		win(1, "a", "b"),
		win(2, "b", "c"),
		draw(3, "a", "b"),
		win(4, "a", "c"),
		{Round: 5, PlayerA: "b", Winner: model.WinnerBye},
	}
	tally := NewTally(decks, matches)

	burnTron := tally.Get("Burn", "Tron")
	tronBurn := tally.Get("Tron", "Burn")
	assert.Equal(t, Counts{Wins: 1, Losses: 1, Draws: 1, Games: 3}, burnTron)
	assert.Equal(t, burnTron.Wins, tronBurn.Losses)
	assert.Equal(t, burnTron.Losses, tronBurn.Wins)
	assert.Equal(t, burnTron.Draws, tronBurn.Draws)

	assert.Equal(t, Counts{Wins: 1, Losses: 1, Games: 1}, tally.Get("Burn", "Burn"), "a decisive mirror is one game with a winner and a loser")
	assert.Equal(t, 0, tally.Skipped, "byes are not skipped matches")
	assert.Equal(t, 2, tally.Decks("Burn"))
}

func TestTally_MirrorCountsOnce(t *testing.T) {
	decks := []model.Deck{{Player: "a", Archetype: "Burn"}, {Player: "b", Archetype: "Burn"}}

	t.Run("decisive", func(t *testing.T) {
		m := win(1, "a", "b")
		m.Origin = model.OriginReconstructed
		c := NewTally(decks, []model.Match{m}).Get("Burn", "Burn")
		assert.Equal(t, 1, c.Sample())
		assert.Equal(t, 1, c.Inferred)
		assert.Equal(t, c.Wins, c.Losses)
	})

	t.Run("draw", func(t *testing.T) {
		c := NewTally(decks, []model.Match{draw(1, "a", "b")}).Get("Burn", "Burn")
		assert.Equal(t, Counts{Draws: 1, Games: 1}, c)
	})

	t.Run("snapshot", func(t *testing.T) {
		a := newAggregator(t, Config{})
		a.Accumulate("mtgo/1", decks, []model.Match{win(1, "a", "b")})
		cell, ok := a.Snapshot().Cell("Burn", "Burn")
		require.True(t, ok)
		assert.Equal(t, 1, cell.SampleSize)
		require.NotNil(t, cell.WinRate)
		assert.Equal(t, 0.5, *cell.WinRate)
	})
}

func TestTally_SkipsUnknownPlayers(t *testing.T) {
	tally := NewTally([]model.Deck{{Player: "a", Archetype: "Burn"}}, []model.Match{win(1, "a", "ghost")})
	assert.Equal(t, 1, tally.Skipped)
	assert.Zero(t, tally.Len())
}

func TestTally_MergeIsOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	archetypes := []string{"Burn", "Tron", "Rhinos", ""}

	var parts []Tally
	for i := 0; i < 6; i++ {
		decks := make([]model.Deck, 8)
		for p := range decks {
			decks[p] = model.Deck{Player: fmt.Sprintf("p%d", p), Archetype: archetypes[rng.Intn(len(archetypes))]}
		}
		var matches []model.Match
		for r := 1; r <= 3; r++ {
			perm := rng.Perm(8)
			for k := 0; k < 8; k += 2 {
				a, b := fmt.Sprintf("p%d", perm[k]), fmt.Sprintf("p%d", perm[k+1])
				if rng.Intn(6) == 0 {
					matches = append(matches, draw(r, a, b))
				} else {
					matches = append(matches, win(r, a, b))
				}
			}
		}
		parts = append(parts, NewTally(decks, matches))
	}

	var forward, backward Tally
	for i := range parts {
		forward.Merge(parts[i])
		backward.Merge(parts[len(parts)-1-i])
	}

	var nested Tally
	left, right := Tally{}, Tally{}
	for i, p := range parts {
		if i%2 == 0 {
			left.Merge(p)
		} else {
			right.Merge(p)
		}
	}
	nested.Merge(right)
	nested.Merge(left)

	opt := cmp.AllowUnexported(Tally{})
	assert.Empty(t, cmp.Diff(forward, backward, opt))
	assert.Empty(t, cmp.Diff(forward, nested, opt))

	labels := []string{"Burn", "Tron", "Rhinos", model.UnclassifiedArchetype}
	for _, a := range labels {
		for _, b := range labels {
			ab, ba := forward.Get(a, b), forward.Get(b, a)
			assert.Equal(t, ab.Wins, ba.Losses, "%s vs %s", a, b)
			assert.Equal(t, ab.Draws, ba.Draws, "%s vs %s", a, b)
		}
	}
}

func TestSnapshot_FullMatrixWithNilForEmptyCells(t *testing.T) {
	a := newAggregator(t, Config{})
	decks := []model.Deck{
		{Player: "a", Archetype: "Burn"},
		{Player: "b", Archetype: "Tron"},
		{Player: "c", Archetype: "Rhinos"},
	}
	a.Accumulate("mtgo/1", decks, []model.Match{win(1, "a", "b")})

	snap := a.Snapshot()
	assert.Equal(t, []string{"Burn", "Rhinos", "Tron"}, snap.Archetypes)
	assert.Len(t, snap.Cells, 9)
	assert.Equal(t, fixedNow, snap.GeneratedAt)
	assert.Equal(t, 1, snap.Tournaments)

	empty, ok := snap.Cell("Burn", "Rhinos")
	require.True(t, ok)
	assert.Zero(t, empty.SampleSize)
	assert.Nil(t, empty.WinRate, "no data is not 0%")
	assert.Nil(t, empty.CILower)

	bt, ok := snap.Cell("Burn", "Tron")
	require.True(t, ok)
	require.NotNil(t, bt.WinRate)
	assert.Equal(t, 1.0, *bt.WinRate)
	assert.Len(t, snap.Row("Tron"), 3)

	_, ok = snap.Cell("Burn", "Elves")
	assert.False(t, ok)
}

func TestSnapshot_MirrorReportsHalf(t *testing.T) {
	a := newAggregator(t, Config{})
	decks := []model.Deck{{Player: "a", Archetype: "Burn"}, {Player: "b", Archetype: "Burn"}}
	a.Accumulate("mtgo/1", decks, []model.Match{win(1, "a", "b"), win(2, "a", "b"), win(3, "a", "b")})

	cell, ok := a.Snapshot().Cell("Burn", "Burn")
	require.True(t, ok)
	assert.True(t, cell.Mirror)
	require.NotNil(t, cell.WinRate)
	assert.Equal(t, 0.5, *cell.WinRate)
	assert.Equal(t, cell.Wins, cell.Losses)
	assert.Empty(t, a.Snapshot().Tiers, "mirrors do not count against the field")
}

func TestSnapshot_Tiers(t *testing.T) {
	a := newAggregator(t, Config{MinTierSample: 5})
	decks, matches := ladder(10)
	decks = append(decks, model.Deck{Player: "u", Archetype: ""})
	matches = append(matches, win(11, "pW", "u"), win(12, "pW", "u"))
	a.Accumulate("melee/1", decks, matches)

	snap := a.Snapshot()
	require.Len(t, snap.Tiers, 4)
	got := make([]string, 0, 4)
	for i, e := range snap.Tiers {
		got = append(got, e.Archetype)
		assert.Equal(t, i+1, e.Rank)
		assert.Equal(t, i+1, e.Tier, "four archetypes spread over four quartile tiers")
	}
	assert.Equal(t, []string{"W", "X", "Y", "Z"}, got)

	w, ok := snap.Tier("W")
	require.True(t, ok)
	assert.Equal(t, 32, w.Wins, "unclassified opponents still count in raw tallies")

	_, ok = snap.Tier(model.UnclassifiedArchetype)
	assert.False(t, ok)
	assert.Contains(t, snap.Archetypes, model.UnclassifiedArchetype)
}

func TestSnapshot_MinTierSampleAndCuts(t *testing.T) {
	a := newAggregator(t, Config{MinTierSample: 31, TierCuts: []float64{0.5}})
	decks, matches := ladder(10)
	decks = append(decks, model.Deck{Player: "u", Archetype: "V"})
	matches = append(matches, win(11, "pW", "u"))
	a.Accumulate("melee/1", decks, matches)

	snap := a.Snapshot()
	require.Len(t, snap.Tiers, 1, "only W reaches 31 field games")
	assert.Equal(t, "W", snap.Tiers[0].Archetype)
	assert.Equal(t, 1, snap.Tiers[0].Tier)
}

func TestAggregator_ReplaceAndRemove(t *testing.T) {
	a := newAggregator(t, Config{})
	decks := []model.Deck{{Player: "a", Archetype: "Burn"}, {Player: "b", Archetype: "Tron"}}

	a.Accumulate("mtgo/1", decks, []model.Match{win(1, "a", "b")})
	a.Accumulate("mtgo/1", decks, []model.Match{win(1, "a", "b")})
	cell, _ := a.Snapshot().Cell("Burn", "Tron")
	assert.Equal(t, 1, cell.Wins, "re-accumulating a tournament replaces it")

	a.Accumulate("mtgo/2", decks, []model.Match{win(1, "b", "a")})
	cell, _ = a.Snapshot().Cell("Burn", "Tron")
	assert.Equal(t, 1, cell.Losses)

	assert.True(t, a.Remove("mtgo/1"))
	assert.False(t, a.Remove("mtgo/1"))
	cell, _ = a.Snapshot().Cell("Burn", "Tron")
	assert.Equal(t, 0, cell.Wins)
	assert.Equal(t, 1, cell.Losses)
	assert.Equal(t, 1, a.Tournaments())

	a.Reset()
	assert.Empty(t, a.Snapshot().Cells)
}

func TestAggregator_SnapshotCaching(t *testing.T) {
	a := newAggregator(t, Config{})
	decks, matches := ladder(1)
	a.Accumulate("melee/1", decks, matches)

	first := a.Snapshot()
	assert.Same(t, first, a.Snapshot())

	a.Remove("melee/1")
	second := a.Snapshot()
	assert.NotSame(t, first, second)
	assert.Empty(t, second.Archetypes)
}

func TestAggregator_SnapshotAfterChangeDuringBuild(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	a, err := New(Config{Now: func() time.Time {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return fixedNow
	}})
	require.NoError(t, err)

	decks, matches := ladder(1)
	a.Accumulate("melee/1", decks, matches)

	first := make(chan *Snapshot, 1)
	go func() { first <- a.Snapshot() }()
	<-started

	a.Accumulate("melee/2", decks, matches)
	second := make(chan *Snapshot, 1)
	go func() { second <- a.Snapshot() }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.Equal(t, 1, (<-first).Tournaments, "the first build started before the change")
	assert.Equal(t, 2, (<-second).Tournaments, "a caller after the change must see it")
	assert.Equal(t, 2, a.Snapshot().Tournaments)
}

func TestAggregator_ConcurrentUse(t *testing.T) {
	a := newAggregator(t, Config{})
	decks, matches := ladder(2)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			a.Accumulate(fmt.Sprintf("melee/%d", i), decks, matches)
		}(i)
		go func() {
			defer wg.Done()
			_ = a.Snapshot()
		}()
	}
	wg.Wait()

	snap := a.Snapshot()
	assert.Equal(t, 16, snap.Tournaments)
	wx, _ := snap.Cell("W", "X")
	assert.Equal(t, 32, wx.Wins)
}

func TestSnapshot_InferredAndShares(t *testing.T) {
	a := newAggregator(t, Config{})
	decks := []model.Deck{
		{Player: "a", Archetype: "Burn"},
		{Player: "b", Archetype: "Tron"},
		{Player: "c", Archetype: "Tron"},
		{Player: "d", Archetype: "Tron"},
	}
	m := win(1, "a", "b")
	m.Origin = model.OriginReconstructed
	m.Confidence = 0.25
	a.Accumulate("mtgo/1", decks, []model.Match{m})

	snap := a.Snapshot()
	cell, _ := snap.Cell("Tron", "Burn")
	assert.Equal(t, 1, cell.Inferred)

	want := []Share{{Archetype: "Tron", Decks: 3, Fraction: 0.75}, {Archetype: "Burn", Decks: 1, Fraction: 0.25}}
	assert.Empty(t, cmp.Diff(want, snap.Shares, cmpopts.EquateApprox(0, 1e-9)))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{TierCuts: []float64{0.5, 0.25}})
	assert.Error(t, err)
	_, err = New(Config{Z: -1})
	assert.Error(t, err)
	_, err = New(Config{MinTierSample: -1})
	assert.Error(t, err)
}
