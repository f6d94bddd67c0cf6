// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matchup folds observed and reconstructed matches into an
// archetype-vs-archetype win-rate matrix with Wilson intervals and tiers.
//
// The aggregator keeps one Tally per tournament so any tournament's
// contribution can be replaced or removed. Snapshots are cached until the
// next change, and concurrent rebuilds are coalesced.
package matchup

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

var (
	tournamentsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metagame_matchup_tournaments",
		Help: "Tournaments contributing to the matchup matrix",
	})

	snapshotBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metagame_matchup_snapshot_builds_total",
		Help: "Matchup snapshots materialized",
	})
)

// Config tunes interval and tier computation.
type Config struct {
	// Z is the normal quantile for Wilson intervals. Default: 1.96
	Z float64 `yaml:"z"`

	// TierCuts are ascending rank fractions in (0,1) where a new tier
	// starts. Default: [0.25, 0.5, 0.75]
	TierCuts []float64 `yaml:"tier_cuts"`

	// MinTierSample excludes archetypes with fewer field games from tiers.
	MinTierSample int `yaml:"min_tier_sample"`

	// Now is the clock used for GeneratedAt. Default: time.Now
	Now func() time.Time `yaml:"-"`
}

// DefaultConfig returns the default aggregation settings.
func DefaultConfig() Config {
	return Config{
		Z:        DefaultZ,
		TierCuts: []float64{0.25, 0.5, 0.75},
		Now:      time.Now,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Z <= 0 {
		return fmt.Errorf("z must be positive, got %v", c.Z)
	}
	if c.MinTierSample < 0 {
		return errors.New("min_tier_sample must not be negative")
	}
	prev := 0.0
	for _, cut := range c.TierCuts {
		if cut <= prev || cut >= 1 {
			return fmt.Errorf("tier cuts must be ascending in (0,1), got %v", c.TierCuts)
		}
		prev = cut
	}
	return nil
}

// Aggregator holds per-tournament tallies and serves snapshots.
//
// Thread Safety: all methods are safe for concurrent use.
type Aggregator struct {
	cfg Config

	mu      sync.Mutex
	tallies map[string]Tally
	version uint64

	cached        *Snapshot
	cachedVersion uint64

	group singleflight.Group
}

// New creates an Aggregator. Zero config fields take defaults.
func New(cfg Config) (*Aggregator, error) {
	def := DefaultConfig()
	if cfg.Z == 0 {
		cfg.Z = def.Z
	}
	if cfg.TierCuts == nil {
		cfg.TierCuts = def.TierCuts
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matchup config: %w", err)
	}
	return &Aggregator{cfg: cfg, tallies: make(map[string]Tally)}, nil
}

// Accumulate sets a tournament's contribution, replacing any earlier one,
// so accumulating the same tournament twice counts it once.
func (a *Aggregator) Accumulate(tournamentID string, decks []model.Deck, matches []model.Match) {
	a.AccumulateTally(tournamentID, NewTally(decks, matches))
}

// AccumulateTally sets a tournament's contribution from a prebuilt tally.
func (a *Aggregator) AccumulateTally(tournamentID string, t Tally) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tallies[tournamentID] = t
	a.version++
	tournamentsGauge.Set(float64(len(a.tallies)))
}

// Remove drops a tournament's contribution. It reports whether one existed.
func (a *Aggregator) Remove(tournamentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tallies[tournamentID]; !ok {
		return false
	}
	delete(a.tallies, tournamentID)
	a.version++
	tournamentsGauge.Set(float64(len(a.tallies)))
	return true
}

// Reset drops every contribution.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tallies = make(map[string]Tally)
	a.version++
	tournamentsGauge.Set(0)
}

// Tournaments returns the number of contributing tournaments.
func (a *Aggregator) Tournaments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tallies)
}

// Snapshot returns the current matrix. Unchanged aggregators return the
// cached snapshot. The result reflects every change made before the call.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.Lock()
	if a.cached != nil && a.cachedVersion == a.version {
		s := a.cached
		a.mu.Unlock()
		return s
	}
	seen := a.version
	a.mu.Unlock()

	for {
		v, _, _ := a.group.Do("snapshot", a.rebuild)
		if b := v.(built); b.version >= seen {
			return b.snap
		}
		// Joined a build that started before our change; build again.
	}
}

type built struct {
	snap    *Snapshot
	version uint64
}

func (a *Aggregator) rebuild() (any, error) {
	a.mu.Lock()
	version := a.version
	var total Tally
	for _, t := range a.tallies {
		total.Merge(t)
	}
	n := len(a.tallies)
	a.mu.Unlock()

	snap := build(total, n, a.cfg, a.cfg.Now())
	snapshotBuilds.Inc()

	a.mu.Lock()
	if a.cached == nil || version >= a.cachedVersion {
		a.cached = snap
		a.cachedVersion = version
	}
	a.mu.Unlock()
	return built{snap: snap, version: version}, nil
}
