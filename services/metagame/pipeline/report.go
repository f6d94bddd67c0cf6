// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"sort"
	"sync"
	"time"
)

// Stage is the furthest step a tournament reached.
type Stage string

const (
	StageList        Stage = "list"
	StageFetch       Stage = "fetch"
	StageNormalize   Stage = "normalize"
	StageStore       Stage = "store"
	StageReconstruct Stage = "reconstruct"
	StageAggregate   Stage = "aggregate"
)

// Status is how that step ended.
type Status string

const (
	// StatusStored means new or changed data now counts.
	StatusStored Status = "stored"

	// StatusUnchanged means the payload matched the cached hash.
	StatusUnchanged Status = "unchanged"

	// StatusDuplicate means the event was already ingested from another
	// source; it is kept but not aggregated.
	StatusDuplicate Status = "duplicate"

	// StatusSkipped means the payload was valid but filtered out.
	StatusSkipped Status = "skipped"

	StatusFailed Status = "failed"
)

// Outcome is the result of processing one tournament, or of listing one
// source when Stage is StageList.
type Outcome struct {
	Source string `json:"source"`

	// SourceID is the id the source listed.
	SourceID string `json:"source_id,omitempty"`

	// TournamentID is the store identity, known after normalization.
	TournamentID string `json:"tournament_id,omitempty"`

	Stage  Stage  `json:"stage"`
	Status Status `json:"status"`

	// Quality is the reconstruction quality for standings-only events.
	Quality *float64 `json:"quality,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

func (o Outcome) with(stage Stage, status Status, err error) Outcome {
	o.Stage = stage
	o.Status = status
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Report collects the outcomes of one run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Aborted is set when the run stopped early on a corrupt store.
	Aborted bool `json:"aborted"`

	Outcomes []Outcome `json:"outcomes"`

	mu sync.Mutex
}

func (r *Report) add(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes = append(r.Outcomes, o)
}

// finish sorts outcomes by source then source id so reports are stable
// regardless of worker scheduling.
func (r *Report) finish(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = now
	sort.SliceStable(r.Outcomes, func(i, j int) bool {
		a, b := r.Outcomes[i], r.Outcomes[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.SourceID < b.SourceID
	})
}

// Count returns how many outcomes ended with status.
func (r *Report) Count(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Failures returns the failed outcomes.
func (r *Report) Failures() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Duration is FinishedAt minus StartedAt.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
