// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gosimple/slug"

	"github.com/AleutianAI/AleutianMetagame/pkg/validation"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/pipeline"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/store"
)

type healthResponse struct {
	Status      string                  `json:"status"`
	Tournaments int                     `json:"tournaments"`
	Sources     []pipeline.SourceHealth `json:"sources"`
	LastRun     *runSummary             `json:"last_run,omitempty"`
}

type runSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Aborted    bool      `json:"aborted"`
	Stored     int       `json:"stored"`
	Unchanged  int       `json:"unchanged"`
	Duplicates int       `json:"duplicates"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
}

func summarize(r *pipeline.Report) *runSummary {
	if r == nil {
		return nil
	}
	return &runSummary{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Aborted:    r.Aborted,
		Stored:     r.Count(pipeline.StatusStored),
		Unchanged:  r.Count(pipeline.StatusUnchanged),
		Duplicates: r.Count(pipeline.StatusDuplicate),
		Skipped:    r.Count(pipeline.StatusSkipped),
		Failed:     r.Count(pipeline.StatusFailed),
	}
}

// HealthCheck reports "degraded" while any source's breaker is open.
func HealthCheck(p *pipeline.Pipeline, agg *matchup.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := healthResponse{
			Status:      "ok",
			Tournaments: agg.Tournaments(),
			Sources:     p.Health(),
			LastRun:     summarize(p.LastReport()),
		}
		for _, h := range resp.Sources {
			if h.Breaker == "open" {
				resp.Status = "degraded"
				break
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetMatrix returns the full snapshot. With ?min_sample=N, cells with a
// smaller sample are omitted.
func GetMatrix(agg *matchup.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := agg.Snapshot()
		raw := c.Query("min_sample")
		if raw == "" {
			c.JSON(http.StatusOK, snap)
			return
		}
		minSample, err := strconv.Atoi(raw)
		if err != nil || minSample < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_sample must be a non-negative integer"})
			return
		}
		filtered := *snap
		filtered.Cells = make([]matchup.Cell, 0, len(snap.Cells))
		for _, cell := range snap.Cells {
			if cell.SampleSize >= minSample {
				filtered.Cells = append(filtered.Cells, cell)
			}
		}
		c.JSON(http.StatusOK, &filtered)
	}
}

// resolveArchetype matches a path parameter against the snapshot's
// archetypes by exact name, then by slug.
func resolveArchetype(snap *matchup.Snapshot, param string) (string, bool) {
	for _, a := range snap.Archetypes {
		if a == param {
			return a, true
		}
	}
	want := slug.Make(param)
	for _, a := range snap.Archetypes {
		if slug.Make(a) == want {
			return a, true
		}
	}
	return "", false
}

type archetypeResponse struct {
	Archetype string             `json:"archetype"`
	Tier      *matchup.TierEntry `json:"tier,omitempty"`
	Share     *matchup.Share     `json:"share,omitempty"`
	Matchups  []matchup.Cell     `json:"matchups"`
}

// GetArchetype returns one archetype's row with its tier and share.
func GetArchetype(agg *matchup.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := agg.Snapshot()
		name, ok := resolveArchetype(snap, c.Param("archetype"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown archetype"})
			return
		}
		resp := archetypeResponse{Archetype: name, Matchups: snap.Row(name)}
		if tier, ok := snap.Tier(name); ok {
			resp.Tier = &tier
		}
		for i := range snap.Shares {
			if snap.Shares[i].Archetype == name {
				share := snap.Shares[i]
				resp.Share = &share
				break
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetCell returns a single directed matchup.
func GetCell(agg *matchup.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := agg.Snapshot()
		a, okA := resolveArchetype(snap, c.Param("archetype"))
		b, okB := resolveArchetype(snap, c.Param("opponent"))
		if !okA || !okB {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown archetype"})
			return
		}
		cell, _ := snap.Cell(a, b)
		c.JSON(http.StatusOK, cell)
	}
}

// GetTiers returns tier assignments and metagame shares.
func GetTiers(agg *matchup.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := agg.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"generated_at": snap.GeneratedAt,
			"tournaments":  snap.Tournaments,
			"tiers":        snap.Tiers,
			"shares":       snap.Shares,
		})
	}
}

// TriggerIngest runs ingestion synchronously and returns its report.
func TriggerIngest(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := s.RunOnce(c.Request.Context())
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			slog.Error("ingestion run failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		default:
			c.JSON(http.StatusOK, report)
		}
	}
}

// GetLastRun returns the most recent report.
func GetLastRun(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := p.LastReport()
		if report == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no run has finished yet"})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// InvalidateTournament drops one tournament from the cache and the
// aggregate.
func InvalidateTournament(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := validation.ValidateIDs([]string{c.Param("source"), c.Param("id")}); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := model.TournamentID(c.Param("source"), c.Param("id"))
		err := p.Invalidate(c.Request.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "tournament not found", "tournament_id": id})
		case err != nil:
			slog.Error("invalidate failed", "tournament", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.Status(http.StatusNoContent)
		}
	}
}
