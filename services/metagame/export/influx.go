// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export writes matchup snapshots to InfluxDB so win rates and
// tiers can be charted over time.
//
// Each snapshot becomes three measurements stamped with its GeneratedAt:
//
//   - matchup: one point per non-mirror cell with data, tagged archetype
//     and opponent.
//   - tier: one point per tiered archetype.
//   - share: one point per archetype with its deck count and field share.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/gosimple/slug"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
)

const (
	MeasurementMatchup = "matchup"
	MeasurementTier    = "tier"
	MeasurementShare   = "share"
)

// ErrNotReady is returned by New when InfluxDB never reports healthy.
var ErrNotReady = errors.New("influxdb not ready")

var pointsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "metagame_export_points_total",
	Help: "Points written to InfluxDB by measurement",
}, []string{"measurement"})

// Config locates the InfluxDB bucket. An empty URL disables export.
type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" validate:"required_with=URL"`

	// HealthAttempts is how many health checks New makes. Default: 10
	HealthAttempts int `yaml:"health_attempts"`

	// HealthInterval separates health checks. Default: 3s
	HealthInterval time.Duration `yaml:"health_interval"`
}

// Enabled reports whether export is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// PointWriter is the part of api.WriteAPIBlocking the exporter uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Exporter writes snapshots as points.
//
// Thread Safety: Safe for concurrent use if the PointWriter is.
type Exporter struct {
	writer PointWriter
	client influxdb2.Client
	logger *slog.Logger
}

// New connects to InfluxDB and waits until it reports healthy.
//
// Inputs:
//
//	ctx - Bounds the health wait.
//	cfg - Connection settings. cfg.Enabled() must be true.
//	logger - Logger. Nil uses slog.Default().
//
// Outputs:
//
//	*Exporter - Writes to cfg.Org/cfg.Bucket. Call Close when done.
//	error - ErrNotReady, or ctx.Err() if ctx ends first.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthAttempts <= 0 {
		cfg.HealthAttempts = 10
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 3 * time.Second
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	logger = logger.With("component", "export", "influx_url", cfg.URL, "bucket", cfg.Bucket)

	for i := 0; i < cfg.HealthAttempts; i++ {
		health, err := client.Health(ctx)
		if err == nil && health.Status == "pass" {
			logger.Info("connected to InfluxDB")
			return &Exporter{
				writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
				client: client,
				logger: logger,
			}, nil
		}

		var errMsg string
		if err != nil {
			errMsg = err.Error()
		} else if health != nil && health.Message != nil {
			errMsg = *health.Message
		}
		logger.Warn("InfluxDB not ready, retrying", "attempt", i+1, "error", errMsg)

		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.HealthInterval):
		}
	}
	client.Close()
	return nil, fmt.Errorf("%w after %d attempts at %s", ErrNotReady, cfg.HealthAttempts, cfg.URL)
}

// NewWithWriter wraps an existing writer. Close is a no-op.
func NewWithWriter(w PointWriter, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{writer: w, logger: logger.With("component", "export")}
}

// Export writes one snapshot and returns the number of points written.
func (e *Exporter) Export(ctx context.Context, snap *matchup.Snapshot) (int, error) {
	if snap == nil {
		return 0, nil
	}
	points := Points(snap)
	if len(points) == 0 {
		return 0, nil
	}
	if err := e.writer.WritePoint(ctx, points...); err != nil {
		return 0, fmt.Errorf("write %d points: %w", len(points), err)
	}
	for _, p := range points {
		pointsWritten.WithLabelValues(p.Name()).Inc()
	}
	e.logger.Info("snapshot exported", "points", len(points), "generated_at", snap.GeneratedAt)
	return len(points), nil
}

// Close releases the InfluxDB client.
func (e *Exporter) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

// Points converts a snapshot to InfluxDB points. Mirror cells and cells
// without data are skipped.
func Points(snap *matchup.Snapshot) []*write.Point {
	ts := snap.GeneratedAt
	var points []*write.Point

	for _, c := range snap.Cells {
		if c.Mirror || c.SampleSize == 0 {
			continue
		}
		fields := map[string]interface{}{
			"wins":        c.Wins,
			"losses":      c.Losses,
			"draws":       c.Draws,
			"inferred":    c.Inferred,
			"sample_size": c.SampleSize,
		}
		putRate(fields, "win_rate", c.WinRate)
		putRate(fields, "ci_lower", c.CILower)
		putRate(fields, "ci_upper", c.CIUpper)
		points = append(points, influxdb2.NewPoint(MeasurementMatchup, map[string]string{
			"archetype":      c.Archetype,
			"archetype_slug": slug.Make(c.Archetype),
			"opponent":       c.Opponent,
			"opponent_slug":  slug.Make(c.Opponent),
		}, fields, ts))
	}

	for _, t := range snap.Tiers {
		fields := map[string]interface{}{
			"tier":        t.Tier,
			"rank":        t.Rank,
			"sample_size": t.SampleSize,
			"win_rate":    t.WinRate,
			"ci_lower":    t.CILower,
			"ci_upper":    t.CIUpper,
		}
		points = append(points, influxdb2.NewPoint(MeasurementTier, map[string]string{
			"archetype":      t.Archetype,
			"archetype_slug": slug.Make(t.Archetype),
		}, fields, ts))
	}

	for _, s := range snap.Shares {
		points = append(points, influxdb2.NewPoint(MeasurementShare, map[string]string{
			"archetype":      s.Archetype,
			"archetype_slug": slug.Make(s.Archetype),
		}, map[string]interface{}{
			"decks":    s.Decks,
			"fraction": s.Fraction,
		}, ts))
	}

	return points
}

func putRate(fields map[string]interface{}, key string, v *float64) {
	if v != nil {
		fields[key] = *v
	}
}
