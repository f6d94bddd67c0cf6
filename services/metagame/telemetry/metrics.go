// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments of the ingestion pipeline and the
// HTTP API. All names use the "metagame_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Pipeline ---

	// RunsTotal counts pipeline runs by status.
	RunsTotal metric.Int64Counter

	// RunDuration records pipeline run duration in seconds.
	RunDuration metric.Float64Histogram

	// TournamentsTotal counts processed tournaments by source, stage and status.
	TournamentsTotal metric.Int64Counter

	// ReconstructionQuality records the quality score of each reconstruction.
	ReconstructionQuality metric.Float64Histogram

	// --- HTTP ---

	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records API request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks in-flight API requests.
	HTTPActiveRequests metric.Int64UpDownCounter
}

// NewMetrics registers every instrument with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsTotal, err = meter.Int64Counter(
		"metagame_runs_total",
		metric.WithDescription("Pipeline runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs_total: %w", err)
	}

	m.RunDuration, err = meter.Float64Histogram(
		"metagame_run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create run_duration: %w", err)
	}

	m.TournamentsTotal, err = meter.Int64Counter(
		"metagame_tournaments_total",
		metric.WithDescription("Tournaments processed by source, stage and status"),
		metric.WithUnit("{tournament}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tournaments_total: %w", err)
	}

	m.ReconstructionQuality, err = meter.Float64Histogram(
		"metagame_reconstruction_quality",
		metric.WithDescription("Share of reconstructed pairings made without a swap"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 0.75, 0.9, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create reconstruction_quality: %w", err)
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"metagame_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"metagame_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"metagame_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	return m, nil
}
