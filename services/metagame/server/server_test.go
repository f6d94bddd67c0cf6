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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/export"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/pipeline"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/source"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/store"
	badgerstore "github.com/AleutianAI/AleutianMetagame/services/metagame/storage/badger"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/swiss"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingWriter struct {
	points []*write.Point
}

func (w *recordingWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	w.points = append(w.points, p...)
	return nil
}

type fixtureEnv struct {
	server   *Server
	pipeline *pipeline.Pipeline
	agg      *matchup.Aggregator
	writer   *recordingWriter
}

func newEnv(t *testing.T, every time.Duration, sources ...source.Source) *fixtureEnv {
	t.Helper()

	if len(sources) == 0 {
		dir := t.TempDir()
		data, err := os.ReadFile(filepath.Join("..", "normalize", "testdata", "mtgo_challenge.json"))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "12345678.json"), data, 0o600))
		sources = []source.Source{source.NewDirSource("mtgo", normalize.KindMTGO, dir)}
	}

	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	norm, err := normalize.New(normalize.Options{})
	require.NoError(t, err)
	agg, err := matchup.New(matchup.DefaultConfig())
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Deps{
		Sources:       sources,
		Normalizer:    norm,
		Store:         store.New(db, store.Options{}),
		Reconstructor: swiss.New(swiss.DefaultOptions()),
		Aggregator:    agg,
	}, pipeline.Options{})
	require.NoError(t, err)

	metrics, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	w := &recordingWriter{}
	s, err := New(Options{
		Pipeline:       p,
		Aggregator:     agg,
		Exporter:       export.NewWithWriter(w, nil),
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
		Every:          every,
	})
	require.NoError(t, err)

	return &fixtureEnv{server: s, pipeline: p, agg: agg, writer: w}
}

func (e *fixtureEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// blockingSource holds List until released.
type blockingSource struct {
	*source.DirSource
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) List(ctx context.Context) ([]string, error) {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHealth_BeforeAnyRun(t *testing.T) {
	env := newEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Tournaments)
	require.Len(t, body.Sources, 1)
	assert.Equal(t, "closed", body.Sources[0].Breaker)
	assert.Nil(t, body.LastRun)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/runs/last").Code)
}

func TestIngestAndQuery(t *testing.T) {
	env := newEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/v1/ingest")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report pipeline.Report
	decode(t, rec, &report)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, pipeline.StatusStored, report.Outcomes[0].Status)
	assert.NotEmpty(t, env.writer.points, "snapshot exported after the run")

	t.Run("matrix", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/matchups")
		require.Equal(t, http.StatusOK, rec.Code)
		var snap matchup.Snapshot
		decode(t, rec, &snap)
		assert.Equal(t, 1, snap.Tournaments)
		assert.Contains(t, snap.Archetypes, "Burn")
		assert.NotEmpty(t, snap.Cells)
	})

	t.Run("matrix min_sample", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/matchups?min_sample=100000")
		require.Equal(t, http.StatusOK, rec.Code)
		var snap matchup.Snapshot
		decode(t, rec, &snap)
		assert.Empty(t, snap.Cells)

		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/matchups?min_sample=lots").Code)
	})

	t.Run("archetype by slug", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/matchups/burn")
		require.Equal(t, http.StatusOK, rec.Code)
		var body archetypeResponse
		decode(t, rec, &body)
		assert.Equal(t, "Burn", body.Archetype)
		assert.NotEmpty(t, body.Matchups)
		require.NotNil(t, body.Share)
		assert.Equal(t, 2, body.Share.Decks)
	})

	t.Run("unknown archetype", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/matchups/storm").Code)
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/matchups/burn/storm").Code)
	})

	t.Run("cell", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/matchups/Burn/Tron")
		require.Equal(t, http.StatusOK, rec.Code)
		var cell matchup.Cell
		decode(t, rec, &cell)
		assert.Equal(t, "Burn", cell.Archetype)
		assert.Equal(t, "Tron", cell.Opponent)
	})

	t.Run("tiers", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/tiers")
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]json.RawMessage
		decode(t, rec, &body)
		assert.Contains(t, body, "tiers")
		assert.Contains(t, body, "shares")
	})

	t.Run("last run", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/runs/last")
		require.Equal(t, http.StatusOK, rec.Code)
		var last pipeline.Report
		decode(t, rec, &last)
		assert.Equal(t, report.RunID, last.RunID)

		var health healthResponse
		decode(t, env.do(t, http.MethodGet, "/health"), &health)
		require.NotNil(t, health.LastRun)
		assert.Equal(t, 1, health.LastRun.Stored)
		assert.Equal(t, 1, health.Tournaments)
	})

	t.Run("invalidate", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/tournaments/mtgo/12345678").Code)
		assert.Zero(t, env.agg.Tournaments())
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/tournaments/mtgo/12345678").Code)
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/v1/tournaments/mtgo/..").Code)
	})
}

func TestIngest_Conflict(t *testing.T) {
	blocking := &blockingSource{
		DirSource: source.NewDirSource("slow", normalize.KindMTGO, t.TempDir()),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	env := newEnv(t, 0, blocking)

	done := make(chan error, 1)
	go func() {
		_, err := env.server.RunOnce(context.Background())
		done <- err
	}()
	<-blocking.entered

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/ingest").Code)

	close(blocking.release)
	require.NoError(t, <-done)
}

func TestMetricsRoute(t *testing.T) {
	env := newEnv(t, 0)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics").Code)
}

func TestServe_RunsScheduleAndStops(t *testing.T) {
	env := newEnv(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.server.Serve(ctx, "127.0.0.1:0", 5*time.Second)
	}()

	assert.Eventually(t, func() bool { return env.pipeline.LastReport() != nil }, 10*time.Second, 20*time.Millisecond,
		"the schedule starts immediately")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRoute(t *testing.T) {
	router := gin.New()
	var seen string
	router.GET("/v1/matchups/:archetype", func(c *gin.Context) { seen = route(c) })
	router.NoRoute(func(c *gin.Context) { seen = route(c) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/matchups/burn", nil))
	assert.Equal(t, "/v1/matchups/:archetype", seen)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, "unmatched", seen)
}
