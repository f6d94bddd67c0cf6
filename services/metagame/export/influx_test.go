// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

var generatedAt = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

// MockWriteAPI records written points.
type MockWriteAPI struct {
	WritePointFunc func(ctx context.Context, point ...*write.Point) error
	WrittenPoints  []*write.Point
}

func (m *MockWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	m.WrittenPoints = append(m.WrittenPoints, point...)
	if m.WritePointFunc != nil {
		return m.WritePointFunc(ctx, point...)
	}
	return nil
}

func snapshot(t *testing.T) *matchup.Snapshot {
	t.Helper()
	agg, err := matchup.New(matchup.Config{Now: func() time.Time { return generatedAt }})
	require.NoError(t, err)

	decks := []model.Deck{
		{Player: "a", Archetype: "Boros Energy", FinalRank: 1},
		{Player: "b", Archetype: "Amulet Titan", FinalRank: 2},
	}
	var matches []model.Match
	for r := 1; r <= 3; r++ {
		matches = append(matches, model.Match{Round: r, PlayerA: "a", PlayerB: "b", Winner: "a", Origin: model.OriginObserved, Confidence: 1})
	}
	agg.Accumulate("melee/1", decks, matches)
	return agg.Snapshot()
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestPoints(t *testing.T) {
	points := Points(snapshot(t))

	byMeasurement := make(map[string][]*write.Point)
	for _, p := range points {
		byMeasurement[p.Name()] = append(byMeasurement[p.Name()], p)
		assert.Equal(t, generatedAt, p.Time())
	}
	require.Len(t, byMeasurement[MeasurementMatchup], 2, "mirrors without data are skipped")
	assert.Len(t, byMeasurement[MeasurementTier], 2)
	assert.Len(t, byMeasurement[MeasurementShare], 2)

	var found bool
	for _, p := range byMeasurement[MeasurementMatchup] {
		tg := tags(p)
		if tg["archetype"] != "Boros Energy" {
			continue
		}
		found = true
		assert.Equal(t, "boros-energy", tg["archetype_slug"])
		assert.Equal(t, "amulet-titan", tg["opponent_slug"])

		f := fields(p)
		assert.Equal(t, int64(3), f["wins"])
		assert.Equal(t, int64(0), f["losses"])
		assert.Equal(t, int64(3), f["sample_size"])
		assert.Equal(t, 1.0, f["win_rate"])
		assert.Contains(t, f, "ci_lower")
	}
	assert.True(t, found)
}

func TestExporter_Export(t *testing.T) {
	mock := &MockWriteAPI{}
	e := NewWithWriter(mock, nil)
	defer e.Close()

	n, err := e.Export(context.Background(), snapshot(t))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Len(t, mock.WrittenPoints, 6)

	n, err = e.Export(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExporter_WriteError(t *testing.T) {
	mock := &MockWriteAPI{WritePointFunc: func(context.Context, ...*write.Point) error {
		return errors.New("database write failed")
	}}
	e := NewWithWriter(mock, nil)

	_, err := e.Export(context.Background(), snapshot(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database write failed")
}

func TestNew_HealthyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"influxdb","status":"pass","checks":[]}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e, err := New(context.Background(), Config{URL: srv.URL, Org: "o", Bucket: "b"}, nil)
	require.NoError(t, err)
	e.Close()
}

func TestNew_NeverHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(context.Background(), Config{
		URL: srv.URL, Org: "o", Bucket: "b",
		HealthAttempts: 2, HealthInterval: time.Millisecond,
	}, nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNew_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(ctx, Config{URL: srv.URL, Org: "o", Bucket: "b", HealthInterval: time.Hour}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{URL: "http://influx:8086"}.Enabled())
}
