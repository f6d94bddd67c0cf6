// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs ingestion end to end: list and fetch each source
// through its resilient caller, normalize, store with dedup, reconstruct
// standings-only events, and feed the matchup aggregator.
//
// # Failure handling
//
// Every tournament gets one Outcome in the run's Report and a failure
// never stops the others. The only exception is store.ErrCorruptStore,
// which cancels in-flight work and aborts the run.
//
// # Aggregator consistency
//
// The pipeline registers a store listener so that replaced and
// invalidated tournaments leave the aggregator, and promoted duplicates
// join it, whether the change came from a run or from Invalidate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/resilience"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/source"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/store"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/swiss"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/telemetry"
)

const tracerName = "metagame/pipeline"

var (
	// ErrRunInProgress is returned by Run while another run holds the
	// pipeline.
	ErrRunInProgress = errors.New("ingestion run already in progress")

	// ErrUnknownSource is returned for a source name that was not
	// configured.
	ErrUnknownSource = errors.New("unknown source")
)

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "metagame_pipeline_outcomes_total",
	Help: "Tournament outcomes by source, stage and status",
}, []string{"source", "stage", "status"})

// Deps are the components a pipeline drives.
type Deps struct {
	Sources       []source.Source
	Normalizer    *normalize.Normalizer
	Store         *store.Store
	Reconstructor *swiss.Reconstructor
	Aggregator    *matchup.Aggregator
}

// Options tunes a pipeline.
type Options struct {
	// ConcurrentRequests caps in-flight tournaments. Default: 4
	ConcurrentRequests int

	// Caller returns the resilience config for a source name.
	// Default: resilience.DefaultCallerConfig
	Caller func(name string) resilience.CallerConfig

	// Monitor is shared by every source's caller. Nil creates one.
	Monitor *resilience.ErrorMonitor

	Logger *slog.Logger

	// Metrics records run-level OTel instruments. Optional.
	Metrics *telemetry.Metrics

	// Now stamps reports. Default: time.Now
	Now func() time.Time
}

type binding struct {
	src    source.Source
	caller *resilience.Caller
}

// Pipeline runs ingestion. Runs are serialized.
//
// Thread Safety: Safe for concurrent use.
type Pipeline struct {
	sources       []*binding
	byName        map[string]*binding
	normalizer    *normalize.Normalizer
	store         *store.Store
	reconstructor *swiss.Reconstructor
	aggregator    *matchup.Aggregator
	monitor       *resilience.ErrorMonitor
	concurrency   int
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	now           func() time.Time

	runMu sync.Mutex

	lastMu sync.RWMutex
	last   *Report
}

// New wires a pipeline and registers its store listener.
//
// Outputs:
//
//	*Pipeline - The pipeline.
//	error - Non-nil if a dependency is missing or two sources share a name.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Normalizer == nil || deps.Store == nil || deps.Reconstructor == nil || deps.Aggregator == nil {
		return nil, errors.New("pipeline: normalizer, store, reconstructor and aggregator are required")
	}
	if opts.ConcurrentRequests <= 0 {
		opts.ConcurrentRequests = 4
	}
	if opts.Caller == nil {
		opts.Caller = resilience.DefaultCallerConfig
	}
	if opts.Monitor == nil {
		opts.Monitor = resilience.NewErrorMonitor(resilience.DefaultMonitorConfig())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pipeline{
		byName:        make(map[string]*binding, len(deps.Sources)),
		normalizer:    deps.Normalizer,
		store:         deps.Store,
		reconstructor: deps.Reconstructor,
		aggregator:    deps.Aggregator,
		monitor:       opts.Monitor,
		concurrency:   opts.ConcurrentRequests,
		logger:        opts.Logger.With("component", "pipeline"),
		metrics:       opts.Metrics,
		now:           opts.Now,
	}
	for _, src := range deps.Sources {
		if _, dup := p.byName[src.Name()]; dup {
			return nil, fmt.Errorf("pipeline: duplicate source name %q", src.Name())
		}
		cfg := opts.Caller(src.Name())
		cfg.Name = src.Name()
		b := &binding{src: src, caller: resilience.NewCaller(cfg, opts.Monitor, opts.Logger)}
		p.sources = append(p.sources, b)
		p.byName[src.Name()] = b
	}

	p.store.OnInvalidate(p.onInvalidate)
	return p, nil
}

func (p *Pipeline) onInvalidate(inv store.Invalidation) {
	if p.aggregator.Remove(inv.TournamentID) {
		p.logger.Info("tournament left the aggregate", "tournament", inv.TournamentID, "reason", inv.Reason)
	}
	if inv.Promoted != nil && !inv.Promoted.Tournament.IsDuplicate() {
		p.accumulate(inv.Promoted)
		p.logger.Info("duplicate promoted", "tournament", inv.Promoted.Entry.TournamentID, "replacing", inv.TournamentID)
	}
}

// Sources returns the configured source names in order.
func (p *Pipeline) Sources() []string {
	names := make([]string, len(p.sources))
	for i, b := range p.sources {
		names[i] = b.src.Name()
	}
	return names
}

// Monitor returns the error monitor shared by the source callers.
func (p *Pipeline) Monitor() *resilience.ErrorMonitor {
	return p.monitor
}

// LastReport returns the most recent finished run, or nil.
func (p *Pipeline) LastReport() *Report {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.last
}

// Rebuild reloads the aggregator from every stored non-duplicate
// tournament. Call it once at startup.
func (p *Pipeline) Rebuild(ctx context.Context) error {
	records, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("rebuild aggregate: %w", err)
	}
	p.aggregator.Reset()
	n := 0
	for _, listed := range records {
		err := p.store.WithRecord(ctx, listed.Entry.TournamentID, func(rec *store.Record) error {
			if !rec.Tournament.IsDuplicate() {
				p.accumulate(rec)
				n++
			}
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("rebuild aggregate: %w", err)
		}
	}
	p.logger.Info("aggregate rebuilt", "tournaments", n, "records", len(records))
	return nil
}

// Run ingests every tournament listed by every source.
//
// Description:
//
//	Lists each source through its caller, then processes the listed ids
//	with at most ConcurrentRequests in flight. Each id yields one
//	Outcome. A corrupt store cancels the remaining work.
//
// Outputs:
//
//	*Report - Always non-nil once the run started.
//	error - ErrRunInProgress, or a wrapped store.ErrCorruptStore.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	if !p.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer p.runMu.Unlock()

	report := &Report{RunID: uuid.NewString(), StartedAt: p.now()}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "pipeline.Run",
		trace.WithAttributes(attribute.String("run_id", report.RunID)))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, p.logger).With("run_id", report.RunID)
	logger.Info("ingestion run started", "sources", len(p.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, b := range p.sources {
		ids, err := resilience.Do(ctx, b.caller, b.src.List)
		if err != nil {
			o := Outcome{Source: b.src.Name()}.with(StageList, StatusFailed, err)
			p.record(report, o)
			logger.Warn("source list failed", "source", b.src.Name(), "error", err)
			continue
		}
		logger.Debug("source listed", "source", b.src.Name(), "tournaments", len(ids))
		for _, id := range ids {
			g.Go(func() error {
				o, err := p.ingest(gctx, b, id)
				p.record(report, o)
				return err
			})
		}
	}

	err := g.Wait()
	report.finish(p.now())
	if err != nil {
		report.Aborted = true
	}

	p.lastMu.Lock()
	p.last = report
	p.lastMu.Unlock()

	status := "ok"
	if err != nil {
		status = "aborted"
		telemetry.RecordError(span, err)
		logger.Error("ingestion run aborted", "error", err)
	} else {
		telemetry.SetSpanOK(span)
	}
	if p.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("status", status))
		p.metrics.RunsTotal.Add(ctx, 1, attrs)
		p.metrics.RunDuration.Record(ctx, report.Duration().Seconds(), attrs)
	}
	logger.Info("ingestion run finished",
		"status", status,
		"stored", report.Count(StatusStored),
		"unchanged", report.Count(StatusUnchanged),
		"duplicates", report.Count(StatusDuplicate),
		"skipped", report.Count(StatusSkipped),
		"failed", report.Count(StatusFailed),
		"duration", report.Duration())

	if err != nil {
		return report, fmt.Errorf("run %s: %w", report.RunID, err)
	}
	return report, nil
}

// IngestOne processes a single tournament from a named source, e.g. a
// file that just appeared in a watched directory.
func (p *Pipeline) IngestOne(ctx context.Context, sourceName, id string) (Outcome, error) {
	b, ok := p.byName[sourceName]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceName)
	}
	o, err := p.ingest(ctx, b, id)
	outcomesTotal.WithLabelValues(o.Source, string(o.Stage), string(o.Status)).Inc()
	return o, err
}

// Invalidate drops a tournament from the store and, through the store
// listener, from the aggregate.
func (p *Pipeline) Invalidate(ctx context.Context, tournamentID string) error {
	return p.store.Invalidate(ctx, tournamentID)
}

func (p *Pipeline) record(report *Report, o Outcome) {
	report.add(o)
	outcomesTotal.WithLabelValues(o.Source, string(o.Stage), string(o.Status)).Inc()
}

// ingest runs one tournament through every stage. The returned error is
// non-nil only for a corrupt store.
func (p *Pipeline) ingest(ctx context.Context, b *binding, id string) (out Outcome, fatal error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "pipeline.ingest", trace.WithAttributes(
		attribute.String("source", b.src.Name()),
		attribute.String("source_id", id),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("tournament_id", out.TournamentID),
			attribute.String("stage", string(out.Stage)),
			attribute.String("status", string(out.Status)),
		)
		if out.Err != nil {
			telemetry.RecordError(span, out.Err)
		} else {
			telemetry.SetSpanOK(span)
		}
		span.End()
		if p.metrics != nil {
			p.metrics.TournamentsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("source", b.src.Name()),
				attribute.String("stage", string(out.Stage)),
				attribute.String("status", string(out.Status)),
			))
		}
	}()

	logger := telemetry.LoggerWithTrace(ctx, p.logger).With("source", b.src.Name(), "source_id", id)
	out = Outcome{Source: b.src.Name(), SourceID: id}

	raw, err := resilience.Do(ctx, b.caller, func(ctx context.Context) ([]byte, error) {
		return b.src.Fetch(ctx, id)
	})
	if err != nil {
		logger.Warn("fetch failed", "error", err)
		return out.with(StageFetch, StatusFailed, err), nil
	}

	res, err := p.normalizer.Normalize(raw, b.src.Kind())
	if err != nil {
		var mismatch *normalize.FormatMismatchError
		if errors.As(err, &mismatch) {
			logger.Debug("tournament filtered", "reason", err)
			return out.with(StageNormalize, StatusSkipped, err), nil
		}
		logger.Warn("normalize failed", "error", err)
		return out.with(StageNormalize, StatusFailed, err), nil
	}
	out.TournamentID = res.Tournament.ID()

	put, err := p.store.Put(ctx, res.Tournament, res.Decks, res.Matches)
	if err != nil {
		logger.Error("store failed", "tournament", out.TournamentID, "error", err)
		return out.with(StageStore, StatusFailed, err), corruptOnly(err)
	}

	rec, err := p.store.GetByID(ctx, out.TournamentID)
	if err != nil {
		return out.with(StageStore, StatusFailed, err), corruptOnly(err)
	}

	status := StatusStored
	switch {
	case rec.Tournament.IsDuplicate():
		status = StatusDuplicate
	case !put.Stored:
		status = StatusUnchanged
	}

	if rec.Tournament.Completeness == model.StandingsOnly && (put.Stored || rec.Tournament.ReconstructionQuality == nil) {
		q, err := p.reconstruct(ctx, rec)
		if err != nil {
			if ferr := corruptOnly(err); ferr != nil {
				return out.with(StageReconstruct, StatusFailed, err), ferr
			}
			logger.Warn("reconstruction failed", "tournament", out.TournamentID, "error", err)
			out = out.with(StageReconstruct, StatusFailed, err)
		} else {
			out.Quality = &q
		}
	} else if rec.Tournament.ReconstructionQuality != nil {
		q := *rec.Tournament.ReconstructionQuality
		out.Quality = &q
	}

	err = p.store.WithRecord(ctx, out.TournamentID, func(cur *store.Record) error {
		if !cur.Tournament.IsDuplicate() {
			p.accumulate(cur)
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Info("tournament invalidated during ingest", "tournament", out.TournamentID)
		return out.with(StageAggregate, StatusSkipped, err), nil
	case err != nil:
		return out.with(StageAggregate, StatusFailed, err), corruptOnly(err)
	}
	if out.Status == StatusFailed {
		return out, nil
	}
	logger.Debug("tournament ingested", "tournament", out.TournamentID, "status", status)
	return out.with(StageAggregate, status, nil), nil
}

// reconstruct infers and attaches matches, updating rec in place. An
// inconsistent tournament gets an empty reconstruction with quality 0 so
// it is not retried until its content changes.
func (p *Pipeline) reconstruct(ctx context.Context, rec *store.Record) (float64, error) {
	id := rec.Entry.TournamentID
	matches, q, err := p.reconstructor.Reconstruct(rec.Tournament, rec.Decks)
	var inconsistent *swiss.ReconstructionInconsistentError
	switch {
	case errors.As(err, &inconsistent):
		if attachErr := p.store.AttachReconstruction(ctx, id, nil, 0); attachErr != nil {
			return 0, attachErr
		}
		zero := 0.0
		rec.Reconstructed = nil
		rec.Tournament.ReconstructionQuality = &zero
		return 0, err
	case err != nil:
		return 0, err
	}

	if err := p.store.AttachReconstruction(ctx, id, matches, q.Score); err != nil {
		return 0, err
	}
	rec.Reconstructed = matches
	rec.Tournament.ReconstructionQuality = &q.Score
	if p.metrics != nil {
		p.metrics.ReconstructionQuality.Record(ctx, q.Score)
	}
	p.logger.Debug("tournament reconstructed",
		"tournament", id,
		"rounds", q.Rounds,
		"rounds_estimated", q.RoundsEstimated,
		"pairings", q.Pairings,
		"swapped", q.Swapped,
		"floated", q.Floated,
		"repeated", q.Repeated,
		"replanned", q.Replanned,
		"fallback", q.Fallback,
		"byes", q.Byes,
		"quality", q.Score)
	return q.Score, nil
}

func (p *Pipeline) accumulate(rec *store.Record) {
	p.aggregator.Accumulate(rec.Entry.TournamentID, rec.Decks, rec.AllMatches())
}

func corruptOnly(err error) error {
	if errors.Is(err, store.ErrCorruptStore) {
		return err
	}
	return nil
}

// SourceHealth is one source's error profile.
type SourceHealth struct {
	Source    string  `json:"source"`
	Breaker   string  `json:"breaker"`
	Burst     int     `json:"recent_errors"`
	ErrorRate float64 `json:"errors_per_minute"`
}

// Health reports every source's breaker state and recent error rate,
// sorted by source name.
func (p *Pipeline) Health() []SourceHealth {
	out := make([]SourceHealth, 0, len(p.sources))
	for _, b := range p.sources {
		out = append(out, SourceHealth{
			Source:    b.src.Name(),
			Breaker:   b.caller.Breaker().State().String(),
			Burst:     p.monitor.BurstCount(b.src.Name()),
			ErrorRate: p.monitor.ErrorRate(b.src.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
