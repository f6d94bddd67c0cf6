// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the matchup snapshot and ingestion control over
// HTTP and schedules periodic ingestion runs.
//
// # Routes
//
//	GET    /health
//	GET    /metrics
//	GET    /v1/matchups
//	GET    /v1/matchups/:archetype
//	GET    /v1/matchups/:archetype/:opponent
//	GET    /v1/tiers
//	POST   /v1/ingest
//	GET    /v1/runs/last
//	DELETE /v1/tournaments/:source/:id
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/export"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/pipeline"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/telemetry"
)

// Options configures a Server.
type Options struct {
	Pipeline   *pipeline.Pipeline
	Aggregator *matchup.Aggregator

	// Exporter receives a snapshot after every run. Optional.
	Exporter *export.Exporter

	// Metrics records HTTP instruments. Optional.
	Metrics *telemetry.Metrics

	// MetricsHandler serves /metrics. Default: promhttp.Handler()
	MetricsHandler http.Handler

	// Every schedules ingestion runs. Zero disables the schedule.
	Every time.Duration

	// ServiceName names the otelgin spans. Default: "metagame"
	ServiceName string

	Logger *slog.Logger
}

// Server is the metagame HTTP service.
//
// Thread Safety: Safe for concurrent use once constructed.
type Server struct {
	pipeline   *pipeline.Pipeline
	aggregator *matchup.Aggregator
	exporter   *export.Exporter
	every      time.Duration
	logger     *slog.Logger
	router     *gin.Engine
	scheduler  gocron.Scheduler
}

// New builds the router. The scheduler is not started until Serve.
//
// Outputs:
//
//	*Server - The server.
//	error - Non-nil if the pipeline or aggregator is missing, or the
//	        scheduler cannot be created.
func New(opts Options) (*Server, error) {
	if opts.Pipeline == nil || opts.Aggregator == nil {
		return nil, errors.New("server: pipeline and aggregator are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "metagame"
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}

	s := &Server{
		pipeline:   opts.Pipeline,
		aggregator: opts.Aggregator,
		exporter:   opts.Exporter,
		every:      opts.Every,
		logger:     opts.Logger.With("component", "server"),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(opts.ServiceName))
	s.router.Use(RequestLogger(s.logger))
	if opts.Metrics != nil {
		s.router.Use(MetricsMiddleware(opts.Metrics))
	}
	SetupRoutes(s.router, s, opts.MetricsHandler)

	if s.every > 0 {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return nil, fmt.Errorf("create scheduler: %w", err)
		}
		_, err = sched.NewJob(
			gocron.DurationJob(s.every),
			gocron.NewTask(s.scheduledRun),
			gocron.WithName("ingest"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("schedule ingestion: %w", err)
		}
		s.scheduler = sched
	}
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RunOnce runs ingestion and, if an exporter is configured, writes the
// resulting snapshot. Export failures are logged and do not fail the run.
func (s *Server) RunOnce(ctx context.Context) (*pipeline.Report, error) {
	report, err := s.pipeline.Run(ctx)
	if err != nil {
		return report, err
	}
	if s.exporter != nil {
		n, exportErr := s.exporter.Export(ctx, s.aggregator.Snapshot())
		if exportErr != nil {
			s.logger.Warn("snapshot export failed", "run_id", report.RunID, "error", exportErr)
		} else {
			s.logger.Info("snapshot exported", "run_id", report.RunID, "points", n)
		}
	}
	return report, nil
}

func (s *Server) scheduledRun() {
	_, err := s.RunOnce(context.Background())
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.logger.Info("scheduled run skipped, another run is active")
	case err != nil:
		s.logger.Error("scheduled run failed", "error", err)
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down within
// shutdownTimeout. The ingestion schedule runs while serving.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		s.logger.Info("ingestion scheduled", "every", s.every)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			s.logger.Warn("scheduler shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("shutdown: %w", err))
	}
	s.logger.Info("server stopped")
	return serveErr
}
