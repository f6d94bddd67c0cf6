// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianMetagame/pkg/logging"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/config"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/pipeline"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/resilience"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/source"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/store"
	badgerstore "github.com/AleutianAI/AleutianMetagame/services/metagame/storage/badger"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/swiss"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/telemetry"
)

// app holds every component a command needs. close releases them in
// reverse order of construction.
type app struct {
	cfg        config.Config
	logger     *logging.Logger
	db         *badgerstore.DB
	store      *store.Store
	aggregator *matchup.Aggregator
	pipeline   *pipeline.Pipeline
	sources    []source.Source
	metrics    *telemetry.Metrics

	shutdownTelemetry func(context.Context) error
}

// loadConfig reads the config file, falling back to defaults when neither
// the file nor its local override exists.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		lvl, err := logging.ParseLevel(logLevel)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// openApp wires the engine. withTelemetry starts the OTel providers;
// one-shot commands skip them.
func openApp(ctx context.Context, withTelemetry bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.logger = logging.New(cfg.Log)
	slog.SetDefault(a.logger.Slog())
	log := a.logger.Slog()

	if withTelemetry {
		a.shutdownTelemetry, err = telemetry.Init(ctx, cfg.Telemetry)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.metrics, err = telemetry.NewMetrics(otel.Meter("metagame"))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	storeCfg := cfg.Store
	storeCfg.Logger = log.With("component", "badger")
	a.db, err = badgerstore.Open(storeCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.store = store.New(a.db, store.Options{Logger: log})

	norm, err := normalize.New(cfg.Normalize.Options())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("normalizer: %w", err)
	}
	a.aggregator, err = matchup.New(cfg.Matchup)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("aggregator: %w", err)
	}

	for _, sc := range cfg.Sources {
		src, err := source.Open(ctx, sc)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		a.sources = append(a.sources, src)
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Sources:       a.sources,
		Normalizer:    norm,
		Store:         a.store,
		Reconstructor: swiss.New(cfg.Reconstruct.Options()),
		Aggregator:    a.aggregator,
	}, pipeline.Options{
		ConcurrentRequests: cfg.Pipeline.ConcurrentRequests,
		Caller:             cfg.Fetch.Caller,
		Monitor:            resilience.NewErrorMonitor(resilience.DefaultMonitorConfig()),
		Logger:             log,
		Metrics:            a.metrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if err := a.pipeline.Rebuild(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for _, src := range a.sources {
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("cache close", "error", err)
		}
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}
