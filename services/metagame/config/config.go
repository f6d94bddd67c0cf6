// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the metagame engine configuration.
//
// A config file such as metagame.yaml may sit next to metagame.local.yaml;
// non-zero values in the local file override the base file, and both sit
// on top of Default(). The result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianMetagame/pkg/logging"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/export"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/resilience"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/source"
	badgerstore "github.com/AleutianAI/AleutianMetagame/services/metagame/storage/badger"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/swiss"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/telemetry"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete engine configuration.
type Config struct {
	Sources     []source.Config    `yaml:"sources" validate:"dive"`
	Fetch       FetchConfig        `yaml:"fetch"`
	Normalize   NormalizeConfig    `yaml:"normalize"`
	Store       badgerstore.Config `yaml:"store"`
	Reconstruct ReconstructConfig  `yaml:"reconstruct"`
	Matchup     matchup.Config     `yaml:"matchup"`
	Pipeline    PipelineConfig     `yaml:"pipeline"`
	Export      export.Config      `yaml:"export"`
	Server      ServerConfig       `yaml:"server"`
	Log         logging.Config     `yaml:"log"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
}

// FetchConfig tunes the resilient caller wrapped around every source.
type FetchConfig struct {
	MaxAttempts      int                 `yaml:"max_attempts" validate:"gte=1"`
	Strategy         resilience.Strategy `yaml:"strategy" validate:"oneof=fixed linear exponential exponential_jitter"`
	BaseDelay        time.Duration       `yaml:"base_delay" validate:"gte=0"`
	MaxDelay         time.Duration       `yaml:"max_delay" validate:"gte=0"`
	JitterRange      float64             `yaml:"jitter_range" validate:"gte=0,lte=1"`
	FailureThreshold int                 `yaml:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  time.Duration       `yaml:"recovery_timeout" validate:"gt=0"`
	CallTimeout      time.Duration       `yaml:"call_timeout" validate:"gte=0"`
	RateLimit        float64             `yaml:"rate_limit" validate:"gte=0"`
	RateBurst        int                 `yaml:"rate_burst" validate:"gte=0"`
}

// Caller builds the resilience config for the named source.
func (f FetchConfig) Caller(name string) resilience.CallerConfig {
	cfg := resilience.DefaultCallerConfig(name)
	cfg.Retry.MaxAttempts = f.MaxAttempts
	cfg.Retry.Strategy = f.Strategy
	cfg.Retry.BaseDelay = f.BaseDelay
	cfg.Retry.MaxDelay = f.MaxDelay
	cfg.Retry.JitterRange = f.JitterRange
	cfg.Breaker.FailureThreshold = f.FailureThreshold
	cfg.Breaker.RecoveryTimeout = f.RecoveryTimeout
	cfg.CallTimeout = f.CallTimeout
	cfg.RateLimit = f.RateLimit
	cfg.RateBurst = f.RateBurst
	return cfg
}

// NormalizeConfig mirrors normalize.Options.
type NormalizeConfig struct {
	MinPlayers   int                                       `yaml:"min_players" validate:"gte=0"`
	FormatFilter string                                    `yaml:"format_filter"`
	Schemas      map[normalize.SourceKind]normalize.Schema `yaml:"schemas"`
}

// Options converts to normalize.Options.
func (n NormalizeConfig) Options() normalize.Options {
	return normalize.Options{
		MinPlayers:   n.MinPlayers,
		FormatFilter: n.FormatFilter,
		Schemas:      n.Schemas,
	}
}

// ReconstructConfig mirrors swiss.Options.
type ReconstructConfig struct {
	MaxConfidence float64 `yaml:"max_confidence" validate:"gt=0,lte=1"`
	SwapPenalty   float64 `yaml:"swap_penalty" validate:"gt=0,lte=1"`
	FloatPenalty  float64 `yaml:"float_penalty" validate:"gt=0,lte=1"`
	SearchBudget  int     `yaml:"search_budget" validate:"gte=1"`
}

// Options converts to swiss.Options.
func (r ReconstructConfig) Options() swiss.Options {
	return swiss.Options{
		MaxConfidence: r.MaxConfidence,
		SwapPenalty:   r.SwapPenalty,
		FloatPenalty:  r.FloatPenalty,
		SearchBudget:  r.SearchBudget,
	}
}

// PipelineConfig bounds an ingestion run.
type PipelineConfig struct {
	// ConcurrentRequests caps in-flight fetches across all sources.
	ConcurrentRequests int `yaml:"concurrent_requests" validate:"gte=1"`
}

// ServerConfig configures `metagame serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`

	// Every schedules an ingestion run. Zero disables the schedule.
	Every time.Duration `yaml:"every" validate:"gte=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Default returns a configuration that works with no file at all.
func Default() Config {
	retry := resilience.DefaultRetryConfig()
	breaker := resilience.DefaultCircuitBreakerConfig("")
	swissOpts := swiss.DefaultOptions()
	tel := telemetry.DefaultConfig()

	return Config{
		Fetch: FetchConfig{
			MaxAttempts:      retry.MaxAttempts,
			Strategy:         retry.Strategy,
			BaseDelay:        retry.BaseDelay,
			MaxDelay:         retry.MaxDelay,
			JitterRange:      retry.JitterRange,
			FailureThreshold: breaker.FailureThreshold,
			RecoveryTimeout:  breaker.RecoveryTimeout,
			CallTimeout:      30 * time.Second,
		},
		Normalize: NormalizeConfig{MinPlayers: normalize.DefaultMinPlayers},
		Store:     badgerstore.DefaultConfig(defaultStorePath()),
		Reconstruct: ReconstructConfig{
			MaxConfidence: swissOpts.MaxConfidence,
			SwapPenalty:   swissOpts.SwapPenalty,
			FloatPenalty:  swissOpts.FloatPenalty,
			SearchBudget:  swissOpts.SearchBudget,
		},
		Matchup:  matchup.DefaultConfig(),
		Pipeline: PipelineConfig{ConcurrentRequests: 4},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log:       logging.Config{Service: "metagame"},
		Telemetry: tel,
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".metagame", "cache")
	}
	return filepath.Join(home, ".metagame", "cache")
}

// Load reads path and its ".local" sibling over Default() and validates
// the result. A missing base file is allowed if the local file exists;
// both missing returns an error satisfying errors.Is(err, os.ErrNotExist).
func Load(path string) (Config, error) {
	cfg := Default()

	base, foundBase, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	local, foundLocal, err := readFile(LocalPath(path))
	if err != nil {
		return Config{}, err
	}
	if !foundBase && !foundLocal {
		return Config{}, fmt.Errorf("config %s: %w", path, os.ErrNotExist)
	}

	if foundBase {
		if err := mergo.Merge(&cfg, base, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("merge %s: %w", path, err)
		}
	}
	if foundLocal {
		if err := mergo.Merge(&cfg, local, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("merge %s: %w", LocalPath(path), err)
		}
		slog.Info("merging config with local overrides", "local", LocalPath(path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LocalPath returns the override path for a config file:
// "metagame.yaml" becomes "metagame.local.yaml".
func LocalPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func readFile(path string) (Config, bool, error) {
	var out Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, false, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return out, true, nil
}

// Validate checks struct tags and the cross-field rules the component
// packages enforce.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate source name %q", ErrInvalid, s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	if err := c.Matchup.Validate(); err != nil {
		return fmt.Errorf("%w: matchup: %v", ErrInvalid, err)
	}
	caller := c.Fetch.Caller("config")
	if err := caller.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: fetch: %v", ErrInvalid, err)
	}
	if err := caller.Breaker.Validate(); err != nil {
		return fmt.Errorf("%w: fetch: %v", ErrInvalid, err)
	}
	return nil
}

// Source returns the source config with the given name.
func (c Config) Source(name string) (source.Config, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return source.Config{}, false
}
