// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package source reads raw tournament payloads from directories, HTTP
// endpoints and Google Cloud Storage buckets.
//
// Sources do no retrying of their own. Failures worth retrying are
// returned as *resilience.TransientFetchError so the caller's retry policy
// and circuit breaker see them; everything else is permanent.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
)

// ErrNotFound is returned by Fetch for an unknown tournament id.
var ErrNotFound = errors.New("tournament not found at source")

// Source lists and fetches raw tournament payloads.
type Source interface {
	// Name identifies the source instance, e.g. "melee-eu".
	Name() string

	// Kind selects the normalizer schema for its payloads.
	Kind() normalize.SourceKind

	// List returns the ids of the tournaments currently available.
	List(ctx context.Context) ([]string, error)

	// Fetch returns the raw payload of one tournament.
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Type selects a Source implementation.
type Type string

const (
	TypeDir  Type = "dir"
	TypeHTTP Type = "http"
	TypeGCS  Type = "gcs"
)

// Config declares one source.
type Config struct {
	Name string               `yaml:"name" validate:"required"`
	Kind normalize.SourceKind `yaml:"kind" validate:"required"`
	Type Type                 `yaml:"type" validate:"required,oneof=dir http gcs"`

	// Dir is the payload directory for TypeDir.
	Dir string `yaml:"dir,omitempty" validate:"required_if=Type dir"`

	// BaseURL, ListPath and FetchPath configure TypeHTTP. FetchPath may
	// reference the id as {id}.
	BaseURL   string            `yaml:"base_url,omitempty" validate:"required_if=Type http"`
	ListPath  string            `yaml:"list_path,omitempty"`
	FetchPath string            `yaml:"fetch_path,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`

	// Bucket, Prefix and CredentialsFile configure TypeGCS.
	Bucket          string `yaml:"bucket,omitempty" validate:"required_if=Type gcs"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// Open builds the Source a Config describes.
func Open(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Type {
	case TypeDir:
		return NewDirSource(cfg.Name, cfg.Kind, cfg.Dir), nil
	case TypeHTTP:
		return NewHTTPSource(HTTPConfig{
			Name:      cfg.Name,
			Kind:      cfg.Kind,
			BaseURL:   cfg.BaseURL,
			ListPath:  cfg.ListPath,
			FetchPath: cfg.FetchPath,
			Headers:   cfg.Headers,
			Timeout:   cfg.Timeout,
		}), nil
	case TypeGCS:
		return NewGCSSource(ctx, GCSConfig{
			Name:            cfg.Name,
			Kind:            cfg.Kind,
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown source type %q for %s", cfg.Type, cfg.Name)
	}
}
