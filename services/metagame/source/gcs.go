// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianMetagame/pkg/validation"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/resilience"
)

// GCSConfig configures a GCSSource.
type GCSConfig struct {
	Name   string
	Kind   normalize.SourceKind
	Bucket string

	// Prefix is prepended to every object name, e.g. "melee/2025/".
	Prefix string

	// CredentialsFile is a service account key. Empty uses Application
	// Default Credentials.
	CredentialsFile string
}

// objectStore is the part of a bucket a GCSSource reads.
type objectStore interface {
	names(ctx context.Context, prefix string) ([]string, error)
	read(ctx context.Context, name string) ([]byte, error)
	close() error
}

// GCSSource reads <prefix><id>.json objects from a bucket.
type GCSSource struct {
	name   string
	kind   normalize.SourceKind
	bucket string
	prefix string
	store  objectStore
}

// NewGCSSource connects to Cloud Storage.
func NewGCSSource(ctx context.Context, cfg GCSConfig) (*GCSSource, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return newGCSSource(cfg, &bucketStore{bucket: client.Bucket(cfg.Bucket), client: client}), nil
}

func newGCSSource(cfg GCSConfig, store objectStore) *GCSSource {
	return &GCSSource{
		name:   cfg.Name,
		kind:   cfg.Kind,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		store:  store,
	}
}

func (s *GCSSource) Name() string               { return s.name }
func (s *GCSSource) Kind() normalize.SourceKind { return s.kind }

// List returns the ids of every payload object directly under the prefix.
func (s *GCSSource) List(ctx context.Context) ([]string, error) {
	names, err := s.store.names(ctx, s.prefix)
	if err != nil {
		return nil, classifyGCS(ctx, fmt.Sprintf("%s list gs://%s/%s", s.name, s.bucket, s.prefix), err)
	}
	ids := make([]string, 0, len(names))
	for _, n := range names {
		rest := strings.TrimPrefix(n, s.prefix)
		if strings.Contains(rest, "/") || !strings.HasSuffix(rest, payloadExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(rest, payloadExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Fetch reads one payload object.
func (s *GCSSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := validation.ValidateID(id); err != nil {
		return nil, err
	}
	object := s.prefix + id + payloadExt
	data, err := s.store.read(ctx, object)
	if err != nil {
		return nil, classifyGCS(ctx, fmt.Sprintf("%s fetch gs://%s/%s", s.name, s.bucket, object), err)
	}
	return data, nil
}

// Close releases the storage client.
func (s *GCSSource) Close() error {
	return s.store.close()
}

// classifyGCS maps storage errors onto the fetch error taxonomy.
func classifyGCS(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return &resilience.TransientFetchError{Op: op, StatusCode: gerr.Code, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return &resilience.TransientFetchError{Op: op, Err: err}
}

type bucketStore struct {
	bucket *storage.BucketHandle
	client *storage.Client
}

func (b *bucketStore) names(ctx context.Context, prefix string) ([]string, error) {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
}

func (b *bucketStore) read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *bucketStore) close() error {
	return b.client.Close()
}
