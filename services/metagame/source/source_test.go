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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/AleutianAI/AleutianMetagame/pkg/validation"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/resilience"
)

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"id":"b"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"id":"a"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o755))

	s := NewDirSource("local", normalize.KindMTGO, dir)
	assert.Equal(t, "local", s.Name())
	assert.Equal(t, normalize.KindMTGO, s.Kind())

	ids, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	data, err := s.Fetch(context.Background(), "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a"}`, string(data))

	_, err = s.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Fetch(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, validation.ErrInvalidID)

	id, ok := s.IDFromPath(filepath.Join(dir, "c.json"))
	assert.True(t, ok)
	assert.Equal(t, "c", id)
	_, ok = s.IDFromPath(filepath.Join(dir, "notes.txt"))
	assert.False(t, ok)
	_, ok = s.IDFromPath(filepath.Join(t.TempDir(), "c.json"))
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirSource_MissingDirectory(t *testing.T) {
	s := NewDirSource("local", normalize.KindMTGO, filepath.Join(t.TempDir(), "nope"))
	_, err := s.List(context.Background())
	assert.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestHTTPSource(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		switch r.URL.Path {
		case "/events":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`["e1","e2"]`))
		case "/events/e1/data":
			_, _ = w.Write([]byte(`{"id":"e1"}`))
		case "/events/busy/data":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/events/slow-down/data":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/events/forbidden/data":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewHTTPSource(HTTPConfig{
		Name:      "melee-eu",
		Kind:      normalize.KindMelee,
		BaseURL:   srv.URL,
		ListPath:  "/events",
		FetchPath: "/events/{id}/data",
		Headers:   map[string]string{"X-Api-Key": "secret"},
	})
	ctx := context.Background()

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)

	data, err := s.Fetch(ctx, "e1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"e1"}`, string(data))

	t.Run("5xx is transient", func(t *testing.T) {
		before := hits.Load()
		_, err := s.Fetch(ctx, "busy")
		var tfe *resilience.TransientFetchError
		require.True(t, errors.As(err, &tfe))
		assert.Equal(t, http.StatusServiceUnavailable, tfe.StatusCode)
		assert.Equal(t, before+1, hits.Load(), "the source itself never retries")
	})

	t.Run("429 is transient", func(t *testing.T) {
		_, err := s.Fetch(ctx, "slow-down")
		assert.True(t, resilience.IsTransient(err))
	})

	t.Run("404 is not found", func(t *testing.T) {
		_, err := s.Fetch(ctx, "gone")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, resilience.IsTransient(err))
	})

	t.Run("other 4xx is permanent", func(t *testing.T) {
		_, err := s.Fetch(ctx, "forbidden")
		require.Error(t, err)
		assert.False(t, resilience.IsTransient(err))
	})
}

func TestHTTPSource_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewHTTPSource(HTTPConfig{Name: "down", Kind: normalize.KindMelee, BaseURL: url})
	_, err := s.List(context.Background())
	assert.True(t, resilience.IsTransient(err), "got %v", err)
}

func TestHTTPSource_BadListBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer srv.Close()

	s := NewHTTPSource(HTTPConfig{Name: "odd", Kind: normalize.KindMelee, BaseURL: srv.URL})
	_, err := s.List(context.Background())
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

type fakeObjects struct {
	objects map[string][]byte
	listErr error
	readErr error
}

func (f *fakeObjects) names(_ context.Context, prefix string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for name := range f.objects {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeObjects) read(_ context.Context, name string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.objects[name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return data, nil
}

func (f *fakeObjects) close() error { return nil }

func TestGCSSource(t *testing.T) {
	store := &fakeObjects{objects: map[string][]byte{
		"mtgo/2025/e2.json":         []byte(`{"id":2}`),
		"mtgo/2025/e1.json":         []byte(`{"id":1}`),
		"mtgo/2025/archive/e0.json": []byte(`{"id":0}`),
		"mtgo/2025/readme.md":       []byte("x"),
		"melee/e9.json":             []byte(`{"id":9}`),
	}}
	s := newGCSSource(GCSConfig{Name: "mtgo-archive", Kind: normalize.KindMTGO, Bucket: "b", Prefix: "mtgo/2025/"}, store)
	ctx := context.Background()

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)

	data, err := s.Fetch(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, `{"id":2}`, string(data))

	_, err = s.Fetch(ctx, "e7")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Close())
}

func TestClassifyGCS(t *testing.T) {
	ctx := context.Background()

	assert.True(t, resilience.IsTransient(classifyGCS(ctx, "op", &googleapi.Error{Code: 503})))
	assert.True(t, resilience.IsTransient(classifyGCS(ctx, "op", &googleapi.Error{Code: 429})))
	assert.False(t, resilience.IsTransient(classifyGCS(ctx, "op", &googleapi.Error{Code: 403})))
	assert.True(t, resilience.IsTransient(classifyGCS(ctx, "op", errors.New("connection reset"))))
	assert.ErrorIs(t, classifyGCS(ctx, "op", storage.ErrBucketNotExist), ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, classifyGCS(cancelled, "op", errors.New("boom")), context.Canceled)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{Name: "d", Kind: normalize.KindMTGO, Type: TypeDir, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &DirSource{}, s)

	s, err = Open(context.Background(), Config{Name: "h", Kind: normalize.KindMelee, Type: TypeHTTP, BaseURL: "http://localhost"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, s)

	_, err = Open(context.Background(), Config{Name: "x", Type: "ftp"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Name: "g", Type: TypeGCS, Bucket: "b", CredentialsFile: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}
