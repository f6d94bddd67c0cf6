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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianMetagame/pkg/validation"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
)

const payloadExt = ".json"

// DirSource reads <dir>/<id>.json files.
type DirSource struct {
	name string
	kind normalize.SourceKind
	dir  string
}

// NewDirSource creates a DirSource. The directory is not checked until
// List or Fetch.
func NewDirSource(name string, kind normalize.SourceKind, dir string) *DirSource {
	return &DirSource{name: name, kind: kind, dir: dir}
}

func (s *DirSource) Name() string               { return s.name }
func (s *DirSource) Kind() normalize.SourceKind { return s.kind }

// Dir returns the watched directory.
func (s *DirSource) Dir() string { return s.dir }

// List returns the ids of every payload file, sorted.
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), payloadExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), payloadExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Fetch reads one payload file.
func (s *DirSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validation.ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id+payloadExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", s.name, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", s.name, id, err)
	}
	return data, nil
}

// IDFromPath maps a payload path inside the directory back to its id. It
// reports false for files that are not payloads.
func (s *DirSource) IDFromPath(path string) (string, bool) {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(s.dir) {
		return "", false
	}
	base := filepath.Base(path)
	if !strings.HasSuffix(base, payloadExt) {
		return "", false
	}
	return strings.TrimSuffix(base, payloadExt), true
}
