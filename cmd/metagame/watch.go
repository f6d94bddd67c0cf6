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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/source"
)

// dirWatcher reports payload files that were created or rewritten in
// directory sources. Events for one path are coalesced until the file has
// been quiet for settle, so a payload is handled once per write burst.
type dirWatcher struct {
	watcher *fsnotify.Watcher
	dirs    []*source.DirSource
	settle  time.Duration
	handle  func(sourceName, id string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func newDirWatcher(dirs []*source.DirSource, settle time.Duration, handle func(sourceName, id string)) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, d := range dirs {
		if err := w.Add(d.Dir()); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", d.Dir(), err)
		}
	}
	return &dirWatcher{
		watcher: w,
		dirs:    dirs,
		settle:  settle,
		handle:  handle,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run delivers events until ctx is cancelled, then waits for in-flight
// handlers and closes the watcher.
func (w *dirWatcher) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		for path, t := range w.pending {
			if t.Stop() {
				w.wg.Done()
			}
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.wg.Wait()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.onEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

func (w *dirWatcher) onEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	path := filepath.Clean(event.Name)
	for _, d := range w.dirs {
		id, ok := d.IDFromPath(path)
		if !ok {
			continue
		}
		w.schedule(path, d.Name(), id)
		return
	}
}

func (w *dirWatcher) schedule(path, sourceName, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		t.Reset(w.settle)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.handle(sourceName, id)
	})
	w.pending[path] = t
}
