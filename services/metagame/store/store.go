// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the dedup & cache store for normalized tournaments.
//
// # Description
//
// Every tournament is persisted as one self-contained Record under
// "t/<source>/<external_id>". A secondary index "h/<content hash>/<id>"
// finds other identities carrying the same content, which is how the
// same real event scraped from two endpoints is detected. The index value
// is "*" for the primary and the primary's id for duplicates.
//
// # Thread Safety
//
// Writes are serialized per identity and per content hash with keyed
// mutexes, always identity first, then hashes in sorted order. Every
// rewrite of a record holds the lock of the hash it is indexed under.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
	badgerstore "github.com/AleutianAI/AleutianMetagame/services/metagame/storage/badger"
)

const (
	tournamentPrefix = "t/"
	hashPrefix       = "h/"
	primaryMarker    = "*"
)

var putsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "metagame_store_puts_total",
	Help: "Store writes by outcome",
}, []string{"reason"})

// Reason explains the outcome of a Put or an invalidation.
type Reason string

const (
	ReasonInserted    Reason = "inserted"
	ReasonUnchanged   Reason = "unchanged"
	ReasonRenamed     Reason = "renamed"
	ReasonReplaced    Reason = "replaced"
	ReasonDuplicate   Reason = "duplicate"
	ReasonInvalidated Reason = "invalidated"
)

// PutResult is the outcome of Put.
type PutResult struct {
	// Stored is false only for an unchanged re-ingestion.
	Stored bool

	Reason Reason

	// DuplicateOf is the primary's id when the tournament is a
	// cross-source duplicate.
	DuplicateOf string
}

// Record is everything persisted for one tournament.
type Record struct {
	Entry         model.CacheEntry `json:"entry"`
	Tournament    model.Tournament `json:"tournament"`
	Decks         []model.Deck     `json:"decks"`
	Matches       []model.Match    `json:"matches,omitempty"`
	Reconstructed []model.Match    `json:"reconstructed,omitempty"`
}

// AllMatches returns observed matches followed by reconstructed ones.
func (r *Record) AllMatches() []model.Match {
	out := make([]model.Match, 0, len(r.Matches)+len(r.Reconstructed))
	out = append(out, r.Matches...)
	return append(out, r.Reconstructed...)
}

// Invalidation tells listeners a tournament's contribution is gone.
type Invalidation struct {
	TournamentID string

	// Reason is ReasonReplaced or ReasonInvalidated.
	Reason Reason

	// Promoted is the duplicate that became primary in its place, if any.
	// Its matches now count.
	Promoted *Record
}

// InvalidateFunc receives invalidations after the write has committed.
type InvalidateFunc func(Invalidation)

// Options configures a Store.
type Options struct {
	Logger *slog.Logger

	// Now stamps CacheEntry.IngestedAt. Default: time.Now
	Now func() time.Time
}

// Store persists tournaments in Badger.
type Store struct {
	db     *badgerstore.DB
	ids    *keyedMutex
	hashes *keyedMutex
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []InvalidateFunc
}

// New creates a Store over an open database. The caller keeps ownership
// of db.
func New(db *badgerstore.DB, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:     db,
		ids:    newKeyedMutex(),
		hashes: newKeyedMutex(),
		logger: opts.Logger.With("component", "store"),
		now:    opts.Now,
	}
}

// OnInvalidate registers a listener.
func (s *Store) OnInvalidate(fn InvalidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Put persists a normalized tournament.
//
// Description:
//
//	Computes the content hash and compares it with the stored record of
//	the same identity. An identical hash is a no-op, except that a new
//	display name replaces the stored one (ReasonRenamed). A different hash
//	removes the old record, its reconstructed matches and its index entry
//	in the same transaction that writes the new one, then notifies
//	listeners. Independently, a record whose hash already belongs to
//	another identity is stored flagged as a duplicate of that primary.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	t - The tournament. ContentHash, DuplicateOf and ReconstructionQuality
//	    are recomputed.
//	decks - All decks.
//	matches - Observed matches, empty for standings-only sources.
//
// Outputs:
//
//	PutResult - Stored, Reason and DuplicateOf.
//	error - *CacheWriteError on storage failure, ErrCorruptStore when the
//	        existing record cannot be decoded.
func (s *Store) Put(ctx context.Context, t model.Tournament, decks []model.Deck, matches []model.Match) (PutResult, error) {
	id := t.ID()
	hash := model.Hash(t, decks, matches)
	t.ContentHash = hash
	t.DuplicateOf = ""
	t.ReconstructionQuality = nil

	unlockID := s.ids.Lock(id)
	defer unlockID()

	old, err := s.load(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return PutResult{}, s.writeErr(id, "put", err)
	}
	if old != nil && old.Entry.ContentHash == hash {
		reason := ReasonUnchanged
		if old.Tournament.Name != t.Name {
			if err := s.rename(ctx, old, t.Name); err != nil {
				return PutResult{}, s.writeErr(id, "rename", err)
			}
			reason = ReasonRenamed
		}
		putsTotal.WithLabelValues(string(reason)).Inc()
		return PutResult{Stored: false, Reason: reason, DuplicateOf: old.Tournament.DuplicateOf}, nil
	}

	oldHash := ""
	if old != nil {
		oldHash = old.Entry.ContentHash
	}
	unlockHashes := s.hashes.LockAll(hash, oldHash)
	defer unlockHashes()

	rec := &Record{
		Entry:      model.CacheEntry{TournamentID: id, ContentHash: hash, IngestedAt: s.now().UTC()},
		Tournament: t,
		Decks:      stampDecks(decks, id),
		Matches:    stampMatches(matches, id),
	}
	result := PutResult{Stored: true, Reason: ReasonInserted}
	var promoted *Record

	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		if old != nil {
			result.Reason = ReasonReplaced
			p, err := removeRecord(txn, id, oldHash)
			if err != nil {
				return err
			}
			promoted = p
		}

		primary, err := findPrimary(txn, hash, id)
		if err != nil {
			return err
		}
		if primary != "" {
			rec.Tournament.DuplicateOf = primary
			result.DuplicateOf = primary
			if result.Reason == ReasonInserted {
				result.Reason = ReasonDuplicate
			}
		}
		return writeRecord(txn, rec)
	})
	if err != nil {
		return PutResult{}, s.writeErr(id, "put", err)
	}

	putsTotal.WithLabelValues(string(result.Reason)).Inc()
	s.logger.Debug("tournament stored",
		"tournament", id,
		"reason", result.Reason,
		"duplicate_of", result.DuplicateOf)

	if old != nil {
		s.notify(Invalidation{TournamentID: id, Reason: ReasonReplaced, Promoted: promoted})
	}
	return result, nil
}

// rename rewrites the display name of an otherwise unchanged record. The
// name is not part of the content hash, so the aggregate is unaffected and
// listeners are not notified. Callers hold the id lock.
func (s *Store) rename(ctx context.Context, old *Record, name string) error {
	unlockHash := s.hashes.LockAll(old.Entry.ContentHash)
	defer unlockHash()

	id := old.Entry.TournamentID
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, id)
		if err != nil {
			return err
		}
		rec.Tournament.Name = name
		return writeRecord(txn, rec)
	})
	if err != nil {
		return err
	}
	s.logger.Info("tournament renamed", "tournament", id, "from", old.Tournament.Name, "to", name)
	return nil
}

// WithRecord calls fn with the current record of a tournament while
// holding its lock. Put, Invalidate and AttachReconstruction of the same
// tournament wait until fn returns, and so do their listeners.
//
// Outputs:
//
//	error - ErrNotFound if absent, else whatever fn returns.
func (s *Store) WithRecord(ctx context.Context, tournamentID string, fn func(*Record) error) error {
	unlockID := s.ids.Lock(tournamentID)
	defer unlockID()

	rec, err := s.load(ctx, tournamentID)
	if err != nil {
		return err
	}
	return fn(rec)
}

// Get returns the record for (source, externalID) or ErrNotFound.
func (s *Store) Get(ctx context.Context, source, externalID string) (*Record, error) {
	return s.load(ctx, model.TournamentID(source, externalID))
}

// GetByID returns the record for a tournament id or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*Record, error) {
	return s.load(ctx, id)
}

// Invalidate deletes a tournament and tells listeners to drop its
// contribution. The next ingestion of the same payload inserts it again.
//
// Outputs:
//
//	error - ErrNotFound if absent, *CacheWriteError on storage failure.
func (s *Store) Invalidate(ctx context.Context, tournamentID string) error {
	unlockID := s.ids.Lock(tournamentID)
	defer unlockID()

	old, err := s.load(ctx, tournamentID)
	if err != nil {
		return err
	}

	unlockHash := s.hashes.LockAll(old.Entry.ContentHash)
	defer unlockHash()

	var promoted *Record
	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		p, err := removeRecord(txn, tournamentID, old.Entry.ContentHash)
		promoted = p
		return err
	})
	if err != nil {
		return s.writeErr(tournamentID, "invalidate", err)
	}

	putsTotal.WithLabelValues(string(ReasonInvalidated)).Inc()
	s.logger.Info("tournament invalidated", "tournament", tournamentID)
	s.notify(Invalidation{TournamentID: tournamentID, Reason: ReasonInvalidated, Promoted: promoted})
	return nil
}

// AttachReconstruction stores inferred matches for a standings-only
// tournament and records its reconstruction quality. Calling it again
// replaces the previous reconstruction. The content hash is unaffected.
func (s *Store) AttachReconstruction(ctx context.Context, tournamentID string, matches []model.Match, quality float64) error {
	unlockID := s.ids.Lock(tournamentID)
	defer unlockID()

	old, err := s.load(ctx, tournamentID)
	if err != nil {
		return err
	}

	unlockHash := s.hashes.LockAll(old.Entry.ContentHash)
	defer unlockHash()

	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, tournamentID)
		if err != nil {
			return err
		}
		rec.Reconstructed = stampMatches(matches, tournamentID)
		q := quality
		rec.Tournament.ReconstructionQuality = &q
		return writeRecord(txn, rec)
	})
	if err != nil {
		return s.writeErr(tournamentID, "attach_reconstruction", err)
	}
	return nil
}

// List returns every stored record in key order.
//
// Outputs:
//
//	error - ErrCorruptStore if any record cannot be decoded.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		return badgerstore.ScanPrefix(txn, []byte(tournamentPrefix), func(key, value []byte) error {
			rec, err := decodeRecord(key, value)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		r, err := readRecord(txn, id)
		rec = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) notify(inv Invalidation) {
	s.mu.RLock()
	listeners := append([]InvalidateFunc(nil), s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(inv)
	}
}

func (s *Store) writeErr(id, op string, err error) error {
	if errors.Is(err, ErrCorruptStore) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &CacheWriteError{TournamentID: id, Op: op, Err: err}
}

// removeRecord deletes a record and its index entry. When the record was
// a primary, the first remaining duplicate by id is promoted and the rest
// are repointed at it.
func removeRecord(txn *badger.Txn, id, hash string) (*Record, error) {
	rec, err := readRecord(txn, id)
	if err != nil {
		return nil, err
	}
	if err := txn.Delete(tournamentKey(id)); err != nil {
		return nil, err
	}
	if err := txn.Delete(hashKey(hash, id)); err != nil {
		return nil, err
	}
	if rec.Tournament.IsDuplicate() {
		return nil, nil
	}

	var others []string
	for _, key := range badgerstore.KeysWithPrefix(txn, hashScanPrefix(hash)) {
		other := strings.TrimPrefix(string(key), string(hashScanPrefix(hash)))
		if other != id {
			others = append(others, other)
		}
	}
	if len(others) == 0 {
		return nil, nil
	}

	var promoted *Record
	for i, other := range others {
		dup, err := readRecord(txn, other)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			dup.Tournament.DuplicateOf = ""
			promoted = dup
		} else {
			dup.Tournament.DuplicateOf = others[0]
		}
		if err := writeRecord(txn, dup); err != nil {
			return nil, err
		}
	}
	return promoted, nil
}

// findPrimary returns the primary identity indexed under hash, ignoring
// exclude, or "" if none.
func findPrimary(txn *badger.Txn, hash, exclude string) (string, error) {
	prefix := hashScanPrefix(hash)
	first := ""
	primary := ""
	err := badgerstore.ScanPrefix(txn, prefix, func(key, value []byte) error {
		id := strings.TrimPrefix(string(key), string(prefix))
		if id == exclude {
			return nil
		}
		if first == "" {
			first = id
		}
		if primary == "" && string(value) == primaryMarker {
			primary = id
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if primary == "" {
		return first, nil
	}
	return primary, nil
}

func readRecord(txn *badger.Txn, id string) (*Record, error) {
	key := tournamentKey(id)
	data, err := badgerstore.GetValue(txn, key)
	if errors.Is(err, badgerstore.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(key, data)
}

func decodeRecord(key, data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, corrupt(key, err)
	}
	if rec.Entry.TournamentID == "" || rec.Entry.ContentHash == "" {
		return nil, corrupt(key, errors.New("missing cache entry"))
	}
	return &rec, nil
}

func writeRecord(txn *badger.Txn, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	id := rec.Entry.TournamentID
	if err := txn.Set(tournamentKey(id), data); err != nil {
		return err
	}
	marker := primaryMarker
	if rec.Tournament.IsDuplicate() {
		marker = rec.Tournament.DuplicateOf
	}
	return txn.Set(hashKey(rec.Entry.ContentHash, id), []byte(marker))
}

func tournamentKey(id string) []byte {
	return []byte(tournamentPrefix + id)
}

func hashKey(hash, id string) []byte {
	return []byte(hashPrefix + hash + "/" + id)
}

func hashScanPrefix(hash string) []byte {
	return []byte(hashPrefix + hash + "/")
}

func stampDecks(decks []model.Deck, id string) []model.Deck {
	out := make([]model.Deck, len(decks))
	for i, d := range decks {
		d.TournamentID = id
		out[i] = d
	}
	return out
}

func stampMatches(matches []model.Match, id string) []model.Match {
	if len(matches) == 0 {
		return nil
	}
	out := make([]model.Match, len(matches))
	for i, m := range matches {
		m.TournamentID = id
		out[i] = m
	}
	return out
}
