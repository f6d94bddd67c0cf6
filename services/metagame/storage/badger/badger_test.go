// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_InMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())
	assert.NoError(t, db.Sync())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_PersistentReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Update(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("t/melee/1"), []byte("v1"))
	}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	var got []byte
	require.NoError(t, db.View(context.Background(), func(txn *badger.Txn) error {
		var err error
		got, err = GetValue(txn, []byte("t/melee/1"))
		return err
	}))
	assert.Equal(t, "v1", string(got))
}

func TestScanPrefix(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"h/abc/x", "t/a/2", "t/a/1", "t/b/1"} {
			if err := txn.Set([]byte(k), []byte("val-"+k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []string
	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		return ScanPrefix(txn, []byte("t/a/"), func(key, value []byte) error {
			keys = append(keys, string(key))
			assert.Equal(t, "val-"+string(key), string(value))
			return nil
		})
	}))
	assert.Equal(t, []string{"t/a/1", "t/a/2"}, keys)

	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		assert.Len(t, KeysWithPrefix(txn, []byte("t/")), 3)
		return nil
	}))
}

func TestScanPrefix_StopsOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		require.NoError(t, txn.Set([]byte("p/1"), []byte("a")))
		return txn.Set([]byte("p/2"), []byte("b"))
	}))

	stop := errors.New("stop")
	calls := 0
	err = db.View(ctx, func(txn *badger.Txn) error {
		return ScanPrefix(txn, []byte("p/"), func(_, _ []byte) error {
			calls++
			return stop
		})
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	fail := errors.New("fail")
	err = db.Update(ctx, func(txn *badger.Txn) error {
		require.NoError(t, txn.Set([]byte("k"), []byte("v")))
		return fail
	})
	assert.ErrorIs(t, err, fail)

	err = db.View(ctx, func(txn *badger.Txn) error {
		_, err := GetValue(txn, []byte("k"))
		return err
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUpdate_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, db.Update(ctx, func(*badger.Txn) error { return nil }), context.Canceled)
	assert.ErrorIs(t, db.View(ctx, func(*badger.Txn) error { return nil }), context.Canceled)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(badger.ErrConflict))
	assert.False(t, IsConflict(errors.New("other")))
}
