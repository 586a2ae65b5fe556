// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_InsertAndReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "s1", 1, "text", []byte("hello")))
	require.NoError(t, store.Insert(ctx, "s1", 2, "text", []byte("world")))

	records, err := store.Replay(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Seq)
	assert.Equal(t, "hello", string(records[0].Payload))
	assert.Equal(t, int64(2), records[1].Seq)
}

func TestStore_ReplayFromMidpoint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Insert(ctx, "s1", i, "text", []byte("x")))
	}

	records, err := store.Replay(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(4), records[0].Seq)
	assert.Equal(t, int64(5), records[1].Seq)
}

func TestStore_CountAndMaxSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n, err := store.Count(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	maxSeq, err := store.MaxSeq(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxSeq)

	require.NoError(t, store.Insert(ctx, "s1", 1, "text", []byte("a")))
	require.NoError(t, store.Insert(ctx, "s1", 5, "text", []byte("b")))

	n, err = store.Count(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	maxSeq, err = store.MaxSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), maxSeq)
}

func TestStore_DeleteLEQ(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Insert(ctx, "s1", i, "text", []byte("x")))
	}

	deleted, err := store.DeleteLEQ(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	n, err := store.Count(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_CompactNoOpUnderMinimumKeep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Insert(ctx, "s1", i, "text", []byte("x")))
	}

	result, err := store.Compact(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.MessagesBefore)
	assert.Equal(t, int64(5), result.MessagesAfter)
	assert.Zero(t, result.Deleted)
}

func TestStore_CompactKeepsHalfWhenLarge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 40; i++ {
		require.NoError(t, store.Insert(ctx, "s1", i, "text", []byte("x")))
	}

	result, err := store.Compact(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), result.MessagesBefore)
	assert.Equal(t, int64(20), result.MessagesAfter)
	assert.Equal(t, int64(20), result.Deleted)

	watermark, err := store.Watermark(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), watermark)
}

func TestStore_CompactIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 40; i++ {
		require.NoError(t, store.Insert(ctx, "s1", i, "text", []byte("x")))
	}

	_, err := store.Compact(ctx, "s1")
	require.NoError(t, err)

	result, err := store.Compact(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, result.Deleted)
}

func TestStore_Prune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "s1", 1, "text", []byte("old")))

	deleted, err := store.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := store.Count(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
