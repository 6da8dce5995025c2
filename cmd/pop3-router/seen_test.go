// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSeenStore(t *testing.T) *sqliteSeenStore {
	t.Helper()
	store, err := OpenSeenStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSeenStore(t *testing.T) {
	store := openTestSeenStore(t)
	ctx := t.Context()

	seen, err := store.Seen(ctx, "pop3:a@host", "uid-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.MarkSeen(ctx, "pop3:a@host", "uid-1"))
	require.NoError(t, store.MarkSeen(ctx, "pop3:a@host", "uid-1"))

	seen, err = store.Seen(ctx, "pop3:a@host", "uid-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "pop3:b@host", "uid-1")
	require.NoError(t, err)
	assert.False(t, seen, "records are scoped to their source")
}

func TestSeenStoreForget(t *testing.T) {
	store := openTestSeenStore(t)
	ctx := t.Context()

	for _, uid := range []string{"uid-1", "uid-2", "uid-3"} {
		require.NoError(t, store.MarkSeen(ctx, "src", uid))
	}
	require.NoError(t, store.MarkSeen(ctx, "other", "uid-1"))

	require.NoError(t, store.Forget(ctx, "src", []string{"uid-2", "uid-4"}))

	for uid, want := range map[string]bool{"uid-1": false, "uid-2": true, "uid-3": false} {
		seen, err := store.Seen(ctx, "src", uid)
		require.NoError(t, err)
		assert.Equal(t, want, seen, uid)
	}

	seen, err := store.Seen(ctx, "other", "uid-1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, store.Forget(ctx, "src", nil))
	seen, err = store.Seen(ctx, "src", "uid-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSeenStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenSeenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.MarkSeen(t.Context(), "src", "uid-1"))
	require.NoError(t, store.Close())

	store, err = OpenSeenStore(path)
	require.NoError(t, err)
	defer store.Close()
	seen, err := store.Seen(t.Context(), "src", "uid-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
