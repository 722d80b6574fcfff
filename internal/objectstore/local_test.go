// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukleus/jobagent/internal/domain"
)

func TestLocalBackendRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "local", b.Type())

	ctx := t.Context()
	require.NoError(t, b.Put(ctx, "abcdef", strings.NewReader("payload"), 7))

	info, err := b.Stat(ctx, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	rc, err := b.Get(ctx, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, "payload", read(t, rc))

	require.NoError(t, b.Delete(ctx, "abcdef"))
	require.NoError(t, b.Delete(ctx, "abcdef"))

	_, err = b.Stat(ctx, "abcdef")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = b.Get(ctx, "abcdef")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalBackendRejectsBadKeys(t *testing.T) {
	t.Parallel()

	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", ".", "..", "a/b", `a\b`, ".upload-123"} {
		err := b.Put(t.Context(), key, strings.NewReader("x"), 1)
		require.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestLocalBackendListSkipsTempFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	b, err := NewLocalBackend(root)
	require.NoError(t, err)

	put(t, b, "item-a", "1")
	put(t, b, "item-b", "22")
	require.NoError(t, os.WriteFile(filepath.Join(root, ".upload-stale"), []byte("x"), 0o600))

	var keys []string
	require.NoError(t, b.List(t.Context(), func(info ObjectInfo) error {
		keys = append(keys, info.Key)
		return nil
	}))
	assert.ElementsMatch(t, []string{"item-a", "item-b"}, keys)
}

func TestOpenBuildsRegistry(t *testing.T) {
	t.Parallel()

	reg, err := Open(context.Background(), []domain.StorageConfig{
		{ID: "disk", Type: "local", Path: t.TempDir(), VerifyCopies: true},
		{ID: "mem", Type: "memory"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	assert.Equal(t, []string{"disk", "mem"}, reg.ListBackends())

	require.NoError(t, reg.Upload(t.Context(), "k", strings.NewReader("v"), 1, "mem"))
	require.NoError(t, reg.Copy(t.Context(), "k", []string{"mem"}, "disk"))
	ok, err := reg.Exists(t.Context(), "disk", "k")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Open(context.Background(), []domain.StorageConfig{{ID: "x", Type: "ftp"}})
	require.Error(t, err)
}
