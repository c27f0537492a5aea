// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	}
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"meta.json":          `{"study_key_hash":"abc"}`,
		"trials/000001.json": `{"number":1}`,
		"trials/000002.json": `{"number":2}`,
	})

	require.NoError(t, store.Backup(ctx, "study-abc", src))

	dest := t.TempDir()
	found, err := store.Restore(ctx, "study-abc", dest)
	require.NoError(t, err)
	require.True(t, found)

	for rel, want := range map[string]string{
		"meta.json":          `{"study_key_hash":"abc"}`,
		"trials/000001.json": `{"number":1}`,
	} {
		got, err := os.ReadFile(filepath.Join(dest, rel))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestLocalStore_RestoreAbsentIsNotAnError(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	found, err := store.Restore(context.Background(), "never-backed-up", t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLocalStore_BackupIsRetrySafe(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	writeTree(t, src, map[string]string{"meta.json": "v1"})
	require.NoError(t, store.Backup(ctx, "k", src))

	// Content changes, backup again under the same key.
	writeTree(t, src, map[string]string{"meta.json": "v2"})
	require.NoError(t, store.Backup(ctx, "k", src))

	dest := t.TempDir()
	found, err := store.Restore(ctx, "k", dest)
	require.NoError(t, err)
	require.True(t, found)
	got, err := os.ReadFile(filepath.Join(dest, "meta.json"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got), "latest backup wins")
}

func TestLocalStore_CorruptedArchiveDetected(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)

	src := t.TempDir()
	writeTree(t, src, map[string]string{"meta.json": "x"})
	require.NoError(t, store.Backup(ctx, "k", src))

	// Flip bytes in the stored archive.
	archive := filepath.Join(root, "k.tar.gz")
	raw, err := os.ReadFile(archive)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(archive, raw, 0640))

	_, err = store.Restore(ctx, "k", t.TempDir())
	require.ErrorIs(t, err, ErrBackupCorrupted)
}

func TestExtractArchive_RejectsTraversal(t *testing.T) {
	// Hand-build an archive whose entry name climbs out of the
	// destination; the extractor must refuse it.
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	content := []byte("evil")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Typeflag: tar.TypeReg,
		Mode:     0640,
		Size:     int64(len(content)),
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())

	err = extractArchive(&buf, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}

func TestNopStore(t *testing.T) {
	ctx := context.Background()
	var s NopStore
	require.NoError(t, s.Backup(ctx, "k", "/nonexistent"))
	found, err := s.Restore(ctx, "k", t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
}
