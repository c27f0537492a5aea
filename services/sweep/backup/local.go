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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore keeps backups in a directory tree. Used for tests and
// single-machine deployments where "durable" means a different disk.
type LocalStore struct {
	root string
}

// NewLocalStore creates a directory-backed store rooted at root.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("backup root must not be empty")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create backup root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

var _ Store = (*LocalStore)(nil)

func (s *LocalStore) archivePath(key string) string {
	return filepath.Join(s.root, key+".tar.gz")
}

func (s *LocalStore) hashPath(key string) string {
	return filepath.Join(s.root, key+".sha256")
}

// Backup archives localDir under the key. The archive is written to a temp
// file and renamed, so a crashed backup never leaves a half-written archive
// under the key.
func (s *LocalStore) Backup(ctx context.Context, key, localDir string) (err error) {
	start := time.Now()
	defer func() { observe(backupDuration, start, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, key+".partial-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash, err := writeArchive(localDir, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write backup archive for %s: %w", key, err)
	}

	if err = os.WriteFile(s.hashPath(key), []byte(hash+"\n"), 0640); err != nil {
		return fmt.Errorf("write backup hash for %s: %w", key, err)
	}
	if err = os.Rename(tmpName, s.archivePath(key)); err != nil {
		return fmt.Errorf("publish backup archive for %s: %w", key, err)
	}
	return nil
}

// Restore verifies and extracts the backup for the key into destDir.
func (s *LocalStore) Restore(ctx context.Context, key, destDir string) (found bool, err error) {
	start := time.Now()
	defer func() { observe(restoreDuration, start, err) }()

	if err = ctx.Err(); err != nil {
		return false, err
	}

	archive := s.archivePath(key)
	if _, statErr := os.Stat(archive); os.IsNotExist(statErr) {
		return false, nil
	}

	wantRaw, err := os.ReadFile(s.hashPath(key))
	if err != nil {
		return false, fmt.Errorf("read backup hash for %s: %w", key, err)
	}
	want := strings.TrimSpace(string(wantRaw))

	got, err := hashFile(archive)
	if err != nil {
		return false, fmt.Errorf("hash backup archive for %s: %w", key, err)
	}
	if got != want {
		return false, fmt.Errorf("backup %s: %w", key, ErrBackupCorrupted)
	}

	f, err := os.Open(archive)
	if err != nil {
		return false, fmt.Errorf("open backup archive for %s: %w", key, err)
	}
	defer f.Close()

	if err = os.MkdirAll(destDir, 0750); err != nil {
		return false, fmt.Errorf("create restore destination %s: %w", destDir, err)
	}
	if err = extractArchive(f, destDir); err != nil {
		return false, fmt.Errorf("extract backup %s: %w", key, err)
	}
	return true, nil
}
