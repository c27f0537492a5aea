// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup moves on-disk study state to and from durable storage.
//
// A backup is a tar.gz archive of the study directory plus a SHA-256 of the
// compressed stream. Restore verifies the hash before extracting: a
// corrupted archive is an error, never silently treated as "no backup".
// "No backup exists" is an ordinary outcome reported through the bool
// return, because a fresh study legitimately has nothing to restore.
package backup

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sentinel errors for backup transfer.
var (
	// ErrBackupCorrupted indicates the archive failed its integrity
	// check on restore.
	ErrBackupCorrupted = errors.New("backup corrupted: content hash mismatch")
)

var (
	backupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweepforge_study_backup_duration_seconds",
		Help:    "Time to back up study state",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})

	restoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweepforge_study_restore_duration_seconds",
		Help:    "Time to restore study state from backup",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})
)

// Store is the durable backup boundary consumed by the study resume
// controller.
type Store interface {
	// Backup archives localDir under the key, replacing any previous
	// backup for the key. Safe to retry.
	Backup(ctx context.Context, key, localDir string) error

	// Restore extracts the backup for the key into destDir. The bool is
	// false when no backup exists; an integrity failure returns
	// ErrBackupCorrupted.
	Restore(ctx context.Context, key, destDir string) (bool, error)
}

// NopStore is used when backup is disabled: backups vanish, restores find
// nothing.
type NopStore struct{}

func (NopStore) Backup(ctx context.Context, key, localDir string) error { return nil }

func (NopStore) Restore(ctx context.Context, key, destDir string) (bool, error) {
	return false, nil
}

var _ Store = NopStore{}

func observe(h *prometheus.HistogramVec, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	h.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
