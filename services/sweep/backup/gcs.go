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
	"io"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// contentHashMetaKey is the object metadata key carrying the archive hash.
const contentHashMetaKey = "content_sha256"

// GCSStore keeps study backups as objects in a Google Cloud Storage bucket,
// one object per study key, with the archive hash in object metadata.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	// Bucket is the target bucket name. Required.
	Bucket string

	// Prefix is prepended to every object name, e.g. "sweeps/prod".
	Prefix string

	// CredentialsFile is a service account key path. Empty uses
	// application default credentials.
	CredentialsFile string
}

// NewGCSStore creates a GCS-backed backup store.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs backup bucket must not be empty")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

var _ Store = (*GCSStore)(nil)

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) objectName(key string) string {
	return path.Join(s.prefix, key+".tar.gz")
}

// Backup archives localDir and uploads it, replacing any previous object
// for the key. The archive is staged to a temp file first so the content
// hash is known before the upload starts.
func (s *GCSStore) Backup(ctx context.Context, key, localDir string) (err error) {
	start := time.Now()
	defer func() { observe(backupDuration, start, err) }()

	tmp, err := os.CreateTemp("", "sweepforge-backup-*.tar.gz")
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

	f, err := os.Open(tmpName)
	if err != nil {
		return fmt.Errorf("open staged archive: %w", err)
	}
	defer f.Close()

	obj := s.client.Bucket(s.bucket).Object(s.objectName(key))
	w := obj.NewWriter(ctx)
	w.ContentType = "application/gzip"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = map[string]string{contentHashMetaKey: hash}

	if _, err = io.Copy(w, f); err != nil {
		return fmt.Errorf("upload backup for %s to gs://%s/%s: %w", key, s.bucket, s.objectName(key), err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", key, err)
	}
	return nil
}

// Restore downloads, verifies, and extracts the backup for the key.
func (s *GCSStore) Restore(ctx context.Context, key, destDir string) (found bool, err error) {
	start := time.Now()
	defer func() { observe(restoreDuration, start, err) }()

	obj := s.client.Bucket(s.bucket).Object(s.objectName(key))
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat backup object for %s: %w", key, err)
	}
	want := attrs.Metadata[contentHashMetaKey]

	r, err := obj.NewReader(ctx)
	if err != nil {
		return false, fmt.Errorf("open backup object for %s: %w", key, err)
	}
	defer r.Close()

	// Stage the download so the hash is verified before anything is
	// extracted into destDir.
	tmp, err := os.CreateTemp("", "sweepforge-restore-*.tar.gz")
	if err != nil {
		return false, fmt.Errorf("create temp download: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = io.Copy(tmp, r); err != nil {
		tmp.Close()
		return false, fmt.Errorf("download backup for %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp download: %w", err)
	}

	if want != "" {
		got, hashErr := hashFile(tmpName)
		if hashErr != nil {
			return false, fmt.Errorf("hash downloaded backup for %s: %w", key, hashErr)
		}
		if got != want {
			return false, fmt.Errorf("backup %s: %w", key, ErrBackupCorrupted)
		}
	}

	f, err := os.Open(tmpName)
	if err != nil {
		return false, fmt.Errorf("open staged download: %w", err)
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
