// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cinderml/sweepforge/services/sweep/backup"
	"github.com/cinderml/sweepforge/services/sweep/identity"
)

// RunMode declares how an invocation treats existing local study state.
type RunMode string

const (
	// RunModeForceNew always creates a fresh generation. Existing state
	// is neither read nor deleted.
	RunModeForceNew RunMode = "force_new"

	// RunModeReuse loads existing state, restoring from backup when the
	// local copy is absent.
	RunModeReuse RunMode = "reuse_if_exists"

	// RunModeResume is RunModeReuse, except a completed study routes to
	// a fresh generation.
	RunModeResume RunMode = "resume_if_incomplete"
)

// ParseRunMode converts a config run-mode string.
func ParseRunMode(s string) (RunMode, error) {
	switch m := RunMode(s); m {
	case RunModeForceNew, RunModeReuse, RunModeResume:
		return m, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", s)
	}
}

// Sentinel errors for study state handling.
var (
	// ErrStorageCorrupted indicates local study state exists but failed
	// to load. Discarding trial history silently is a data-loss event,
	// so this is always surfaced to the operator.
	ErrStorageCorrupted = errors.New("study storage corrupted")
)

var studyOpensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sweepforge_study_opens_total",
	Help: "Study record opens by outcome path",
}, []string{"path"})

// Decision describes how a study record was obtained.
type Decision struct {
	// Path is "fresh", "loaded", or "restored".
	Path string

	// Generation is the generation number of the opened record.
	Generation int

	// LoadIfExists is the value to pass to the optimizer collaborator's
	// create-or-load call. False only under force_new.
	LoadIfExists bool
}

// OpenRequest carries the identity and objective of the study to open.
// The meta fields seed a fresh record; a loaded record keeps its own.
type OpenRequest struct {
	Hash            identity.KeyHash
	Mode            RunMode
	Backbone        string
	ObjectiveMetric string
	Direction       string

	// CheckpointEnabled gates the restore-from-backup attempt.
	CheckpointEnabled bool
}

// Controller decides, per invocation, whether to reuse, resume, or
// recreate the on-disk study record for a study key hash.
type Controller struct {
	root   string
	store  backup.Store
	logger *slog.Logger
}

// NewController creates a resume controller rooted at baseDir. A nil store
// disables backup and restore.
func NewController(baseDir string, store backup.Store, logger *slog.Logger) (*Controller, error) {
	if baseDir == "" {
		return nil, errors.New("study base directory must not be empty")
	}
	if store == nil {
		store = backup.NopStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{root: baseDir, store: store, logger: logger}, nil
}

// storageKey names a study on disk and in the backup store.
func storageKey(hash identity.KeyHash) string {
	return string(hash.Schema) + "-" + hash.Value
}

func (c *Controller) studyDir(hash identity.KeyHash) string {
	return filepath.Join(c.root, "studies", storageKey(hash))
}

func genDir(studyDir string, gen int) string {
	return filepath.Join(studyDir, fmt.Sprintf("gen-%06d", gen))
}

// listGenerations returns the existing generation numbers, ascending. A
// missing study directory is an empty list; any other failure to read it
// is corruption, not an invitation to recreate.
func listGenerations(studyDir string) ([]int, error) {
	entries, err := os.ReadDir(studyDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list generations in %s: %v", ErrStorageCorrupted, studyDir, err)
	}
	var gens []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(e.Name(), "gen-%06d", &n); err != nil || n < 1 {
			continue
		}
		gens = append(gens, n)
	}
	sort.Ints(gens)
	return gens, nil
}

// Open resolves the run mode against local state and returns an open
// record.
//
// Description:
//
//	force_new allocates the next generation without reading prior ones.
//	reuse_if_exists loads the latest generation; when none exists it
//	tries a backup restore before creating gen 1. resume_if_incomplete
//	behaves as reuse, but a completion marker on the loaded record
//	routes to a fresh generation.
//
// Outputs:
//
//	*Record - Open record. Caller must Close it.
//	Decision - How the record was obtained, for logging and for the
//	optimizer collaborator's load_if_exists flag.
//	error - ErrStorageCorrupted (wrapped) when existing state cannot be
//	loaded. Never silently recreates over unreadable state.
func (c *Controller) Open(ctx context.Context, req OpenRequest) (*Record, Decision, error) {
	if req.Hash.IsZero() {
		return nil, Decision{}, errors.New("study key hash must not be zero")
	}
	dir := c.studyDir(req.Hash)
	gens, err := listGenerations(dir)
	if err != nil {
		return nil, Decision{}, err
	}

	loadIfExists := req.Mode != RunModeForceNew

	if req.Mode == RunModeForceNew {
		next := 1
		if len(gens) > 0 {
			next = gens[len(gens)-1] + 1
		}
		return c.createFresh(req, dir, next, loadIfExists)
	}

	if len(gens) > 0 {
		latest := gens[len(gens)-1]
		rec, err := c.loadExisting(req, dir, latest)
		if err != nil {
			return nil, Decision{}, err
		}
		if req.Mode == RunModeResume && rec.Meta().Completed {
			c.logger.Info("study already completed, starting fresh generation",
				slog.String("study_key_hash", req.Hash.String()),
				slog.Int("completed_generation", latest))
			if err := rec.Close(); err != nil {
				return nil, Decision{}, fmt.Errorf("close completed study record: %w", err)
			}
			return c.createFresh(req, dir, latest+1, loadIfExists)
		}
		studyOpensTotal.WithLabelValues("loaded").Inc()
		return rec, Decision{Path: "loaded", Generation: latest, LoadIfExists: loadIfExists}, nil
	}

	if req.CheckpointEnabled {
		found, err := c.store.Restore(ctx, storageKey(req.Hash), genDir(dir, 1))
		if err != nil {
			return nil, Decision{}, fmt.Errorf("restore study %s: %w", storageKey(req.Hash), err)
		}
		if found {
			rec, err := c.loadExisting(req, dir, 1)
			if err != nil {
				return nil, Decision{}, err
			}
			c.logger.Info("study state restored from backup",
				slog.String("study_key_hash", req.Hash.String()))
			studyOpensTotal.WithLabelValues("restored").Inc()
			return rec, Decision{Path: "restored", Generation: 1, LoadIfExists: loadIfExists}, nil
		}
	}

	return c.createFresh(req, dir, 1, loadIfExists)
}

func (c *Controller) createFresh(req OpenRequest, dir string, gen int, loadIfExists bool) (*Record, Decision, error) {
	meta := StudyMeta{
		StudyKeyHash:    req.Hash.Value,
		Schema:          string(req.Hash.Schema),
		Backbone:        req.Backbone,
		ObjectiveMetric: req.ObjectiveMetric,
		Direction:       req.Direction,
		CreatedAt:       time.Now().UTC(),
		Generation:      gen,
	}
	rec, err := createRecord(genDir(dir, gen), meta, c.logger)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("create study generation %d: %w", gen, err)
	}
	c.logger.Info("study record created",
		slog.String("study_key_hash", req.Hash.String()),
		slog.Int("generation", gen))
	studyOpensTotal.WithLabelValues("fresh").Inc()
	return rec, Decision{Path: "fresh", Generation: gen, LoadIfExists: loadIfExists}, nil
}

func (c *Controller) loadExisting(req OpenRequest, dir string, gen int) (*Record, error) {
	rec, err := loadRecord(genDir(dir, gen), c.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: load study generation %d: %v", ErrStorageCorrupted, gen, err)
	}
	meta := rec.Meta()
	if meta.StudyKeyHash != req.Hash.Value || meta.Schema != string(req.Hash.Schema) {
		rec.Close()
		return nil, fmt.Errorf("%w: record at %s identifies as %s-%s, want %s",
			ErrStorageCorrupted, genDir(dir, gen), meta.Schema, meta.StudyKeyHash, storageKey(req.Hash))
	}
	return rec, nil
}

// Backup archives a closed record's directory through the backup store.
// The record must be closed first so the archive sees a quiescent
// database directory.
func (c *Controller) Backup(ctx context.Context, rec *Record) error {
	if !rec.Closed() {
		return errors.New("study record must be closed before backup")
	}
	meta := rec.Meta()
	key := meta.Schema + "-" + meta.StudyKeyHash
	if err := c.store.Backup(ctx, key, rec.Dir()); err != nil {
		return fmt.Errorf("back up study %s: %w", key, err)
	}
	c.logger.Info("study state backed up",
		slog.String("study_key_hash", meta.StudyKeyHash),
		slog.Int("generation", meta.Generation))
	return nil
}
