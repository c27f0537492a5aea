// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracking is the client boundary to the experiment-tracking
// service: run creation, tag reads/writes, metric logging, and tag-filtered
// run search within an experiment.
//
// The engine treats the tracking store as the only cross-process source of
// truth for run identity. The store provides atomic single-tag writes and no
// cross-run transactions; callers must never assume two runs' tags can be
// updated together.
//
// Two implementations ship here: MemoryClient (hermetic, in-process, used by
// tests and local mode) and RESTClient (MLflow-compatible HTTP API).
package tracking

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for tracking operations.
var (
	// ErrRunNotFound indicates the run ID is unknown to the store.
	ErrRunNotFound = errors.New("run not found")

	// ErrExperimentNotFound indicates the experiment ID is unknown.
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrRunTerminated indicates a tag write was attempted on a terminated
	// run for a key that may not be back-filled.
	ErrRunTerminated = errors.New("run is terminated")
)

// RunStatus is the lifecycle state of a tracked run.
type RunStatus string

const (
	StatusRunning  RunStatus = "RUNNING"
	StatusFinished RunStatus = "FINISHED"
	StatusFailed   RunStatus = "FAILED"
	StatusKilled   RunStatus = "KILLED"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusKilled
}

// Run is one tracked run. Tags carry identity; a curated subset of tag keys
// (see tags.go) is authoritative for study/trial/refit linkage.
type Run struct {
	// ID is the unique run identifier assigned by the store.
	ID string

	// ExperimentID scopes the run.
	ExperimentID string

	// ParentID is the controlling run, empty for top-level runs.
	ParentID string

	// Name is the human-readable run name.
	Name string

	// Status is the lifecycle state.
	Status RunStatus

	// StartTime and EndTime bound the run's life. EndTime is zero while
	// the run is open.
	StartTime time.Time
	EndTime   time.Time

	// Tags is the open-ended tag-key to string-value mapping.
	Tags map[string]string

	// Metrics holds the latest logged value per metric key.
	Metrics map[string]float64
}

// Tag returns the tag value and whether it is present.
func (r *Run) Tag(key string) (string, bool) {
	v, ok := r.Tags[key]
	return v, ok
}

// Metric returns the latest metric value and whether one was logged.
func (r *Run) Metric(key string) (float64, bool) {
	v, ok := r.Metrics[key]
	return v, ok
}

// TagFilter is an equality filter over tags; all pairs must match.
type TagFilter map[string]string

// Client is the tracking-service boundary consumed by the identity,
// linkage, and champion layers.
//
// All methods are blocking I/O against the store. Implementations must make
// SetTag atomic per (run, key) and must be safe for concurrent use.
type Client interface {
	// CreateRun opens a new run under the experiment. parentID may be
	// empty. The returned run carries the store-assigned ID.
	CreateRun(ctx context.Context, experimentID, parentID, name string) (*Run, error)

	// GetRun fetches a run snapshot by ID.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// SetTag writes one tag. Writing the same value twice is a no-op at
	// the store level; retries are safe.
	SetTag(ctx context.Context, runID, key, value string) error

	// GetTag reads one tag. The bool reports presence.
	GetTag(ctx context.Context, runID, key string) (string, bool, error)

	// LogMetric records a metric observation for the run.
	LogMetric(ctx context.Context, runID, key string, value float64) error

	// SearchRuns returns runs in the experiment whose tags match every
	// pair in the filter.
	SearchRuns(ctx context.Context, experimentID string, filter TagFilter) ([]*Run, error)

	// SetTerminated closes the run with the given terminal status.
	SetTerminated(ctx context.Context, runID string, status RunStatus) error
}
