// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryClient is an in-process Client used by tests and local mode.
//
// Semantics mirror the remote store: single-tag writes are atomic (one
// mutex), run snapshots are copies, and tag writes on terminated runs are
// rejected unless the key is back-fillable.
//
// Thread Safety: safe for concurrent use.
type MemoryClient struct {
	mu   sync.Mutex
	runs map[string]*Run

	// experiments tracks known experiment IDs. CreateRun registers the
	// experiment implicitly, matching local-mode usage.
	experiments map[string]bool
}

// NewMemoryClient creates an empty in-memory tracking store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		runs:        make(map[string]*Run),
		experiments: make(map[string]bool),
	}
}

var _ Client = (*MemoryClient)(nil)

// CreateRun opens a new run. The run ID is a dashless UUID, matching the
// remote store's format.
func (m *MemoryClient) CreateRun(ctx context.Context, experimentID, parentID, name string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if parentID != "" {
		if _, ok := m.runs[parentID]; !ok {
			return nil, fmt.Errorf("create run %q: parent %s: %w", name, parentID, ErrRunNotFound)
		}
	}

	r := &Run{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		ExperimentID: experimentID,
		ParentID:     parentID,
		Name:         name,
		Status:       StatusRunning,
		StartTime:    time.Now().UTC(),
		Tags:         make(map[string]string),
		Metrics:      make(map[string]float64),
	}
	m.runs[r.ID] = r
	m.experiments[experimentID] = true
	return copyRun(r), nil
}

// GetRun returns a snapshot of the run.
func (m *MemoryClient) GetRun(ctx context.Context, runID string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	return copyRun(r), nil
}

// SetTag writes one tag atomically. Repeating the same write is a no-op.
func (m *MemoryClient) SetTag(ctx context.Context, runID, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("set tag %s on run %s: %w", key, runID, ErrRunNotFound)
	}
	if r.Status.Terminal() && !Backfillable(key) {
		return fmt.Errorf("set tag %s on run %s: %w", key, runID, ErrRunTerminated)
	}
	r.Tags[key] = value
	return nil
}

// GetTag reads one tag.
func (m *MemoryClient) GetTag(ctx context.Context, runID, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return "", false, fmt.Errorf("get tag %s on run %s: %w", key, runID, ErrRunNotFound)
	}
	v, present := r.Tags[key]
	return v, present, nil
}

// LogMetric records the latest value for a metric key.
func (m *MemoryClient) LogMetric(ctx context.Context, runID, key string, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("log metric %s on run %s: %w", key, runID, ErrRunNotFound)
	}
	if r.Status.Terminal() {
		return fmt.Errorf("log metric %s on run %s: %w", key, runID, ErrRunTerminated)
	}
	r.Metrics[key] = value
	return nil
}

// SearchRuns returns runs in the experiment matching every filter pair.
// Results are ordered by start time, then run ID, so callers see a stable
// order.
func (m *MemoryClient) SearchRuns(ctx context.Context, experimentID string, filter TagFilter) ([]*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Run
	for _, r := range m.runs {
		if r.ExperimentID != experimentID {
			continue
		}
		if matchesFilter(r, filter) {
			out = append(out, copyRun(r))
		}
	}
	sortRuns(out)
	return out, nil
}

// SetTerminated closes the run.
func (m *MemoryClient) SetTerminated(ctx context.Context, runID string, status RunStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("set terminated on run %s: %q is not a terminal status", runID, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("set terminated on run %s: %w", runID, ErrRunNotFound)
	}
	if !r.Status.Terminal() {
		r.Status = status
		r.EndTime = time.Now().UTC()
	}
	return nil
}

func matchesFilter(r *Run, filter TagFilter) bool {
	for k, want := range filter {
		if got, ok := r.Tags[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func copyRun(r *Run) *Run {
	cp := *r
	cp.Tags = make(map[string]string, len(r.Tags))
	for k, v := range r.Tags {
		cp.Tags[k] = v
	}
	cp.Metrics = make(map[string]float64, len(r.Metrics))
	for k, v := range r.Metrics {
		cp.Metrics[k] = v
	}
	return &cp
}

func sortRuns(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool { return runLess(runs[i], runs[j]) })
}

func runLess(a, b *Run) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}
