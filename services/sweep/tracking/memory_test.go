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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()

	run, err := c.CreateRun(ctx, "exp-1", "", "sweep")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, StatusRunning, run.Status)

	got, err := c.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "exp-1", got.ExperimentID)
}

func TestMemoryClient_CreateWithUnknownParentFails(t *testing.T) {
	c := NewMemoryClient()
	_, err := c.CreateRun(context.Background(), "exp-1", "nope", "trial")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestMemoryClient_TagsAreAtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	run, err := c.CreateRun(ctx, "exp-1", "", "sweep")
	require.NoError(t, err)

	require.NoError(t, c.SetTag(ctx, run.ID, TagStudyKeyHash, "abc123"))
	require.NoError(t, c.SetTag(ctx, run.ID, TagStudyKeyHash, "abc123")) // retry-safe

	v, ok, err := c.GetTag(ctx, run.ID, TagStudyKeyHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123", v)

	_, ok, err = c.GetTag(ctx, run.ID, TagTrialKeyHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryClient_TerminatedRunRejectsNonBackfillableTags(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	run, err := c.CreateRun(ctx, "exp-1", "", "trial")
	require.NoError(t, err)
	require.NoError(t, c.SetTerminated(ctx, run.ID, StatusFinished))

	err = c.SetTag(ctx, run.ID, TagTrialNumber, "3")
	require.ErrorIs(t, err, ErrRunTerminated)

	// Linkage and study identity may be back-filled after termination.
	require.NoError(t, c.SetTag(ctx, run.ID, TagRefitOfTrialRunID, "other"))
	require.NoError(t, c.SetTag(ctx, run.ID, TagStudyKeyHash, "h"))
}

func TestMemoryClient_SearchRunsByTagFilter(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()

	mk := func(stage, backbone string) *Run {
		r, err := c.CreateRun(ctx, "exp-1", "", stage)
		require.NoError(t, err)
		require.NoError(t, c.SetTag(ctx, r.ID, TagStage, stage))
		require.NoError(t, c.SetTag(ctx, r.ID, TagBackbone, backbone))
		return r
	}
	trial := mk(StageTrial, "distilbert")
	mk(StageRefit, "distilbert")
	mk(StageTrial, "roberta")

	got, err := c.SearchRuns(ctx, "exp-1", TagFilter{
		TagStage:    StageTrial,
		TagBackbone: "distilbert",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, trial.ID, got[0].ID)

	// Different experiment sees nothing.
	got, err = c.SearchRuns(ctx, "exp-2", TagFilter{TagStage: StageTrial})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryClient_SnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	run, err := c.CreateRun(ctx, "exp-1", "", "sweep")
	require.NoError(t, err)

	snap, err := c.GetRun(ctx, run.ID)
	require.NoError(t, err)
	snap.Tags["mutated"] = "locally"

	again, err := c.GetRun(ctx, run.ID)
	require.NoError(t, err)
	_, ok := again.Tags["mutated"]
	assert.False(t, ok, "mutating a snapshot must not leak into the store")
}

func TestMemoryClient_MetricsAndTermination(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	run, err := c.CreateRun(ctx, "exp-1", "", "trial")
	require.NoError(t, err)

	require.NoError(t, c.LogMetric(ctx, run.ID, "val_f1", 0.91))
	require.NoError(t, c.LogMetric(ctx, run.ID, "val_f1", 0.93)) // latest wins

	require.Error(t, c.SetTerminated(ctx, run.ID, StatusRunning))
	require.NoError(t, c.SetTerminated(ctx, run.ID, StatusFinished))

	got, err := c.GetRun(ctx, run.ID)
	require.NoError(t, err)
	v, ok := got.Metric("val_f1")
	require.True(t, ok)
	assert.Equal(t, 0.93, v)
	assert.True(t, got.Status.Terminal())
	assert.False(t, got.EndTime.IsZero())

	require.ErrorIs(t, c.LogMetric(ctx, run.ID, "val_f1", 1.0), ErrRunTerminated)
}
