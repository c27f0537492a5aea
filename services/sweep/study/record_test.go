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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	meta := StudyMeta{
		StudyKeyHash:    "abcd1234deadbeef",
		Schema:          "v2",
		Backbone:        "resnet50",
		ObjectiveMetric: "val_loss",
		Direction:       "minimize",
		CreatedAt:       time.Now().UTC(),
		Generation:      1,
	}
	rec, err := createRecord(t.TempDir(), meta, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })
	return rec
}

func TestRecord_TrialsAreOrderedByNumber(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecord(t)

	for _, n := range []int{7, 0, 12, 3} {
		require.NoError(t, rec.SaveTrial(ctx, TrialEntry{Number: n, State: TrialComplete}))
	}

	trials, err := rec.Trials(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 4)
	var numbers []int
	for _, tr := range trials {
		numbers = append(numbers, tr.Number)
	}
	assert.Equal(t, []int{0, 3, 7, 12}, numbers)
}

func TestRecord_SaveTrialUpserts(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecord(t)

	require.NoError(t, rec.SaveTrial(ctx, TrialEntry{Number: 5, State: TrialRunning, RunID: "r"}))
	require.NoError(t, rec.SaveTrial(ctx, TrialEntry{Number: 5, State: TrialComplete, Value: 0.8, RunID: "r"}))

	entry, found, err := rec.Trial(ctx, 5)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, TrialComplete, entry.State)
	assert.Equal(t, 0.8, entry.Value)
}

func TestRecord_TrialAbsent(t *testing.T) {
	rec := newTestRecord(t)
	_, found, err := rec.Trial(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecord_SaveTrialRejectsNegativeNumber(t *testing.T) {
	rec := newTestRecord(t)
	err := rec.SaveTrial(context.Background(), TrialEntry{Number: -1})
	require.Error(t, err)
}

func TestRecord_MarkCompletedPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta := StudyMeta{StudyKeyHash: "abcd", Schema: "v2", Generation: 1}
	rec, err := createRecord(dir, meta, nil)
	require.NoError(t, err)
	require.NoError(t, rec.MarkCompleted(ctx))
	require.NoError(t, rec.Close())

	rec2, err := loadRecord(dir, nil)
	require.NoError(t, err)
	defer rec2.Close()
	assert.True(t, rec2.Meta().Completed)
}
