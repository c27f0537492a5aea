// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package champion

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinderml/sweepforge/services/sweep/linkage"
	"github.com/cinderml/sweepforge/services/sweep/tracking"
)

const expID = "exp-1"

type fixture struct {
	client   *tracking.MemoryClient
	selector *Selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := tracking.NewMemoryClient()
	return &fixture{
		client:   client,
		selector: NewSelector(client, linkage.NewRegistry(client, nil), nil),
	}
}

// addTrial creates a finished trial run with a logged objective value.
func (f *fixture) addTrial(t *testing.T, backbone string, number int, metric string, value float64) string {
	t.Helper()
	ctx := context.Background()
	run, err := f.client.CreateRun(ctx, expID, "", fmt.Sprintf("%s-trial-%d", backbone, number))
	require.NoError(t, err)
	require.NoError(t, f.client.SetTag(ctx, run.ID, tracking.TagStage, tracking.StageTrial))
	require.NoError(t, f.client.SetTag(ctx, run.ID, tracking.TagBackbone, backbone))
	require.NoError(t, f.client.SetTag(ctx, run.ID, tracking.TagTrialNumber, fmt.Sprintf("%d", number)))
	require.NoError(t, f.client.LogMetric(ctx, run.ID, metric, value))
	require.NoError(t, f.client.SetTerminated(ctx, run.ID, tracking.StatusFinished))
	return run.ID
}

// addRefit creates a refit run explicitly linked to the trial.
func (f *fixture) addRefit(t *testing.T, trialRunID string) string {
	t.Helper()
	ctx := context.Background()
	run, err := f.client.CreateRun(ctx, expID, "", "refit")
	require.NoError(t, err)
	require.NoError(t, f.client.SetTag(ctx, run.ID, tracking.TagStage, tracking.StageRefit))
	reg := linkage.NewRegistry(f.client, nil)
	require.NoError(t, reg.LinkRefitToTrial(ctx, run.ID, trialRunID))
	return run.ID
}

func TestSelectChampion_MinimizePicksLowest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.addTrial(t, "resnet50", 0, "val_loss", 0.50)
	best := f.addTrial(t, "resnet50", 1, "val_loss", 0.31)
	f.addTrial(t, "resnet50", 2, "val_loss", 0.44)
	refit := f.addRefit(t, best)

	ch, err := f.selector.SelectChampion(ctx, expID, "resnet50", "val_loss", DirectionMinimize)
	require.NoError(t, err)
	assert.Equal(t, best, ch.TrialRunID)
	assert.Equal(t, 1, ch.TrialNumber)
	assert.Equal(t, 0.31, ch.MetricValue)
	assert.Equal(t, refit, ch.RefitRunID)
	assert.Equal(t, refit, ch.ArtifactRunID)
}

func TestSelectChampion_MaximizePicksHighest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.addTrial(t, "bert", 0, "f1", 0.81)
	best := f.addTrial(t, "bert", 1, "f1", 0.93)
	f.addRefit(t, best)

	ch, err := f.selector.SelectChampion(ctx, expID, "bert", "f1", DirectionMaximize)
	require.NoError(t, err)
	assert.Equal(t, best, ch.TrialRunID)
}

func TestSelectChampion_TieBreaksToLowestTrialNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.addTrial(t, "resnet50", 4, "val_loss", 0.25)
	winner := f.addTrial(t, "resnet50", 2, "val_loss", 0.25)
	f.addRefit(t, winner)

	ch, err := f.selector.SelectChampion(ctx, expID, "resnet50", "val_loss", DirectionMinimize)
	require.NoError(t, err)
	assert.Equal(t, winner, ch.TrialRunID)
	assert.Equal(t, 2, ch.TrialNumber)
}

func TestSelectChampion_MissingRefitIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.addTrial(t, "resnet50", 0, "val_loss", 0.5)

	_, err := f.selector.SelectChampion(ctx, expID, "resnet50", "val_loss", DirectionMinimize)
	require.ErrorIs(t, err, linkage.ErrLinkageNotFound,
		"a champion without a refit run must fail, never fall back to the trial checkpoint")
}

func TestSelectChampion_IgnoresUnfinishedAndMetriclessRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Running trial with a better value must not win.
	running, err := f.client.CreateRun(ctx, expID, "", "running")
	require.NoError(t, err)
	require.NoError(t, f.client.SetTag(ctx, running.ID, tracking.TagStage, tracking.StageTrial))
	require.NoError(t, f.client.SetTag(ctx, running.ID, tracking.TagBackbone, "resnet50"))
	require.NoError(t, f.client.LogMetric(ctx, running.ID, "val_loss", 0.01))

	// Finished trial that never logged the metric.
	silent, err := f.client.CreateRun(ctx, expID, "", "silent")
	require.NoError(t, err)
	require.NoError(t, f.client.SetTag(ctx, silent.ID, tracking.TagStage, tracking.StageTrial))
	require.NoError(t, f.client.SetTag(ctx, silent.ID, tracking.TagBackbone, "resnet50"))
	require.NoError(t, f.client.SetTerminated(ctx, silent.ID, tracking.StatusFinished))

	winner := f.addTrial(t, "resnet50", 0, "val_loss", 0.40)
	f.addRefit(t, winner)

	ch, err := f.selector.SelectChampion(ctx, expID, "resnet50", "val_loss", DirectionMinimize)
	require.NoError(t, err)
	assert.Equal(t, winner, ch.TrialRunID)
}

func TestSelectChampion_NoCandidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.selector.SelectChampion(context.Background(), expID, "ghost", "val_loss", DirectionMinimize)
	require.ErrorIs(t, err, ErrNoCandidates)
}

func TestSelectChampion_RejectsUnknownDirection(t *testing.T) {
	f := newFixture(t)
	_, err := f.selector.SelectChampion(context.Background(), expID, "resnet50", "val_loss", "sideways")
	require.Error(t, err)
}

func TestSelectChampions_OneBackbonePerEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bestA := f.addTrial(t, "resnet50", 0, "val_loss", 0.3)
	f.addTrial(t, "resnet50", 1, "val_loss", 0.6)
	f.addRefit(t, bestA)

	bestB := f.addTrial(t, "bert", 0, "val_loss", 0.2)
	f.addRefit(t, bestB)

	out, err := f.selector.SelectChampions(ctx, expID, "val_loss", DirectionMinimize, []string{"resnet50", "bert"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, bestA, out["resnet50"].TrialRunID)
	assert.Equal(t, bestB, out["bert"].TrialRunID)
}

func TestSelectChampions_OneFailureFailsTheSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	best := f.addTrial(t, "resnet50", 0, "val_loss", 0.3)
	f.addRefit(t, best)
	f.addTrial(t, "bert", 0, "val_loss", 0.2) // no refit

	_, err := f.selector.SelectChampions(ctx, expID, "val_loss", DirectionMinimize, []string{"resnet50", "bert"})
	require.ErrorIs(t, err, linkage.ErrLinkageNotFound)
}
