// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweep

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinderml/sweepforge/services/sweep/config"
	"github.com/cinderml/sweepforge/services/sweep/fingerprint"
	"github.com/cinderml/sweepforge/services/sweep/identity"
	"github.com/cinderml/sweepforge/services/sweep/linkage"
	"github.com/cinderml/sweepforge/services/sweep/study"
	"github.com/cinderml/sweepforge/services/sweep/tracking"
)

const expID = "exp-1"

func testConfig(t *testing.T, trials int) *config.ExperimentConfig {
	t.Helper()
	return &config.ExperimentConfig{
		Name:      "sentiment-sweep",
		Backbones: []config.BackboneConfig{{Name: "distilbert-base-uncased"}},
		Trials:    trials,
		Data: config.DataConfig{
			DatasetName: "imdb",
			TrainSplit:  "train",
			Seed:        17,
		},
		Eval: config.EvalConfig{
			Metrics:       []string{"val_loss"},
			PrimaryMetric: "val_loss",
		},
		Train: config.TrainConfig{
			MaxEpochs: 3,
		},
		Search: config.SearchSpace{Params: []config.ParamSpec{
			{Name: "lr", Kind: config.ParamFloat, Low: 1e-5, High: 1e-2, LogScale: true},
			{Name: "batch", Kind: config.ParamInt, Low: 8, High: 64, Step: 8},
		}},
		Objective: config.ObjectiveConfig{Metric: "val_loss", Direction: "minimize"},
		Study: config.StudyConfig{
			BaseDir: t.TempDir(),
			RunMode: "reuse_if_exists",
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.ExperimentConfig) (*Engine, *tracking.MemoryClient) {
	t.Helper()
	client := tracking.NewMemoryClient()
	builder := identity.NewBuilder(fingerprint.NewEngine(nil))
	ctrl, err := study.NewController(cfg.Study.BaseDir, nil, nil)
	require.NoError(t, err)
	eng, err := NewEngine(EngineOptions{
		Config:     cfg,
		Client:     client,
		Builder:    builder,
		Controller: ctrl,
	})
	require.NoError(t, err)
	return eng, client
}

func constantObjective(value float64) ObjectiveFunc {
	return func(ctx context.Context, trial Trial) (float64, error) {
		return value, nil
	}
}

func TestRunSweep_RunsAllTrials(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 3)
	eng, client := newTestEngine(t, cfg)

	res, err := eng.RunSweep(ctx, expID, cfg.Backbones[0], constantObjective(0.5))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Completed)
	assert.Zero(t, res.Failed)
	assert.NotEmpty(t, res.ParentRunID)
	assert.False(t, res.StudyKeyHash.IsZero())

	// Parent run carries the authoritative identity tags.
	hash, ok, err := client.GetTag(ctx, res.ParentRunID, tracking.TagStudyKeyHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.StudyKeyHash.Value, hash)
	schema, ok, err := client.GetTag(ctx, res.ParentRunID, tracking.TagSchemaVersion)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", schema)

	// Each trial is a finished child run with its identity tags.
	trials, err := client.SearchRuns(ctx, expID, tracking.TagFilter{
		tracking.TagStage: tracking.StageTrial,
	})
	require.NoError(t, err)
	require.Len(t, trials, 3)
	for _, run := range trials {
		assert.Equal(t, res.ParentRunID, run.ParentID)
		assert.Equal(t, tracking.StatusFinished, run.Status)
		assert.Equal(t, 0.5, run.Metrics["val_loss"])
		_, ok := run.Tag(tracking.TagTrialKeyHash)
		assert.True(t, ok)
	}
}

func TestRunSweep_SecondInvocationReusesParentRun(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 1)
	eng, client := newTestEngine(t, cfg)

	first, err := eng.RunSweep(ctx, expID, cfg.Backbones[0], constantObjective(0.5))
	require.NoError(t, err)

	// New run mode so the completed study does not abort the sweep.
	cfg.Study.RunMode = "force_new"
	second, err := eng.RunSweep(ctx, expID, cfg.Backbones[0], constantObjective(0.4))
	require.NoError(t, err)

	assert.Equal(t, first.ParentRunID, second.ParentRunID)
	assert.True(t, first.StudyKeyHash.Equal(second.StudyKeyHash))

	parents, err := client.SearchRuns(ctx, expID, tracking.TagFilter{
		tracking.TagStage: tracking.StageSweep,
	})
	require.NoError(t, err)
	assert.Len(t, parents, 1, "second invocation must not create a second parent run")
}

func TestRunSweep_ResumeSkipsCompletedTrials(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 4)
	eng, _ := newTestEngine(t, cfg)

	calls := 0
	failing := func(ctx context.Context, trial Trial) (float64, error) {
		calls++
		if trial.Number >= 2 {
			return 0, errors.New("gpu fell off the bus")
		}
		return 0.5, nil
	}
	res, err := eng.RunSweep(ctx, expID, cfg.Backbones[0], failing)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 4, calls)

	// Rerun: completed trials 0 and 1 are skipped, failed ones retried.
	calls = 0
	cfg.Study.RunMode = "resume_if_incomplete"
	res, err = eng.RunSweep(ctx, expID, cfg.Backbones[0], constantObjective(0.3))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 2, calls, "only the failed trials rerun")
}

func TestRunSweep_TrialFailureDoesNotAbortSweep(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 3)
	eng, client := newTestEngine(t, cfg)

	objective := func(ctx context.Context, trial Trial) (float64, error) {
		if trial.Number == 1 {
			return 0, errors.New("loss diverged")
		}
		return 0.5, nil
	}
	res, err := eng.RunSweep(ctx, expID, cfg.Backbones[0], objective)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Failed)

	trials, err := client.SearchRuns(ctx, expID, tracking.TagFilter{
		tracking.TagStage: tracking.StageTrial,
	})
	require.NoError(t, err)
	failed := 0
	for _, run := range trials {
		if run.Status == tracking.StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRunRefit_LinksAndMarksArtifact(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 1)
	eng, client := newTestEngine(t, cfg)

	res, err := eng.RunSweep(ctx, expID, cfg.Backbones[0], constantObjective(0.5))
	require.NoError(t, err)

	trials, err := client.SearchRuns(ctx, expID, tracking.TagFilter{
		tracking.TagStage: tracking.StageTrial,
	})
	require.NoError(t, err)
	require.Len(t, trials, 1)
	trialRun := trials[0]

	refitID, err := eng.RunRefit(ctx, expID, trialRun.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, refitID)

	refit, err := client.GetRun(ctx, refitID)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFinished, refit.Status)

	stage, _ := refit.Tag(tracking.TagStage)
	assert.Equal(t, tracking.StageRefit, stage)
	avail, _ := refit.Tag(tracking.TagArtifactAvailable)
	assert.Equal(t, tracking.ArtifactAvailableTrue, avail)
	fp, ok := refit.Tag(tracking.TagRefitProtocolFP)
	require.True(t, ok)
	assert.Len(t, fp, 64)
	studyTag, _ := refit.Tag(tracking.TagStudyKeyHash)
	assert.Equal(t, res.StudyKeyHash.Value, studyTag)

	// The linkage layer resolves the refit from the trial.
	reg := linkage.NewRegistry(client, nil)
	resolved, err := reg.ResolveRefitForTrial(ctx, expID, trialRun.ID)
	require.NoError(t, err)
	assert.Equal(t, refitID, resolved)
}

func TestRunRefit_NoArtifactWhenCallbackSaysSo(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 1)
	eng, client := newTestEngine(t, cfg)

	_, err := eng.RunSweep(ctx, expID, cfg.Backbones[0], constantObjective(0.5))
	require.NoError(t, err)
	trials, err := client.SearchRuns(ctx, expID, tracking.TagFilter{
		tracking.TagStage: tracking.StageTrial,
	})
	require.NoError(t, err)

	refitID, err := eng.RunRefit(ctx, expID, trials[0].ID, func(ctx context.Context, trial Trial) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)

	refit, err := client.GetRun(ctx, refitID)
	require.NoError(t, err)
	_, ok := refit.Tag(tracking.TagArtifactAvailable)
	assert.False(t, ok, "no artifact tag when the refit produced nothing")
}

func TestRunRefit_CallbackFailureTerminatesRunFailed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 1)
	eng, client := newTestEngine(t, cfg)

	_, err := eng.RunSweep(ctx, expID, cfg.Backbones[0], constantObjective(0.5))
	require.NoError(t, err)
	trials, err := client.SearchRuns(ctx, expID, tracking.TagFilter{
		tracking.TagStage: tracking.StageTrial,
	})
	require.NoError(t, err)

	_, err = eng.RunRefit(ctx, expID, trials[0].ID, func(ctx context.Context, trial Trial) (bool, error) {
		return false, errors.New("out of disk")
	})
	require.Error(t, err)

	refits, err := client.SearchRuns(ctx, expID, tracking.TagFilter{
		tracking.TagStage: tracking.StageRefit,
	})
	require.NoError(t, err)
	require.Len(t, refits, 1)
	assert.Equal(t, tracking.StatusFailed, refits[0].Status)
}
