// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweep wires the identity, study, linkage, and champion layers
// into one sweep invocation: resolve the study key, open or resume the
// on-disk study, run trials against the tracking service, and refit the
// winner.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/cinderml/sweepforge/services/sweep/config"
	"github.com/cinderml/sweepforge/services/sweep/identity"
	"github.com/cinderml/sweepforge/services/sweep/linkage"
	"github.com/cinderml/sweepforge/services/sweep/search"
	"github.com/cinderml/sweepforge/services/sweep/study"
	"github.com/cinderml/sweepforge/services/sweep/tracking"
)

var engineTracer = otel.Tracer("sweep.engine")

var trialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sweepforge_trials_total",
	Help: "Trials executed by outcome",
}, []string{"outcome"})

// Trial is the view of one trial handed to the objective callback.
type Trial struct {
	Number int
	Params map[string]any

	// RunID is the tracked run the callback may log auxiliary metrics to.
	RunID string

	// Backbone is the model under tune.
	Backbone string
}

// ObjectiveFunc trains and evaluates one parameter assignment, returning
// the objective metric value. The engine owns run lifecycle and metric
// logging; the callback owns everything between.
type ObjectiveFunc func(ctx context.Context, trial Trial) (float64, error)

// RefitFunc retrains a trial's configuration on the full protocol. It runs
// under the refit run's ID and reports whether a servable artifact was
// produced.
type RefitFunc func(ctx context.Context, trial Trial) (artifactProduced bool, err error)

// SweepResult summarizes one backbone's sweep.
type SweepResult struct {
	Backbone     string
	StudyKeyHash identity.KeyHash
	ParentRunID  string
	Generation   int
	Completed    int
	Failed       int
}

// Engine runs sweeps for one experiment configuration.
type Engine struct {
	cfg        *config.ExperimentConfig
	client     tracking.Client
	resolver   *identity.Resolver
	builder    *identity.Builder
	controller *study.Controller
	registry   *linkage.Registry
	sampler    search.Sampler
	logger     *slog.Logger
}

// EngineOptions carries the collaborators an Engine is built from.
type EngineOptions struct {
	Config     *config.ExperimentConfig
	Client     tracking.Client
	Builder    *identity.Builder
	Controller *study.Controller

	// Sampler is the black-box optimizer. Nil selects a RandomSampler
	// per study.
	Sampler search.Sampler

	Logger *slog.Logger
}

// NewEngine validates collaborators and builds an engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("config must not be nil")
	}
	if opts.Client == nil {
		return nil, errors.New("tracking client must not be nil")
	}
	if opts.Builder == nil {
		return nil, errors.New("key builder must not be nil")
	}
	if opts.Controller == nil {
		return nil, errors.New("study controller must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        opts.Config,
		client:     opts.Client,
		resolver:   identity.NewResolver(opts.Client, opts.Builder, logger),
		builder:    opts.Builder,
		controller: opts.Controller,
		registry:   linkage.NewRegistry(opts.Client, logger),
		sampler:    opts.Sampler,
		logger:     logger,
	}, nil
}

// RunSweep executes the configured number of trials for one backbone.
//
// Description:
//
//	Resolves the study key hash through the precedence chain, locates or
//	creates the parent study run (tagging it so later processes resolve
//	from the tag), opens the on-disk study record per the run mode, and
//	loops trials. Trials already recorded complete in a resumed record
//	are skipped, re-deriving nothing.
func (e *Engine) RunSweep(ctx context.Context, experimentID string, backbone config.BackboneConfig, objective ObjectiveFunc) (*SweepResult, error) {
	ctx, span := engineTracer.Start(ctx, "engine.run_sweep")
	defer span.End()

	if objective == nil {
		return nil, errors.New("objective callback must not be nil")
	}

	parent, res, err := e.prepareParentRun(ctx, experimentID, backbone)
	if err != nil {
		return nil, err
	}
	hash := res.StudyKeyHash

	mode, err := study.ParseRunMode(e.cfg.Study.RunMode)
	if err != nil {
		return nil, err
	}
	rec, dec, err := e.controller.Open(ctx, study.OpenRequest{
		Hash:              hash,
		Mode:              mode,
		Backbone:          backbone.Name,
		ObjectiveMetric:   e.cfg.Objective.Metric,
		Direction:         e.cfg.Objective.Direction,
		CheckpointEnabled: e.cfg.Study.CheckpointEnabled,
	})
	if err != nil {
		return nil, err
	}
	defer rec.Close()

	e.logger.Info("sweep started",
		slog.String("backbone", backbone.Name),
		slog.String("study_key_hash", hash.String()),
		slog.String("key_source", string(res.Source)),
		slog.String("study_path", dec.Path),
		slog.Int("generation", dec.Generation))

	sampler := e.sampler
	if sampler == nil {
		sampler = search.NewRandomSampler(hash)
	}

	result := &SweepResult{
		Backbone:     backbone.Name,
		StudyKeyHash: hash,
		ParentRunID:  parent,
		Generation:   dec.Generation,
	}

	for number := 0; number < e.cfg.Trials; number++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		prior, found, err := rec.Trial(ctx, number)
		if err != nil {
			return result, err
		}
		if found && prior.State == study.TrialComplete {
			result.Completed++
			trialsTotal.WithLabelValues("skipped_resumed").Inc()
			continue
		}
		if err := e.runTrial(ctx, experimentID, parent, backbone.Name, hash, number, sampler, rec, objective, result); err != nil {
			return result, err
		}
	}

	// A sweep with failed trials is not complete; leaving the marker
	// unset lets resume_if_incomplete retry them next invocation.
	if result.Failed == 0 {
		if err := rec.MarkCompleted(ctx); err != nil {
			return result, fmt.Errorf("mark study completed: %w", err)
		}
	}
	if e.cfg.Study.CheckpointEnabled {
		if err := rec.Close(); err != nil {
			return result, fmt.Errorf("close study record: %w", err)
		}
		if err := e.controller.Backup(ctx, rec); err != nil {
			return result, err
		}
	}
	return result, nil
}

// prepareParentRun locates or creates the parent study run and returns its
// ID plus the resolved study key hash. An existing parent's tag is the
// source of truth; a created parent is tagged immediately so the next
// process resolves from the tag.
func (e *Engine) prepareParentRun(ctx context.Context, experimentID string, backbone config.BackboneConfig) (string, *identity.Resolution, error) {
	req := &identity.ResolveRequest{
		Backbone: backbone.Name,
		Search:   &e.cfg.Search,
		Data:     &e.cfg.Data,
		Eval:     &e.cfg.Eval,
		Train:    &e.cfg.Train,
	}
	res, err := e.resolver.ResolveStudyKeyHash(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("resolve study key for %s: %w", backbone.Name, err)
	}
	hash := res.StudyKeyHash

	existing, err := e.client.SearchRuns(ctx, experimentID, tracking.TagFilter{
		tracking.TagStage:        tracking.StageSweep,
		tracking.TagStudyKeyHash: hash.Value,
	})
	if err != nil {
		return "", nil, fmt.Errorf("search parent study run: %w", err)
	}
	if len(existing) > 0 {
		parent := existing[0]
		// Re-resolve with the parent known, so its tag wins over any
		// local drift.
		req.ParentRunID = parent.ID
		res, err = e.resolver.ResolveStudyKeyHash(ctx, req)
		if err != nil {
			return "", nil, fmt.Errorf("resolve study key from parent run %s: %w", parent.ID, err)
		}
		return parent.ID, res, nil
	}

	familyHash := e.builder.StudyFamilyKey(backbone.Name, &e.cfg.Search, &e.cfg.Data, &e.cfg.Train).Hash()
	run, err := e.client.CreateRun(ctx, experimentID, "", fmt.Sprintf("sweep-%s-%s", backbone.Name, hash.Value))
	if err != nil {
		return "", nil, fmt.Errorf("create parent study run: %w", err)
	}
	for key, value := range map[string]string{
		tracking.TagStage:              tracking.StageSweep,
		tracking.TagStudyKeyHash:       hash.Value,
		tracking.TagStudyFamilyKeyHash: familyHash.Value,
		tracking.TagSchemaVersion:      string(hash.Schema),
		tracking.TagBackbone:           backbone.Name,
	} {
		if err := e.client.SetTag(ctx, run.ID, key, value); err != nil {
			return "", nil, fmt.Errorf("tag parent study run %s: %w", run.ID, err)
		}
	}
	return run.ID, res, nil
}

func (e *Engine) runTrial(
	ctx context.Context,
	experimentID, parentRunID, backbone string,
	studyHash identity.KeyHash,
	number int,
	sampler search.Sampler,
	rec *study.Record,
	objective ObjectiveFunc,
	result *SweepResult,
) error {
	ctx, span := engineTracer.Start(ctx, "engine.run_trial")
	defer span.End()

	params, err := sampler.Suggest(number, &e.cfg.Search)
	if err != nil {
		return fmt.Errorf("suggest trial %d: %w", number, err)
	}
	trialHash := e.builder.TrialKey(studyHash, number, params).Hash()

	run, err := e.client.CreateRun(ctx, experimentID, parentRunID, fmt.Sprintf("trial-%04d", number))
	if err != nil {
		return fmt.Errorf("create trial run %d: %w", number, err)
	}
	for key, value := range map[string]string{
		tracking.TagStage:         tracking.StageTrial,
		tracking.TagStudyKeyHash:  studyHash.Value,
		tracking.TagTrialKeyHash:  trialHash.Value,
		tracking.TagSchemaVersion: string(studyHash.Schema),
		tracking.TagBackbone:      backbone,
		tracking.TagTrialNumber:   strconv.Itoa(number),
	} {
		if err := e.client.SetTag(ctx, run.ID, key, value); err != nil {
			return fmt.Errorf("tag trial run %s: %w", run.ID, err)
		}
	}

	entry := study.TrialEntry{
		Number:    number,
		Params:    params,
		State:     study.TrialRunning,
		RunID:     run.ID,
		StartedAt: run.StartTime,
	}
	if err := rec.SaveTrial(ctx, entry); err != nil {
		return err
	}

	value, objErr := objective(ctx, Trial{Number: number, Params: params, RunID: run.ID, Backbone: backbone})
	if objErr != nil {
		entry.State = study.TrialFailed
		if err := rec.SaveTrial(ctx, entry); err != nil {
			return err
		}
		if err := e.client.SetTerminated(ctx, run.ID, tracking.StatusFailed); err != nil {
			return fmt.Errorf("terminate failed trial run %s: %w", run.ID, err)
		}
		e.logger.Warn("trial failed",
			slog.Int("trial_number", number),
			slog.String("run_id", run.ID),
			slog.String("error", objErr.Error()))
		result.Failed++
		trialsTotal.WithLabelValues("failed").Inc()
		return nil
	}

	if err := e.client.LogMetric(ctx, run.ID, e.cfg.Objective.Metric, value); err != nil {
		return fmt.Errorf("log objective for trial run %s: %w", run.ID, err)
	}
	entry.State = study.TrialComplete
	entry.Value = value
	if err := rec.SaveTrial(ctx, entry); err != nil {
		return err
	}
	if err := e.client.SetTerminated(ctx, run.ID, tracking.StatusFinished); err != nil {
		return fmt.Errorf("terminate trial run %s: %w", run.ID, err)
	}
	result.Completed++
	trialsTotal.WithLabelValues("completed").Inc()
	return nil
}

// RunRefit retrains a finished trial's configuration on the full protocol
// under a new refit run, links it to the trial, and marks artifact
// availability.
//
// The refit run inherits the trial's identity tags and carries the refit
// protocol fingerprint, so a later process can verify the refit used the
// same data and training recipe.
func (e *Engine) RunRefit(ctx context.Context, experimentID, trialRunID string, refit RefitFunc) (string, error) {
	ctx, span := engineTracer.Start(ctx, "engine.run_refit")
	defer span.End()

	trial, err := e.client.GetRun(ctx, trialRunID)
	if err != nil {
		return "", fmt.Errorf("load trial run %s: %w", trialRunID, err)
	}
	backbone, _ := trial.Tag(tracking.TagBackbone)
	trialHash, _ := trial.Tag(tracking.TagTrialKeyHash)
	studyHash, _ := trial.Tag(tracking.TagStudyKeyHash)
	schema, ok := trial.Tag(tracking.TagSchemaVersion)
	if !ok {
		schema = string(identity.SchemaV2)
	}
	numberTag, _ := trial.Tag(tracking.TagTrialNumber)
	number, _ := strconv.Atoi(numberTag)

	protocolFP := e.builder.RefitProtocol(&e.cfg.Data, &e.cfg.Train)

	run, err := e.client.CreateRun(ctx, experimentID, trial.ParentID, fmt.Sprintf("refit-trial-%04d", number))
	if err != nil {
		return "", fmt.Errorf("create refit run: %w", err)
	}
	tags := map[string]string{
		tracking.TagStage:           tracking.StageRefit,
		tracking.TagBackbone:        backbone,
		tracking.TagStudyKeyHash:    studyHash,
		tracking.TagTrialKeyHash:    trialHash,
		tracking.TagSchemaVersion:   schema,
		tracking.TagRefitProtocolFP: protocolFP,
	}
	for key, value := range tags {
		if value == "" {
			continue
		}
		if err := e.client.SetTag(ctx, run.ID, key, value); err != nil {
			return "", fmt.Errorf("tag refit run %s: %w", run.ID, err)
		}
	}
	if err := e.registry.LinkRefitToTrial(ctx, run.ID, trialRunID); err != nil {
		return "", err
	}

	artifact := true
	if refit != nil {
		trialView := Trial{Number: number, RunID: run.ID, Backbone: backbone}
		artifact, err = refit(ctx, trialView)
		if err != nil {
			if termErr := e.client.SetTerminated(ctx, run.ID, tracking.StatusFailed); termErr != nil {
				e.logger.Error("terminate failed refit run",
					slog.String("run_id", run.ID),
					slog.String("error", termErr.Error()))
			}
			return "", fmt.Errorf("refit trial run %s: %w", trialRunID, err)
		}
	}
	if artifact {
		if err := e.client.SetTag(ctx, run.ID, tracking.TagArtifactAvailable, tracking.ArtifactAvailableTrue); err != nil {
			return "", fmt.Errorf("mark refit artifact available: %w", err)
		}
	}
	if err := e.client.SetTerminated(ctx, run.ID, tracking.StatusFinished); err != nil {
		return "", fmt.Errorf("terminate refit run %s: %w", run.ID, err)
	}

	e.logger.Info("refit completed",
		slog.String("trial_run_id", trialRunID),
		slog.String("refit_run_id", run.ID),
		slog.Bool("artifact_available", artifact))
	return run.ID, nil
}
