// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	sweep "github.com/cinderml/sweepforge/services/sweep"
	"github.com/cinderml/sweepforge/services/sweep/backup"
	"github.com/cinderml/sweepforge/services/sweep/champion"
	"github.com/cinderml/sweepforge/services/sweep/config"
	"github.com/cinderml/sweepforge/services/sweep/fingerprint"
	"github.com/cinderml/sweepforge/services/sweep/identity"
	"github.com/cinderml/sweepforge/services/sweep/linkage"
	"github.com/cinderml/sweepforge/services/sweep/study"
	"github.com/cinderml/sweepforge/services/sweep/tracking"
)

var (
	resolveCmd = &cobra.Command{
		Use:   "resolve",
		Short: "Print the identity keys computed from the configuration",
		Long: `Computes the study key, study family key, and subset fingerprints
for every backbone in the configuration, without touching the tracking
service. Use this to confirm two configurations resolve to the same study.`,
		RunE: runResolve,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Run the configured number of trials per backbone",
		Long: `Resolves the study key hash, opens or resumes the on-disk study
record, and runs trials against the tracking service. Without a training
integration the objective is a deterministic placeholder; wire a real
ObjectiveFunc through the sweep package for actual tuning.`,
		RunE: runSweep,
	}

	linkTrialRunID string
	linkRefitRunID string
	linkCmd        = &cobra.Command{
		Use:   "link",
		Short: "Link a refit run to its trial run",
		RunE:  runLink,
	}

	championCmd = &cobra.Command{
		Use:   "champion",
		Short: "Select the champion configuration per backbone",
		RunE:  runChampion,
	}

	backupKeyHash string
	backupCmd     = &cobra.Command{
		Use:   "backup",
		Short: "Back up the local study record to durable storage",
		RunE:  runBackup,
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore the study record from durable storage",
		RunE:  runRestore,
	}
)

func init() {
	linkCmd.Flags().StringVar(&linkTrialRunID, "trial-run", "", "trial run ID (required)")
	linkCmd.Flags().StringVar(&linkRefitRunID, "refit-run", "", "refit run ID (required)")
	linkCmd.MarkFlagRequired("trial-run")
	linkCmd.MarkFlagRequired("refit-run")

	backupCmd.Flags().StringVar(&backupKeyHash, "study", "", "study key hash (default: computed per backbone)")
	restoreCmd.Flags().StringVar(&backupKeyHash, "study", "", "study key hash (default: computed per backbone)")
}

// =============================================================================
// Collaborator wiring
// =============================================================================

func newTrackingClient() (tracking.Client, error) {
	switch cfg.Tracking.Mode {
	case "rest":
		return tracking.NewRESTClient(tracking.RESTConfig{
			BaseURL:      cfg.Tracking.BaseURL,
			Timeout:      time.Duration(cfg.Tracking.TimeoutSec) * time.Second,
			RateLimitRPS: cfg.Tracking.RateLimitRPS,
		})
	default:
		return tracking.NewMemoryClient(), nil
	}
}

func newBackupStore(ctx context.Context) (backup.Store, error) {
	switch cfg.Backup.Provider {
	case "local":
		return backup.NewLocalStore(cfg.Backup.Dir)
	case "gcs":
		return backup.NewGCSStore(ctx, backup.GCSConfig{
			Bucket:          cfg.Backup.Bucket,
			Prefix:          cfg.Backup.Prefix,
			CredentialsFile: cfg.Backup.CredentialsFile,
		})
	default:
		return backup.NopStore{}, nil
	}
}

func newBuilder() *identity.Builder {
	return identity.NewBuilder(fingerprint.NewEngine(logger.Slog()))
}

func newEngine(ctx context.Context) (*sweep.Engine, tracking.Client, error) {
	client, err := newTrackingClient()
	if err != nil {
		return nil, nil, err
	}
	store, err := newBackupStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	controller, err := study.NewController(cfg.Study.BaseDir, store, logger.Slog())
	if err != nil {
		return nil, nil, err
	}
	eng, err := sweep.NewEngine(sweep.EngineOptions{
		Config:     cfg,
		Client:     client,
		Builder:    newBuilder(),
		Controller: controller,
		Logger:     logger.Slog(),
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, client, nil
}

// =============================================================================
// Commands
// =============================================================================

func runResolve(cmd *cobra.Command, args []string) error {
	builder := newBuilder()
	for _, backbone := range cfg.Backbones {
		studyKey := builder.StudyKey(backbone.Name, &cfg.Search, &cfg.Data, &cfg.Eval, &cfg.Train)
		familyKey := builder.StudyFamilyKey(backbone.Name, &cfg.Search, &cfg.Data, &cfg.Train)
		fmt.Printf("backbone:          %s\n", backbone.Name)
		fmt.Printf("study_key_hash:    %s\n", studyKey.Hash())
		fmt.Printf("family_key_hash:   %s\n", familyKey.Hash())
		fmt.Printf("search_space_fp:   %s\n", studyKey.SearchSpaceFP)
		fmt.Printf("data_fp:           %s\n", studyKey.DataFP)
		fmt.Printf("eval_fp:           %s\n", studyKey.EvalFP)
		fmt.Printf("train_fp:          %s\n", studyKey.TrainFP)
		fmt.Printf("refit_protocol_fp: %s\n\n", builder.RefitProtocol(&cfg.Data, &cfg.Train))
	}
	return nil
}

// demoObjective stands in for a training integration: a smooth deterministic
// function of the suggested parameters, so sweeps are reproducible end to
// end without a GPU.
func demoObjective(ctx context.Context, trial sweep.Trial) (float64, error) {
	value := 1.0
	for _, v := range trial.Params {
		switch x := v.(type) {
		case float64:
			value += math.Abs(math.Log10(math.Max(x, 1e-12)))
		case int64:
			value += float64(x%7) * 0.01
		case bool:
			if x {
				value -= 0.005
			}
		}
	}
	return value, nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	eng, _, err := newEngine(ctx)
	if err != nil {
		return err
	}
	for _, backbone := range cfg.Backbones {
		res, err := eng.RunSweep(ctx, cfg.Tracking.ExperimentID, backbone, demoObjective)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", backbone.Name, err)
		}
		fmt.Printf("%s: study=%s generation=%d completed=%d failed=%d parent_run=%s\n",
			res.Backbone, res.StudyKeyHash, res.Generation, res.Completed, res.Failed, res.ParentRunID)
	}
	return nil
}

func runLink(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	client, err := newTrackingClient()
	if err != nil {
		return err
	}
	registry := linkage.NewRegistry(client, logger.Slog())
	if err := registry.LinkRefitToTrial(ctx, linkRefitRunID, linkTrialRunID); err != nil {
		return err
	}
	fmt.Printf("linked refit %s -> trial %s\n", linkRefitRunID, linkTrialRunID)
	return nil
}

func runChampion(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	client, err := newTrackingClient()
	if err != nil {
		return err
	}
	selector := champion.NewSelector(client, linkage.NewRegistry(client, logger.Slog()), logger.Slog())

	var backbones []string
	for _, b := range cfg.Backbones {
		backbones = append(backbones, b.Name)
	}
	champions, err := selector.SelectChampions(ctx, cfg.Tracking.ExperimentID,
		cfg.Objective.Metric, cfg.Objective.Direction, backbones)
	if err != nil {
		return err
	}
	for _, name := range backbones {
		ch := champions[name]
		fmt.Printf("%s: trial=%d %s=%.6f trial_run=%s artifact_run=%s\n",
			ch.Backbone, ch.TrialNumber, cfg.Objective.Metric, ch.MetricValue,
			ch.TrialRunID, ch.ArtifactRunID)
	}
	return nil
}

func studyHashes(backbones []config.BackboneConfig) []identity.KeyHash {
	if backupKeyHash != "" {
		return []identity.KeyHash{{Schema: identity.SchemaV2, Value: backupKeyHash}}
	}
	builder := newBuilder()
	var hashes []identity.KeyHash
	for _, b := range backbones {
		hashes = append(hashes, builder.StudyKey(b.Name, &cfg.Search, &cfg.Data, &cfg.Eval, &cfg.Train).Hash())
	}
	return hashes
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	store, err := newBackupStore(ctx)
	if err != nil {
		return err
	}
	controller, err := study.NewController(cfg.Study.BaseDir, store, logger.Slog())
	if err != nil {
		return err
	}
	for _, hash := range studyHashes(cfg.Backbones) {
		rec, _, err := controller.Open(ctx, study.OpenRequest{
			Hash: hash,
			Mode: study.RunModeReuse,
		})
		if err != nil {
			return err
		}
		if err := rec.Close(); err != nil {
			return err
		}
		if err := controller.Backup(ctx, rec); err != nil {
			return err
		}
		fmt.Printf("backed up study %s\n", hash)
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	store, err := newBackupStore(ctx)
	if err != nil {
		return err
	}
	controller, err := study.NewController(cfg.Study.BaseDir, store, logger.Slog())
	if err != nil {
		return err
	}
	for _, hash := range studyHashes(cfg.Backbones) {
		rec, dec, err := controller.Open(ctx, study.OpenRequest{
			Hash:              hash,
			Mode:              study.RunModeReuse,
			CheckpointEnabled: true,
		})
		if err != nil {
			return err
		}
		rec.Close()
		fmt.Printf("study %s: %s (generation %d)\n", hash, dec.Path, dec.Generation)
	}
	return nil
}
