// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the typed experiment configuration consumed by the
// sweep engine: data, evaluation, training-recipe, and search-space subsets,
// plus the tracking/backup/study settings of one sweep invocation.
//
// The fingerprinting layer depends on these structs being explicit: every
// semantically relevant field is a named, typed field here, so the
// normalization step in services/sweep/fingerprint is exhaustive rather than
// runtime-guessed. Fields that do not affect results (worker counts, cache
// locations, log cadence) are documented as non-semantic and are skipped by
// fingerprinting.
package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Search Space
// =============================================================================

// ParamKind identifies the value domain of one search-space parameter.
type ParamKind string

const (
	// ParamInt is an integer range parameter.
	ParamInt ParamKind = "int"

	// ParamFloat is a continuous range parameter.
	ParamFloat ParamKind = "float"

	// ParamCategorical is a choice among a fixed set of string values.
	ParamCategorical ParamKind = "categorical"

	// ParamBool is a true/false parameter.
	ParamBool ParamKind = "bool"
)

// ParamSpec describes one tunable hyperparameter.
type ParamSpec struct {
	// Name is the hyperparameter name. Required, unique within a space.
	Name string `yaml:"name" validate:"required"`

	// Kind is the value domain. Required.
	Kind ParamKind `yaml:"kind" validate:"required,oneof=int float categorical bool"`

	// Low is the inclusive lower bound for int/float parameters.
	Low float64 `yaml:"low"`

	// High is the inclusive upper bound for int/float parameters.
	High float64 `yaml:"high"`

	// Step is an optional discretization step for int/float parameters.
	Step float64 `yaml:"step,omitempty"`

	// LogScale samples int/float parameters on a log scale.
	LogScale bool `yaml:"log_scale,omitempty"`

	// Choices is the value set for categorical parameters.
	Choices []string `yaml:"choices,omitempty"`
}

// SearchSpace is the set of hyperparameters one study explores.
type SearchSpace struct {
	// Params lists the tunable parameters. Order is not semantic; the
	// fingerprinting layer sorts by name.
	Params []ParamSpec `yaml:"params" validate:"required,min=1,dive"`
}

// Param returns the spec for the named parameter, or nil if absent.
func (s *SearchSpace) Param(name string) *ParamSpec {
	for i := range s.Params {
		if s.Params[i].Name == name {
			return &s.Params[i]
		}
	}
	return nil
}

// =============================================================================
// Data / Evaluation / Training subsets
// =============================================================================

// DataConfig identifies the dataset a study trains and evaluates on.
//
// Semantic fields (fingerprinted): DatasetName, DatasetVersion, TrainSplit,
// ValidationSplit, TestSplit, MaxSamples, TextColumn, LabelColumn, Seed.
// Non-semantic fields (skipped): CacheDir, NumWorkers.
type DataConfig struct {
	// DatasetName is the logical dataset identifier.
	DatasetName string `yaml:"dataset_name"`

	// DatasetVersion pins a dataset revision. Empty means latest.
	DatasetVersion string `yaml:"dataset_version,omitempty"`

	// TrainSplit / ValidationSplit / TestSplit name the split slices.
	TrainSplit      string `yaml:"train_split,omitempty"`
	ValidationSplit string `yaml:"validation_split,omitempty"`
	TestSplit       string `yaml:"test_split,omitempty"`

	// MaxSamples caps the number of training samples. 0 means no cap.
	MaxSamples int `yaml:"max_samples,omitempty" validate:"gte=0"`

	// TextColumn and LabelColumn select the input and target columns.
	TextColumn  string `yaml:"text_column,omitempty"`
	LabelColumn string `yaml:"label_column,omitempty"`

	// Seed is the shuffling seed. Semantic: it changes the realized split.
	Seed int64 `yaml:"seed,omitempty"`

	// CacheDir is where downloaded data is cached. Non-semantic.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// NumWorkers is the dataloader parallelism. Non-semantic.
	NumWorkers int `yaml:"num_workers,omitempty" validate:"gte=0"`
}

// IsZero reports whether no semantic data field is set.
func (c *DataConfig) IsZero() bool {
	if c == nil {
		return true
	}
	return c.DatasetName == "" && c.DatasetVersion == "" &&
		c.TrainSplit == "" && c.ValidationSplit == "" && c.TestSplit == "" &&
		c.MaxSamples == 0 && c.TextColumn == "" && c.LabelColumn == "" &&
		c.Seed == 0
}

// EvalConfig describes how trials are scored.
//
// Semantic fields (fingerprinted): Metrics, PrimaryMetric, CVFolds,
// HoldoutFraction. Non-semantic: BatchSize.
type EvalConfig struct {
	// Metrics lists every metric computed per trial.
	Metrics []string `yaml:"metrics,omitempty"`

	// PrimaryMetric names the metric used for early stopping and selection.
	PrimaryMetric string `yaml:"primary_metric,omitempty"`

	// CVFolds enables k-fold cross validation when > 1.
	CVFolds int `yaml:"cv_folds,omitempty" validate:"gte=0"`

	// HoldoutFraction is the validation holdout size when CVFolds <= 1.
	HoldoutFraction float64 `yaml:"holdout_fraction,omitempty" validate:"gte=0,lte=1"`

	// BatchSize is the evaluation batch size. Non-semantic.
	BatchSize int `yaml:"batch_size,omitempty" validate:"gte=0"`
}

// IsZero reports whether no semantic eval field is set.
func (c *EvalConfig) IsZero() bool {
	if c == nil {
		return true
	}
	return len(c.Metrics) == 0 && c.PrimaryMetric == "" &&
		c.CVFolds == 0 && c.HoldoutFraction == 0
}

// TrainConfig is the training recipe shared by trials and refits.
//
// Semantic fields (fingerprinted): MaxEpochs, EarlyStoppingPatience,
// Precision, GradAccumSteps, Scheduler, WarmupRatio, WeightDecay, Seed.
// Non-semantic: CheckpointEveryN, LogEveryN.
type TrainConfig struct {
	// MaxEpochs bounds the training loop.
	MaxEpochs int `yaml:"max_epochs,omitempty" validate:"gte=0"`

	// EarlyStoppingPatience stops after N epochs without improvement.
	EarlyStoppingPatience int `yaml:"early_stopping_patience,omitempty" validate:"gte=0"`

	// Precision is the numeric precision ("fp32", "fp16", "bf16").
	Precision string `yaml:"precision,omitempty" validate:"omitempty,oneof=fp32 fp16 bf16"`

	// GradAccumSteps is the gradient accumulation factor.
	GradAccumSteps int `yaml:"grad_accum_steps,omitempty" validate:"gte=0"`

	// Scheduler names the learning-rate schedule.
	Scheduler string `yaml:"scheduler,omitempty"`

	// WarmupRatio is the scheduler warmup fraction.
	WarmupRatio float64 `yaml:"warmup_ratio,omitempty" validate:"gte=0,lte=1"`

	// WeightDecay is the optimizer weight decay.
	WeightDecay float64 `yaml:"weight_decay,omitempty" validate:"gte=0"`

	// Seed is the training seed.
	Seed int64 `yaml:"seed,omitempty"`

	// CheckpointEveryN saves a checkpoint every N steps. Non-semantic.
	CheckpointEveryN int `yaml:"checkpoint_every_n,omitempty" validate:"gte=0"`

	// LogEveryN logs every N steps. Non-semantic.
	LogEveryN int `yaml:"log_every_n,omitempty" validate:"gte=0"`
}

// IsZero reports whether no semantic training field is set.
func (c *TrainConfig) IsZero() bool {
	if c == nil {
		return true
	}
	return c.MaxEpochs == 0 && c.EarlyStoppingPatience == 0 &&
		c.Precision == "" && c.GradAccumSteps == 0 && c.Scheduler == "" &&
		c.WarmupRatio == 0 && c.WeightDecay == 0 && c.Seed == 0
}

// =============================================================================
// Sweep-level settings
// =============================================================================

// BackboneConfig identifies one base model being tuned.
type BackboneConfig struct {
	// Name is the backbone identifier (e.g. "distilbert-base-uncased").
	Name string `yaml:"name" validate:"required"`

	// Revision pins a model revision. Empty means default.
	Revision string `yaml:"revision,omitempty"`
}

// ObjectiveConfig declares the selection objective for champions.
type ObjectiveConfig struct {
	// Metric is the objective metric name (e.g. "val_f1").
	Metric string `yaml:"metric" validate:"required"`

	// Direction is "minimize" or "maximize".
	Direction string `yaml:"direction" validate:"required,oneof=minimize maximize"`
}

// TrackingConfig selects and configures the tracking backend.
type TrackingConfig struct {
	// Mode is "memory" for the in-process store or "rest" for a remote
	// tracking server.
	Mode string `yaml:"mode" validate:"required,oneof=memory rest"`

	// BaseURL is the tracking server address. Required in rest mode.
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	// ExperimentID scopes all runs of this sweep.
	ExperimentID string `yaml:"experiment_id" validate:"required"`

	// RateLimitRPS throttles REST calls. 0 disables throttling.
	RateLimitRPS float64 `yaml:"rate_limit_rps,omitempty" validate:"gte=0"`

	// TimeoutSec is the per-request timeout in rest mode.
	TimeoutSec int `yaml:"timeout_sec,omitempty" validate:"gte=0"`
}

// BackupConfig selects and configures durable study-state backup.
type BackupConfig struct {
	// Provider is "none", "local", or "gcs".
	Provider string `yaml:"provider" validate:"required,oneof=none local gcs"`

	// Bucket and Prefix locate backups in gcs mode.
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`

	// CredentialsFile is the service account key path for gcs mode.
	CredentialsFile string `yaml:"credentials_file,omitempty"`

	// Dir is the mirror directory in local mode.
	Dir string `yaml:"dir,omitempty"`
}

// StudyConfig configures local study-state storage and resumption.
type StudyConfig struct {
	// BaseDir is the root directory for on-disk study records.
	BaseDir string `yaml:"base_dir" validate:"required"`

	// RunMode is "force_new", "reuse_if_exists", or "resume_if_incomplete".
	RunMode string `yaml:"run_mode" validate:"required,oneof=force_new reuse_if_exists resume_if_incomplete"`

	// CheckpointEnabled turns incremental backup of study state on.
	CheckpointEnabled bool `yaml:"checkpoint_enabled,omitempty"`
}

// ExperimentConfig is the top-level configuration for one sweep invocation.
type ExperimentConfig struct {
	// Name is the human-readable experiment name.
	Name string `yaml:"name" validate:"required"`

	// Backbones lists the base models to tune. At least one.
	Backbones []BackboneConfig `yaml:"backbones" validate:"required,min=1,dive"`

	// Trials is the number of trials per backbone.
	Trials int `yaml:"trials" validate:"required,gt=0"`

	Data      DataConfig      `yaml:"data"`
	Eval      EvalConfig      `yaml:"eval"`
	Train     TrainConfig     `yaml:"train"`
	Search    SearchSpace     `yaml:"search_space"`
	Objective ObjectiveConfig `yaml:"objective"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Backup    BackupConfig    `yaml:"backup"`
	Study     StudyConfig     `yaml:"study"`
}

// =============================================================================
// Validation
// =============================================================================

// configValidate is the validator instance for experiment configs.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Validate checks the config against its declared constraints.
//
// # Outputs
//
//   - error: Non-nil with the offending field path on the first violation.
func (c *ExperimentConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config field %s failed %q validation: %w", f.Namespace(), f.Tag(), err)
		}
		return fmt.Errorf("config validation: %w", err)
	}
	for _, p := range c.Search.Params {
		if err := validateParam(p); err != nil {
			return err
		}
	}
	if c.Backup.Provider == "gcs" && c.Backup.Bucket == "" {
		return fmt.Errorf("config field Backup.Bucket is required when provider is gcs")
	}
	if c.Backup.Provider == "local" && c.Backup.Dir == "" {
		return fmt.Errorf("config field Backup.Dir is required when provider is local")
	}
	if c.Tracking.Mode == "rest" && c.Tracking.BaseURL == "" {
		return fmt.Errorf("config field Tracking.BaseURL is required when mode is rest")
	}
	return nil
}

// validateParam enforces the per-kind constraints validator tags can't express.
func validateParam(p ParamSpec) error {
	switch p.Kind {
	case ParamInt, ParamFloat:
		if p.High < p.Low {
			return fmt.Errorf("search param %q: high (%v) < low (%v)", p.Name, p.High, p.Low)
		}
		if p.LogScale && p.Low <= 0 {
			return fmt.Errorf("search param %q: log scale requires low > 0", p.Name)
		}
	case ParamCategorical:
		if len(p.Choices) == 0 {
			return fmt.Errorf("search param %q: categorical requires choices", p.Name)
		}
	case ParamBool:
		// no bounds
	}
	return nil
}
