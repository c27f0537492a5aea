// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding field is unset.
const (
	DefaultRunMode      = "reuse_if_exists"
	DefaultTrackingMode = "memory"
	DefaultStudyBaseDir = "~/.sweepforge/studies"
	DefaultTimeoutSec   = 30
)

// Load reads, defaults, and validates an experiment config from a YAML file.
//
// # Description
//
// Unknown YAML keys are rejected so typos surface at load time instead of
// silently changing study identity. Defaults are applied before validation.
//
// # Inputs
//
//   - path: Path to the YAML config file.
//
// # Outputs
//
//   - *ExperimentConfig: The loaded config. Nil on error.
//   - error: Non-nil if the file is unreadable, malformed, or invalid.
func Load(path string) (*ExperimentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates an experiment config from YAML bytes.
func Parse(raw []byte) (*ExperimentConfig, error) {
	var cfg ExperimentConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ExperimentConfig) applyDefaults() {
	if c.Study.RunMode == "" {
		c.Study.RunMode = DefaultRunMode
	}
	if c.Study.BaseDir == "" {
		c.Study.BaseDir = DefaultStudyBaseDir
	}
	if c.Tracking.Mode == "" {
		c.Tracking.Mode = DefaultTrackingMode
	}
	if c.Tracking.TimeoutSec == 0 {
		c.Tracking.TimeoutSec = DefaultTimeoutSec
	}
	if c.Backup.Provider == "" {
		c.Backup.Provider = "none"
	}
	if c.Objective.Direction == "" {
		c.Objective.Direction = "maximize"
	}
	if c.Objective.Metric == "" && c.Eval.PrimaryMetric != "" {
		c.Objective.Metric = c.Eval.PrimaryMetric
	}
}
