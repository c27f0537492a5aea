// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// sweepctl drives hyperparameter sweeps: resolving study identity,
// running trials, linking refits, selecting champions, and moving study
// state to and from durable backup.
package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/cinderml/sweepforge/pkg/logging"
	"github.com/cinderml/sweepforge/services/sweep/config"
)

var (
	cfgPath  string
	logLevel string

	cfg    *config.ExperimentConfig
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "sweepctl",
		Short: "Run identity-addressed hyperparameter sweeps",
		Long: `sweepctl computes content-addressed identity keys for experiment
configurations, runs sweeps against a tracking service, links trial runs to
their refit runs, and selects the champion configuration per backbone.`,
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "sweep.yaml", "experiment configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger = logging.New(logging.Config{
			Level:   level,
			Service: "sweepctl",
		})
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	}

	rootCmd.AddCommand(resolveCmd, sweepCmd, linkCmd, championCmd, backupCmd, restoreCmd)
}

// commandContext bounds every CLI operation.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Minute)
}
