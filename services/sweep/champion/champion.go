// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package champion selects the winning trial per backbone and resolves it
// to the one artifact-bearing refit run allowed to serve it.
//
// Selection never falls back to a trial checkpoint: a champion without a
// resolvable refit run is a hard failure, because serving a trial artifact
// in place of the refit artifact would silently change what was deployed.
package champion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/cinderml/sweepforge/services/sweep/linkage"
	"github.com/cinderml/sweepforge/services/sweep/tracking"
)

// Direction values for the selection objective.
const (
	DirectionMinimize = "minimize"
	DirectionMaximize = "maximize"
)

// Sentinel errors for champion selection.
var (
	// ErrNoCandidates indicates no completed trial run carries the
	// objective metric for the backbone.
	ErrNoCandidates = errors.New("no candidate trial runs for backbone")
)

var selectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sweepforge_champion_selections_total",
	Help: "Champion selections by outcome",
}, []string{"outcome"})

// Champion is the selected configuration for one backbone.
type Champion struct {
	Backbone    string
	TrialRunID  string
	TrialNumber int
	MetricValue float64

	// RefitRunID is the run that retrained the champion configuration on
	// the full protocol.
	RefitRunID string

	// ArtifactRunID is the run artifacts are served from. Always the
	// refit run.
	ArtifactRunID string
}

// Selector resolves champions against the tracking service.
type Selector struct {
	client   tracking.Client
	registry *linkage.Registry
	logger   *slog.Logger
}

// NewSelector creates a champion selector.
func NewSelector(client tracking.Client, registry *linkage.Registry, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{client: client, registry: registry, logger: logger}
}

// SelectChampion picks the best trial for one backbone and resolves its
// refit run.
//
// Description:
//
//	Candidates are finished trial-stage runs tagged with the backbone
//	that logged the objective metric. The extremum per direction wins;
//	ties break to the lowest trial number. The winner must resolve to a
//	refit run; linkage.ErrLinkageNotFound propagates unchanged.
func (s *Selector) SelectChampion(ctx context.Context, experimentID, backbone, metric, direction string) (*Champion, error) {
	if direction != DirectionMinimize && direction != DirectionMaximize {
		return nil, fmt.Errorf("unknown objective direction %q", direction)
	}

	runs, err := s.client.SearchRuns(ctx, experimentID, tracking.TagFilter{
		tracking.TagStage:    tracking.StageTrial,
		tracking.TagBackbone: backbone,
	})
	if err != nil {
		return nil, fmt.Errorf("search trial runs for %s: %w", backbone, err)
	}

	best, err := pickBest(runs, metric, direction)
	if err != nil {
		selectionsTotal.WithLabelValues("no_candidates").Inc()
		return nil, fmt.Errorf("backbone %s: %w", backbone, err)
	}

	refitID, err := s.registry.ResolveRefitForTrial(ctx, experimentID, best.run.ID)
	if err != nil {
		selectionsTotal.WithLabelValues("linkage_failed").Inc()
		return nil, fmt.Errorf("resolve refit for champion trial %s (backbone %s): %w",
			best.run.ID, backbone, err)
	}

	s.logger.Info("champion selected",
		slog.String("backbone", backbone),
		slog.String("trial_run_id", best.run.ID),
		slog.Int("trial_number", best.number),
		slog.Float64("metric_value", best.value),
		slog.String("refit_run_id", refitID))
	selectionsTotal.WithLabelValues("selected").Inc()

	return &Champion{
		Backbone:      backbone,
		TrialRunID:    best.run.ID,
		TrialNumber:   best.number,
		MetricValue:   best.value,
		RefitRunID:    refitID,
		ArtifactRunID: refitID,
	}, nil
}

// SelectChampions selects one champion per backbone concurrently. Any
// backbone's failure fails the whole set.
func (s *Selector) SelectChampions(ctx context.Context, experimentID, metric, direction string, backbones []string) (map[string]*Champion, error) {
	champions := make([]*Champion, len(backbones))
	g, gctx := errgroup.WithContext(ctx)
	for i, backbone := range backbones {
		g.Go(func() error {
			ch, err := s.SelectChampion(gctx, experimentID, backbone, metric, direction)
			if err != nil {
				return err
			}
			champions[i] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]*Champion, len(backbones))
	for _, ch := range champions {
		out[ch.Backbone] = ch
	}
	return out, nil
}

type candidate struct {
	run    *tracking.Run
	number int
	value  float64
}

func pickBest(runs []*tracking.Run, metric, direction string) (candidate, error) {
	var candidates []candidate
	for _, run := range runs {
		if run.Status != tracking.StatusFinished {
			continue
		}
		value, ok := run.Metrics[metric]
		if !ok {
			continue
		}
		number := trialNumber(run)
		candidates = append(candidates, candidate{run: run, number: number, value: value})
	}
	if len(candidates) == 0 {
		return candidate{}, ErrNoCandidates
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.value != b.value {
			if direction == DirectionMaximize {
				return a.value > b.value
			}
			return a.value < b.value
		}
		return a.number < b.number
	})
	return candidates[0], nil
}

// trialNumber reads the trial ordinal tag; runs without a parseable tag
// sort after tagged ones so they never win a tie.
func trialNumber(run *tracking.Run) int {
	raw, ok := run.Tag(tracking.TagTrialNumber)
	if !ok {
		return int(^uint(0) >> 1)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}
