// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package linkage maintains and queries the mappings between trial runs and
// their refit runs.
//
// The explicit linkage tag is authoritative; the hash-based fallback exists
// because tag writes and hash matches may become visible to readers at
// different times in an eventually consistent tracking store. A trial
// checkpoint and a refit checkpoint are not interchangeable artifacts, so
// resolution either finds a distinct refit run or fails. It never
// substitutes the trial run itself.
package linkage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cinderml/sweepforge/services/sweep/tracking"
)

// Sentinel errors for linkage resolution.
var (
	// ErrLinkageNotFound indicates no refit run could be resolved for a
	// trial. Retrying does not help: it means no refit was ever created
	// or tagged.
	ErrLinkageNotFound = errors.New("no refit run found for trial")

	// ErrArtifactUnavailable indicates a run was resolved but its
	// artifact-availability tag is false or missing.
	ErrArtifactUnavailable = errors.New("artifact not available on run")
)

// LinkMismatchError indicates a refit run is already linked to a different
// trial. Idempotent re-linking with the same trial is a no-op; pointing one
// refit at two trials is always a bug.
type LinkMismatchError struct {
	RefitRunID string
	Existing   string
	Requested  string
}

func (e *LinkMismatchError) Error() string {
	return fmt.Sprintf("refit run %s already linked to trial %s, refusing to relink to %s",
		e.RefitRunID, e.Existing, e.Requested)
}

var resolutionsByPath = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sweepforge_linkage_resolutions_total",
	Help: "Refit resolutions by path taken",
}, []string{"path"})

// Registry reads and writes run linkage against the tracking store. It
// holds no state of its own; every query goes to the store so long-lived
// processes cannot serve stale links.
type Registry struct {
	client tracking.Client
	logger *slog.Logger
}

// NewRegistry creates a linkage registry. A nil logger falls back to
// slog.Default().
func NewRegistry(client tracking.Client, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{client: client, logger: logger}
}

// LinkRefitToTrial sets the explicit linkage tag on the refit run.
//
// Idempotent: repeating the call with the same arguments leaves the same
// tag state. A conflicting existing link returns *LinkMismatchError.
func (g *Registry) LinkRefitToTrial(ctx context.Context, refitRunID, trialRunID string) error {
	if refitRunID == trialRunID {
		return fmt.Errorf("link refit to trial: refit and trial run are the same run %s", refitRunID)
	}

	existing, ok, err := g.client.GetTag(ctx, refitRunID, tracking.TagRefitOfTrialRunID)
	if err != nil {
		return fmt.Errorf("read existing link on refit run %s: %w", refitRunID, err)
	}
	if ok {
		if existing == trialRunID {
			return nil
		}
		return &LinkMismatchError{RefitRunID: refitRunID, Existing: existing, Requested: trialRunID}
	}

	if err := g.client.SetTag(ctx, refitRunID, tracking.TagRefitOfTrialRunID, trialRunID); err != nil {
		return fmt.Errorf("link refit run %s to trial run %s: %w", refitRunID, trialRunID, err)
	}
	g.logger.Info("linked refit run to trial run",
		slog.String("refit_run_id", refitRunID),
		slog.String("trial_run_id", trialRunID),
	)
	return nil
}

// ResolveRefitForTrial returns the one refit run serving the trial.
//
// Resolution order: (a) runs carrying the explicit linkage tag pointing at
// the trial; (b) runs in the refit stage whose trial key hash matches the
// trial's; (c) ErrLinkageNotFound. When several runs match, the pick is
// deterministic: artifact-available runs first, then earliest start time,
// then lowest run ID.
func (g *Registry) ResolveRefitForTrial(ctx context.Context, experimentID, trialRunID string) (string, error) {
	// (a) explicit link tag.
	explicit, err := g.client.SearchRuns(ctx, experimentID, tracking.TagFilter{
		tracking.TagRefitOfTrialRunID: trialRunID,
	})
	if err != nil {
		return "", fmt.Errorf("search explicit refit link for trial run %s: %w", trialRunID, err)
	}
	if id, ok := pickRefit(explicit, trialRunID); ok {
		resolutionsByPath.WithLabelValues("explicit").Inc()
		return id, nil
	}

	// (b) trial-key-hash fallback among refit-stage runs.
	hash, ok, err := g.client.GetTag(ctx, trialRunID, tracking.TagTrialKeyHash)
	if err != nil {
		return "", fmt.Errorf("read trial key hash on trial run %s: %w", trialRunID, err)
	}
	if ok && hash != "" {
		matched, err := g.client.SearchRuns(ctx, experimentID, tracking.TagFilter{
			tracking.TagStage:        tracking.StageRefit,
			tracking.TagTrialKeyHash: hash,
		})
		if err != nil {
			return "", fmt.Errorf("search refit runs by trial key hash for trial run %s: %w", trialRunID, err)
		}
		if id, ok := pickRefit(matched, trialRunID); ok {
			resolutionsByPath.WithLabelValues("hash_fallback").Inc()
			g.logger.Info("resolved refit via trial key hash fallback",
				slog.String("trial_run_id", trialRunID),
				slog.String("refit_run_id", id),
				slog.String("trial_key_hash", hash),
			)
			return id, nil
		}
	}

	// (c) hard failure. Never the trial run itself: a trial checkpoint
	// may be trained on partial data and cannot stand in for a refit.
	resolutionsByPath.WithLabelValues("not_found").Inc()
	return "", fmt.Errorf("trial run %s: %w", trialRunID, ErrLinkageNotFound)
}

// IsArtifactAvailable reads the availability tag. A missing or non-"true"
// value means not available, never "unknown, assume available".
func (g *Registry) IsArtifactAvailable(ctx context.Context, runID string) (bool, error) {
	v, ok, err := g.client.GetTag(ctx, runID, tracking.TagArtifactAvailable)
	if err != nil {
		return false, fmt.Errorf("read artifact availability on run %s: %w", runID, err)
	}
	return ok && v == tracking.ArtifactAvailableTrue, nil
}

// pickRefit filters out the trial run itself and applies the deterministic
// tie-break. Input is already ordered by (start time, run ID).
func pickRefit(runs []*tracking.Run, trialRunID string) (string, bool) {
	var fallback string
	for _, r := range runs {
		if r.ID == trialRunID {
			continue
		}
		if v, ok := r.Tag(tracking.TagArtifactAvailable); ok && v == tracking.ArtifactAvailableTrue {
			return r.ID, true
		}
		if fallback == "" {
			fallback = r.ID
		}
	}
	if fallback != "" {
		return fallback, true
	}
	return "", false
}
