// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cinderml/sweepforge/services/sweep/config"
	"github.com/cinderml/sweepforge/services/sweep/tracking"
)

// Source identifies which precedence step produced a resolution.
type Source string

const (
	// SourceOverride: the caller already held the value.
	SourceOverride Source = "override"

	// SourceParentTag: the authoritative tag on the parent run.
	SourceParentTag Source = "parent_tag"

	// SourceComputed: deterministic v2 computation from local config.
	SourceComputed Source = "computed"

	// SourceLegacy: explicit v1 legacy composition.
	SourceLegacy Source = "legacy"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sweepforge_identity_resolutions_total",
	Help: "Study key resolutions by precedence source",
}, []string{"source"})

var resolverTracer = otel.Tracer("sweep.identity")

// ResolveRequest carries everything a process has available when it needs
// the authoritative study key hash.
type ResolveRequest struct {
	// Override is a value obtained earlier in the same process, passed
	// down from a parent call. Used verbatim when set; never recomputed.
	Override *KeyHash

	// ParentRunID names the parent/study run whose tag is the
	// cross-process source of truth. Empty if no parent run exists yet.
	ParentRunID string

	// Local configuration for deterministic computation.
	Backbone string
	Search   *config.SearchSpace
	Data     *config.DataConfig
	Eval     *config.EvalConfig
	Train    *config.TrainConfig

	// UseLegacySchema routes computation through the v1 composition for
	// pre-fingerprint studies. Never implied; the caller must opt in,
	// and the degraded path is logged. Steps 1 and 2 still take
	// precedence.
	UseLegacySchema bool
}

// Resolution is the outcome of one precedence walk.
type Resolution struct {
	StudyKeyHash KeyHash
	Source       Source

	// BackfilledParent is true when the parent run lacked the
	// authoritative tag and this resolution wrote it back.
	BackfilledParent bool
}

// Resolver is the single decision point for "what is the authoritative
// StudyKeyHash for this process right now".
//
// Precedence is structural, not a convention: an ordered strategy chain is
// walked and the first present result wins. The recurring failure mode this
// prevents is a refit process re-deriving its key from stale local inputs
// instead of trusting the parent run's tag.
//
// Resolver holds no cache; the parent tag is re-read on every resolution so
// a long-lived process cannot serve a stale value.
type Resolver struct {
	client  tracking.Client
	builder *Builder
	logger  *slog.Logger
}

// NewResolver creates a resolver over a tracking client and key builder.
// A nil logger falls back to slog.Default().
func NewResolver(client tracking.Client, builder *Builder, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{client: client, builder: builder, logger: logger}
}

// strategy is one precedence step. It returns nil when not applicable so
// the walk moves to the next step; an error aborts the walk.
type strategy struct {
	source Source
	apply  func(ctx context.Context, req *ResolveRequest) (*KeyHash, error)
}

// ResolveStudyKeyHash walks the precedence chain and returns the first
// present result.
//
// Order: explicit override, authoritative parent tag, deterministic
// computation (v2, or v1 when explicitly requested). Computation is total,
// so the walk always terminates with a value; the only errors are tracking
// I/O failures while reading the parent tag.
func (r *Resolver) ResolveStudyKeyHash(ctx context.Context, req *ResolveRequest) (*Resolution, error) {
	ctx, span := resolverTracer.Start(ctx, "identity.resolve_study_key_hash",
		trace.WithAttributes(
			attribute.String("backbone", req.Backbone),
			attribute.Bool("legacy_requested", req.UseLegacySchema),
		))
	defer span.End()

	parentHadTag := false
	chain := []strategy{
		{SourceOverride, r.fromOverride},
		{SourceParentTag, func(ctx context.Context, req *ResolveRequest) (*KeyHash, error) {
			h, err := r.fromParentTag(ctx, req)
			if h != nil {
				parentHadTag = true
			}
			return h, err
		}},
		{r.computeSource(req), r.compute},
	}

	for _, s := range chain {
		hash, err := s.apply(ctx, req)
		if err != nil {
			return nil, err
		}
		if hash == nil {
			continue
		}

		res := &Resolution{StudyKeyHash: *hash, Source: s.source}
		if s.source != SourceOverride && s.source != SourceParentTag {
			res.BackfilledParent = r.backfillParent(ctx, req, *hash, parentHadTag)
		}
		resolutionsTotal.WithLabelValues(string(s.source)).Inc()
		span.SetAttributes(
			attribute.String("source", string(s.source)),
			attribute.String("study_key_hash", hash.Value),
		)
		return res, nil
	}

	// Unreachable: computation is total.
	return nil, fmt.Errorf("resolve study key hash: no precedence step produced a value")
}

// fromOverride is step 1: a value the caller already holds wins outright.
func (r *Resolver) fromOverride(_ context.Context, req *ResolveRequest) (*KeyHash, error) {
	if req.Override == nil || req.Override.IsZero() {
		return nil, nil
	}
	h := *req.Override
	return &h, nil
}

// fromParentTag is step 2: the authoritative tag on the parent run. It takes
// priority over any local computation because the parent may have been
// created by a different process or machine.
func (r *Resolver) fromParentTag(ctx context.Context, req *ResolveRequest) (*KeyHash, error) {
	if req.ParentRunID == "" {
		return nil, nil
	}
	value, ok, err := r.client.GetTag(ctx, req.ParentRunID, tracking.TagStudyKeyHash)
	if err != nil {
		return nil, fmt.Errorf("read study key tag on parent run %s: %w", req.ParentRunID, err)
	}
	if !ok || value == "" {
		return nil, nil
	}

	schema := SchemaV2
	if sv, present, err := r.client.GetTag(ctx, req.ParentRunID, tracking.TagSchemaVersion); err != nil {
		return nil, fmt.Errorf("read schema tag on parent run %s: %w", req.ParentRunID, err)
	} else if present && Schema(sv) == SchemaV1 {
		schema = SchemaV1
	}
	return &KeyHash{Schema: schema, Value: value}, nil
}

// compute is steps 3 and 4: deterministic local computation. V2 unless the
// caller explicitly opted into the legacy schema.
func (r *Resolver) compute(_ context.Context, req *ResolveRequest) (*KeyHash, error) {
	if req.UseLegacySchema {
		r.logger.Warn("study key resolved via legacy v1 schema",
			slog.String("backbone", req.Backbone),
		)
		h := r.builder.LegacyStudyKey(req.Backbone, req.Search).Hash()
		return &h, nil
	}
	h := r.builder.StudyKey(req.Backbone, req.Search, req.Data, req.Eval, req.Train).Hash()
	return &h, nil
}

func (r *Resolver) computeSource(req *ResolveRequest) Source {
	if req.UseLegacySchema {
		return SourceLegacy
	}
	return SourceComputed
}

// backfillParent writes the computed hash onto a parent run that lacked the
// authoritative tag, so future resolutions in the same study take the fast
// path. Computation is deterministic, so a retried or raced back-fill writes
// the same value; a write failure degrades future resolutions to
// recomputation but cannot diverge them, so it is logged rather than fatal.
func (r *Resolver) backfillParent(ctx context.Context, req *ResolveRequest, hash KeyHash, parentHadTag bool) bool {
	if req.ParentRunID == "" || parentHadTag {
		return false
	}
	if err := r.client.SetTag(ctx, req.ParentRunID, tracking.TagStudyKeyHash, hash.Value); err != nil {
		r.logger.Error("failed to back-fill study key tag on parent run",
			slog.String("parent_run_id", req.ParentRunID),
			slog.String("study_key_hash", hash.Value),
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := r.client.SetTag(ctx, req.ParentRunID, tracking.TagSchemaVersion, string(hash.Schema)); err != nil {
		r.logger.Error("failed to back-fill schema tag on parent run",
			slog.String("parent_run_id", req.ParentRunID),
			slog.String("error", err.Error()),
		)
	}
	return true
}
