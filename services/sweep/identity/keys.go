// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity builds and resolves the content-addressed keys that tie
// studies, trials, and refits together across processes.
//
// Two key schemas exist. SchemaV2 (current) composes the backbone with the
// search-space, data, eval, and training fingerprints. SchemaV1 (legacy)
// predates fingerprinting and composes only the backbone with the parameter
// names; it survives for interoperability with old studies and is never
// produced unless explicitly requested. Every hash value carries its schema
// so call sites cannot compare a v1 hash to a v2 hash without a visible
// schema check.
package identity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cinderml/sweepforge/services/sweep/config"
	"github.com/cinderml/sweepforge/services/sweep/fingerprint"
)

// Schema is the key composition version.
type Schema string

const (
	// SchemaV1 is the legacy composition without fingerprints.
	SchemaV1 Schema = "v1"

	// SchemaV2 is the current fingerprinted composition.
	SchemaV2 Schema = "v2"
)

// KeyHashLen is the display length study and trial key hashes are truncated
// to. One constant, no ad hoc truncation at call sites.
const KeyHashLen = 16

// KeyHash is a truncated key digest tagged with the schema that produced it.
type KeyHash struct {
	Schema Schema
	Value  string
}

// Equal compares schema and value; hashes from different schemas are never
// equal regardless of value.
func (h KeyHash) Equal(other KeyHash) bool {
	return h.Schema == other.Schema && h.Value == other.Value
}

// IsZero reports whether the hash is unset.
func (h KeyHash) IsZero() bool {
	return h.Value == ""
}

func (h KeyHash) String() string {
	return string(h.Schema) + ":" + h.Value
}

// truncate shortens a full digest to the display length.
func truncate(digest string) string {
	if len(digest) <= KeyHashLen {
		return digest
	}
	return digest[:KeyHashLen]
}

// =============================================================================
// StudyKey
// =============================================================================

// StudyKey is the composite identity of one HPO search: same data, search
// space, training recipe, and backbone.
type StudyKey struct {
	Schema   Schema
	Backbone string

	// Fingerprint fields. SchemaV2 only; empty under SchemaV1.
	SearchSpaceFP string
	DataFP        string
	EvalFP        string
	TrainFP       string

	// LegacyParams is the sorted parameter-name list. SchemaV1 only.
	LegacyParams []string
}

// CanonicalString is the schema-fixed composition the hash is taken over.
// Field order is part of the schema and must never change within a version.
func (k StudyKey) CanonicalString() string {
	switch k.Schema {
	case SchemaV1:
		return strings.Join([]string{
			"STUDY_KEY", string(SchemaV1),
			"backbone=" + k.Backbone,
			"params=" + strings.Join(k.LegacyParams, ","),
		}, "|")
	default:
		return strings.Join([]string{
			"STUDY_KEY", string(SchemaV2),
			"backbone=" + k.Backbone,
			"search_fp=" + k.SearchSpaceFP,
			"data_fp=" + k.DataFP,
			"eval_fp=" + k.EvalFP,
			"train_fp=" + k.TrainFP,
		}, "|")
	}
}

// Hash returns the truncated digest of the canonical form, tagged with the
// key's schema.
func (k StudyKey) Hash() KeyHash {
	return KeyHash{Schema: k.Schema, Value: truncate(fingerprint.Digest(k.CanonicalString()))}
}

// =============================================================================
// StudyFamilyKey
// =============================================================================

// StudyFamilyKey groups studies across minor search-space bound edits: the
// family fingerprint covers parameter names and kinds only.
type StudyFamilyKey struct {
	Schema   Schema
	Backbone string
	FamilyFP string
	DataFP   string
	TrainFP  string
}

func (k StudyFamilyKey) CanonicalString() string {
	return strings.Join([]string{
		"STUDY_FAMILY_KEY", string(k.Schema),
		"backbone=" + k.Backbone,
		"family_fp=" + k.FamilyFP,
		"data_fp=" + k.DataFP,
		"train_fp=" + k.TrainFP,
	}, "|")
}

func (k StudyFamilyKey) Hash() KeyHash {
	return KeyHash{Schema: k.Schema, Value: truncate(fingerprint.Digest(k.CanonicalString()))}
}

// =============================================================================
// TrialKey
// =============================================================================

// TrialKey identifies one concrete hyperparameter assignment within a study.
// Created once at trial-run creation time; immutable afterward.
type TrialKey struct {
	StudyKeyHash KeyHash
	Number       int
	Params       map[string]any
}

// CanonicalString composes the study hash, trial ordinal, and normalized
// realized parameter values. Values are normalized with the same float
// precision as search-space fingerprinting, so representation drift between
// the suggesting and the refitting process cannot change the key.
func (k TrialKey) CanonicalString() string {
	names := make([]string, 0, len(k.Params))
	for name := range k.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := []string{
		"TRIAL_KEY", string(k.StudyKeyHash.Schema),
		"study=" + k.StudyKeyHash.Value,
		"number=" + strconv.Itoa(k.Number),
	}
	for _, name := range names {
		parts = append(parts, name+"="+NormParamValue(k.Params[name]))
	}
	return strings.Join(parts, "|")
}

// Hash returns the truncated trial key digest, carrying the study schema.
func (k TrialKey) Hash() KeyHash {
	return KeyHash{Schema: k.StudyKeyHash.Schema, Value: truncate(fingerprint.Digest(k.CanonicalString()))}
}

// NormParamValue renders a realized hyperparameter value in canonical form.
func NormParamValue(v any) string {
	switch t := v.(type) {
	case float64:
		return fingerprint.NormFloat(t)
	case float32:
		return fingerprint.NormFloat(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// =============================================================================
// Builder
// =============================================================================

// Builder composes keys from configuration, delegating subset hashing to the
// fingerprint engine. A Builder produces exactly one schema per call; v1 and
// v2 composition are separate entry points and never mix within one key.
type Builder struct {
	fp *fingerprint.Engine
}

// NewBuilder creates a key builder over a fingerprint engine.
func NewBuilder(fp *fingerprint.Engine) *Builder {
	return &Builder{fp: fp}
}

// StudyKey builds the current (v2) study key from local configuration.
// Totality of the fingerprint engine guarantees this never fails.
func (b *Builder) StudyKey(backbone string, space *config.SearchSpace, data *config.DataConfig, eval *config.EvalConfig, train *config.TrainConfig) StudyKey {
	return StudyKey{
		Schema:        SchemaV2,
		Backbone:      backbone,
		SearchSpaceFP: b.fp.SearchSpace(space),
		DataFP:        b.fp.Data(data),
		EvalFP:        b.fp.Eval(eval),
		TrainFP:       b.fp.Train(train),
	}
}

// LegacyStudyKey builds the v1 composition: backbone plus sorted parameter
// names, no fingerprints. Only for interoperability with pre-fingerprint
// studies; callers reach it through the resolver's explicit legacy path.
func (b *Builder) LegacyStudyKey(backbone string, space *config.SearchSpace) StudyKey {
	var names []string
	if space != nil {
		for _, p := range space.Params {
			names = append(names, p.Name)
		}
		sort.Strings(names)
	}
	return StudyKey{
		Schema:       SchemaV1,
		Backbone:     backbone,
		LegacyParams: names,
	}
}

// StudyFamilyKey builds the coarse grouping key.
func (b *Builder) StudyFamilyKey(backbone string, space *config.SearchSpace, data *config.DataConfig, train *config.TrainConfig) StudyFamilyKey {
	return StudyFamilyKey{
		Schema:   SchemaV2,
		Backbone: backbone,
		FamilyFP: b.fp.SearchFamily(space),
		DataFP:   b.fp.Data(data),
		TrainFP:  b.fp.Train(train),
	}
}

// TrialKey builds the identity of one realized trial within a study.
func (b *Builder) TrialKey(studyKeyHash KeyHash, number int, params map[string]any) TrialKey {
	return TrialKey{
		StudyKeyHash: studyKeyHash,
		Number:       number,
		Params:       params,
	}
}

// RefitProtocol fingerprints the refit-on-full-data procedure: data config
// plus training recipe, explicitly excluding the search space. A refit run
// tagged with this value is confirmed to have used its parent trial's
// protocol.
func (b *Builder) RefitProtocol(data *config.DataConfig, train *config.TrainConfig) string {
	return RefitProtocolFingerprint(b.fp.Data(data), b.fp.Train(train))
}

// RefitProtocolFingerprint composes a refit protocol digest from already
// computed fingerprints.
func RefitProtocolFingerprint(dataFP, trainFP string) string {
	canonical := strings.Join([]string{
		"REFIT_PROTOCOL", string(SchemaV2),
		"data_fp=" + dataFP,
		"train_fp=" + trainFP,
	}, "|")
	return fingerprint.Digest(canonical)
}
