// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint computes deterministic digests of configuration
// subsets.
//
// All hashing uses pipe-delimited canonical strings with an explicit schema
// prefix, never raw struct serialization: field order, incidental whitespace,
// and float representation differences must not change a digest. Two
// processes that load equivalent configs produce equal digests without
// communicating.
//
// Every compute function is total. An empty or nil subset hashes a declared
// sentinel instead of failing, and any internal normalization panic degrades
// to the sentinel as well. Degraded computations are logged at Warn and
// counted, never propagated.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cinderml/sweepforge/services/sweep/config"
)

// FloatPrecision is the number of decimal places floats are rounded to
// before canonicalization. Realized hyperparameter values are normalized with
// the same precision (see services/sweep/identity) so float representation
// drift cannot split a study.
const FloatPrecision = 9

// Canonical-string prefixes. The trailing token is the subset kind; "absent"
// marks the sentinel form hashed when a subset carries no semantic fields.
const (
	prefixData   = "DATA_FP|v2"
	prefixEval   = "EVAL_FP|v2"
	prefixTrain  = "TRAIN_FP|v2"
	prefixSearch = "SEARCH_FP|v2"
	prefixFamily = "SEARCH_FAMILY_FP|v2"

	sentinelSuffix = "absent"
)

var degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sweepforge_fingerprint_degraded_total",
	Help: "Fingerprint computations that fell back to the sentinel form",
}, []string{"subset", "reason"})

// Engine computes fingerprints for the config subsets that feed study
// identity. Stateless; safe for concurrent use.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a fingerprint engine. A nil logger falls back to
// slog.Default().
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Data fingerprints the semantic fields of a data config.
func (e *Engine) Data(c *config.DataConfig) string {
	return e.compute("data", prefixData, c.IsZero(), func() []field {
		return []field{
			{"dataset_name", c.DatasetName},
			{"dataset_version", c.DatasetVersion},
			{"train_split", c.TrainSplit},
			{"validation_split", c.ValidationSplit},
			{"test_split", c.TestSplit},
			{"max_samples", strconv.Itoa(c.MaxSamples)},
			{"text_column", c.TextColumn},
			{"label_column", c.LabelColumn},
			{"seed", strconv.FormatInt(c.Seed, 10)},
		}
	})
}

// Eval fingerprints the semantic fields of an evaluation config.
func (e *Engine) Eval(c *config.EvalConfig) string {
	return e.compute("eval", prefixEval, c.IsZero(), func() []field {
		return []field{
			{"metrics", normList(c.Metrics)},
			{"primary_metric", c.PrimaryMetric},
			{"cv_folds", strconv.Itoa(c.CVFolds)},
			{"holdout_fraction", NormFloat(c.HoldoutFraction)},
		}
	})
}

// Train fingerprints the semantic fields of a training recipe.
func (e *Engine) Train(c *config.TrainConfig) string {
	return e.compute("train", prefixTrain, c.IsZero(), func() []field {
		return []field{
			{"max_epochs", strconv.Itoa(c.MaxEpochs)},
			{"early_stopping_patience", strconv.Itoa(c.EarlyStoppingPatience)},
			{"precision", c.Precision},
			{"grad_accum_steps", strconv.Itoa(c.GradAccumSteps)},
			{"scheduler", c.Scheduler},
			{"warmup_ratio", NormFloat(c.WarmupRatio)},
			{"weight_decay", NormFloat(c.WeightDecay)},
			{"seed", strconv.FormatInt(c.Seed, 10)},
		}
	})
}

// SearchSpace fingerprints the full search space, bounds included.
func (e *Engine) SearchSpace(s *config.SearchSpace) string {
	empty := s == nil || len(s.Params) == 0
	return e.compute("search_space", prefixSearch, empty, func() []field {
		fields := make([]field, 0, len(s.Params))
		for _, p := range s.Params {
			fields = append(fields, field{p.Name, canonicalParam(p)})
		}
		return fields
	})
}

// SearchFamily fingerprints the coarse shape of a search space: parameter
// names and kinds only. Minor bound edits keep studies in one family.
func (e *Engine) SearchFamily(s *config.SearchSpace) string {
	empty := s == nil || len(s.Params) == 0
	return e.compute("search_family", prefixFamily, empty, func() []field {
		fields := make([]field, 0, len(s.Params))
		for _, p := range s.Params {
			fields = append(fields, field{p.Name, string(p.Kind)})
		}
		return fields
	})
}

// compute builds the canonical string and hashes it. Never fails: an empty
// subset or a normalization panic hashes the sentinel form instead.
func (e *Engine) compute(subset, prefix string, empty bool, normalize func() []field) (fp string) {
	defer func() {
		if r := recover(); r != nil {
			degradedTotal.WithLabelValues(subset, "panic").Inc()
			e.logger.Warn("fingerprint normalization degraded to sentinel",
				slog.String("subset", subset),
				slog.Any("cause", r),
			)
			fp = Digest(prefix + "|" + sentinelSuffix)
		}
	}()

	if empty {
		degradedTotal.WithLabelValues(subset, "absent").Inc()
		e.logger.Warn("fingerprint subset absent, using sentinel",
			slog.String("subset", subset),
		)
		return Digest(prefix + "|" + sentinelSuffix)
	}
	return Digest(canonical(prefix, normalize()))
}

// field is one key=value pair of a canonical string.
type field struct {
	key   string
	value string
}

// canonical joins sorted key=value pairs onto the schema prefix.
func canonical(prefix string, fields []field) string {
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })
	var b strings.Builder
	b.WriteString(prefix)
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.value)
	}
	return b.String()
}

// canonicalParam encodes one param spec with its bounds.
func canonicalParam(p config.ParamSpec) string {
	parts := []string{string(p.Kind)}
	switch p.Kind {
	case config.ParamInt, config.ParamFloat:
		parts = append(parts,
			"low:"+NormFloat(p.Low),
			"high:"+NormFloat(p.High),
		)
		if p.Step != 0 {
			parts = append(parts, "step:"+NormFloat(p.Step))
		}
		if p.LogScale {
			parts = append(parts, "log")
		}
	case config.ParamCategorical:
		parts = append(parts, "choices:"+normList(p.Choices))
	case config.ParamBool:
		// kind alone is sufficient
	}
	return strings.Join(parts, ";")
}

// Digest returns the lowercase hex SHA-256 of a canonical string.
func Digest(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// NormFloat renders a float rounded to FloatPrecision decimal places in a
// representation-stable form.
func NormFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// NaN/Inf never legitimately appear in configs; keep them stable
		// rather than panicking mid-canonicalization.
		return fmt.Sprintf("%v", f)
	}
	shift := math.Pow10(FloatPrecision)
	rounded := math.Round(f*shift) / shift
	return strconv.FormatFloat(rounded, 'g', -1, 64)
}

// normList sorts a copy of the values and joins them with commas.
func normList(values []string) string {
	cp := make([]string, len(values))
	copy(cp, values)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

// SentinelFor returns the digest a subset degrades to when absent. Exposed
// so callers can distinguish a sentinel digest without recomputing it.
func SentinelFor(subset string) string {
	switch subset {
	case "data":
		return Digest(prefixData + "|" + sentinelSuffix)
	case "eval":
		return Digest(prefixEval + "|" + sentinelSuffix)
	case "train":
		return Digest(prefixTrain + "|" + sentinelSuffix)
	case "search_space":
		return Digest(prefixSearch + "|" + sentinelSuffix)
	case "search_family":
		return Digest(prefixFamily + "|" + sentinelSuffix)
	default:
		return ""
	}
}
