// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search is the pluggable black-box optimizer boundary.
//
// The sweep engine only needs parameter suggestions per trial number; how
// they are produced (random, TPE, grid) is a collaborator concern.
// RandomSampler is the reference implementation, seeded from the study key
// hash so a study replays the same suggestion sequence wherever it runs.
package search

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/cinderml/sweepforge/services/sweep/config"
	"github.com/cinderml/sweepforge/services/sweep/fingerprint"
	"github.com/cinderml/sweepforge/services/sweep/identity"
)

// Sampler produces the parameter assignment for one trial.
type Sampler interface {
	// Suggest returns a value for every parameter in the space. The
	// returned values are int64 for int, float64 for float, string for
	// categorical, and bool for bool parameters.
	Suggest(trialNumber int, space *config.SearchSpace) (map[string]any, error)
}

// RandomSampler samples each parameter uniformly (or log-uniformly) within
// its spec. Suggestions depend only on the seed and trial number, never on
// call order, so resumed studies re-derive identical values for replayed
// trial numbers.
type RandomSampler struct {
	seed int64
}

// NewRandomSampler creates a sampler seeded from a study key hash.
func NewRandomSampler(hash identity.KeyHash) *RandomSampler {
	return &RandomSampler{seed: seedFromHash(hash)}
}

var _ Sampler = (*RandomSampler)(nil)

func seedFromHash(hash identity.KeyHash) int64 {
	full := fingerprint.Digest(hash.String())
	var b [8]byte
	copy(b[:], full[:8])
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Suggest samples one value per parameter.
func (s *RandomSampler) Suggest(trialNumber int, space *config.SearchSpace) (map[string]any, error) {
	if space == nil || len(space.Params) == 0 {
		return nil, fmt.Errorf("search space is empty")
	}
	rng := rand.New(rand.NewSource(s.seed ^ int64(uint64(trialNumber)*0x9e3779b97f4a7c15)))
	out := make(map[string]any, len(space.Params))
	for _, p := range space.Params {
		v, err := sampleParam(rng, p)
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", p.Name, err)
		}
		out[p.Name] = v
	}
	return out, nil
}

func sampleParam(rng *rand.Rand, p config.ParamSpec) (any, error) {
	switch p.Kind {
	case config.ParamBool:
		return rng.Intn(2) == 1, nil
	case config.ParamCategorical:
		if len(p.Choices) == 0 {
			return nil, fmt.Errorf("categorical parameter has no choices")
		}
		return p.Choices[rng.Intn(len(p.Choices))], nil
	case config.ParamInt:
		v := sampleFloat(rng, p)
		return int64(math.Round(v)), nil
	case config.ParamFloat:
		return sampleFloat(rng, p), nil
	default:
		return nil, fmt.Errorf("unknown parameter kind %q", p.Kind)
	}
}

func sampleFloat(rng *rand.Rand, p config.ParamSpec) float64 {
	var v float64
	if p.LogScale && p.Low > 0 {
		lo, hi := math.Log(p.Low), math.Log(p.High)
		v = math.Exp(lo + rng.Float64()*(hi-lo))
	} else {
		v = p.Low + rng.Float64()*(p.High-p.Low)
	}
	if p.Step > 0 {
		v = p.Low + math.Round((v-p.Low)/p.Step)*p.Step
	}
	if v < p.Low {
		v = p.Low
	}
	if v > p.High {
		v = p.High
	}
	return v
}
