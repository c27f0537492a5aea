// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinderml/sweepforge/services/sweep/config"
	"github.com/cinderml/sweepforge/services/sweep/identity"
)

func testSpace() *config.SearchSpace {
	return &config.SearchSpace{Params: []config.ParamSpec{
		{Name: "lr", Kind: config.ParamFloat, Low: 1e-5, High: 1e-1, LogScale: true},
		{Name: "layers", Kind: config.ParamInt, Low: 1, High: 8},
		{Name: "batch", Kind: config.ParamInt, Low: 16, High: 128, Step: 16},
		{Name: "optimizer", Kind: config.ParamCategorical, Choices: []string{"adam", "sgd"}},
		{Name: "amp", Kind: config.ParamBool},
	}}
}

func TestRandomSampler_DeterministicPerStudyAndTrial(t *testing.T) {
	hash := identity.KeyHash{Schema: identity.SchemaV2, Value: "abcd1234deadbeef"}
	a := NewRandomSampler(hash)
	b := NewRandomSampler(hash)

	for trial := 0; trial < 5; trial++ {
		va, err := a.Suggest(trial, testSpace())
		require.NoError(t, err)
		vb, err := b.Suggest(trial, testSpace())
		require.NoError(t, err)
		assert.Equal(t, va, vb, "trial %d", trial)
	}
}

func TestRandomSampler_IndependentOfCallOrder(t *testing.T) {
	hash := identity.KeyHash{Schema: identity.SchemaV2, Value: "abcd1234deadbeef"}

	forward := NewRandomSampler(hash)
	v3First, err := forward.Suggest(3, testSpace())
	require.NoError(t, err)

	replayed := NewRandomSampler(hash)
	for trial := 0; trial < 3; trial++ {
		_, err := replayed.Suggest(trial, testSpace())
		require.NoError(t, err)
	}
	v3Replayed, err := replayed.Suggest(3, testSpace())
	require.NoError(t, err)
	assert.Equal(t, v3First, v3Replayed)
}

func TestRandomSampler_DifferentStudiesDiverge(t *testing.T) {
	a := NewRandomSampler(identity.KeyHash{Schema: identity.SchemaV2, Value: "aaaa000011112222"})
	b := NewRandomSampler(identity.KeyHash{Schema: identity.SchemaV2, Value: "bbbb000011112222"})

	diverged := false
	for trial := 0; trial < 10 && !diverged; trial++ {
		va, err := a.Suggest(trial, testSpace())
		require.NoError(t, err)
		vb, err := b.Suggest(trial, testSpace())
		require.NoError(t, err)
		if !assert.ObjectsAreEqual(va, vb) {
			diverged = true
		}
	}
	assert.True(t, diverged, "distinct studies should produce distinct suggestions")
}

func TestRandomSampler_RespectsBoundsAndKinds(t *testing.T) {
	s := NewRandomSampler(identity.KeyHash{Schema: identity.SchemaV2, Value: "abcd1234deadbeef"})

	for trial := 0; trial < 50; trial++ {
		vals, err := s.Suggest(trial, testSpace())
		require.NoError(t, err)

		lr, ok := vals["lr"].(float64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, lr, 1e-5)
		assert.LessOrEqual(t, lr, 1e-1)

		layers, ok := vals["layers"].(int64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, layers, int64(1))
		assert.LessOrEqual(t, layers, int64(8))

		batch, ok := vals["batch"].(int64)
		require.True(t, ok)
		assert.Zero(t, (batch-16)%16, "batch must land on the step grid")

		opt, ok := vals["optimizer"].(string)
		require.True(t, ok)
		assert.Contains(t, []string{"adam", "sgd"}, opt)

		_, ok = vals["amp"].(bool)
		require.True(t, ok)
	}
}

func TestRandomSampler_EmptySpaceIsAnError(t *testing.T) {
	s := NewRandomSampler(identity.KeyHash{Schema: identity.SchemaV2, Value: "abcd"})
	_, err := s.Suggest(0, nil)
	require.Error(t, err)
	_, err = s.Suggest(0, &config.SearchSpace{})
	require.Error(t, err)
}

func TestRandomSampler_CategoricalWithoutChoicesIsAnError(t *testing.T) {
	s := NewRandomSampler(identity.KeyHash{Schema: identity.SchemaV2, Value: "abcd"})
	_, err := s.Suggest(0, &config.SearchSpace{Params: []config.ParamSpec{
		{Name: "opt", Kind: config.ParamCategorical},
	}})
	require.Error(t, err)
}
