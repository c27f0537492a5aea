// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTClient_CreateRunAndParentTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"/runs/create", r.URL.Path)
		var body struct {
			ExperimentID string    `json:"experiment_id"`
			RunName      string    `json:"run_name"`
			Tags         []restTag `json:"tags"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "exp-9", body.ExperimentID)
		require.Len(t, body.Tags, 1)
		assert.Equal(t, parentRunIDTag, body.Tags[0].Key)
		assert.Equal(t, "parent-1", body.Tags[0].Value)

		resp := map[string]any{"run": restRun{
			Info: restRunInfo{RunID: "r-1", ExperimentID: "exp-9", RunName: body.RunName, Status: "RUNNING", StartTime: 1},
			Data: restRunData{Tags: body.Tags},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewRESTClient(RESTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	run, err := c.CreateRun(context.Background(), "exp-9", "parent-1", "trial-0")
	require.NoError(t, err)
	assert.Equal(t, "r-1", run.ID)
	assert.Equal(t, "parent-1", run.ParentID, "server parent tag maps to ParentID")
	_, leaked := run.Tags[parentRunIDTag]
	assert.False(t, leaked, "server-internal parent tag must not surface as a user tag")
}

func TestRESTClient_SearchFilterSyntax(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"/runs/search", r.URL.Path)
		var body struct {
			ExperimentIDs []string `json:"experiment_ids"`
			Filter        string   `json:"filter"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"exp-9"}, body.ExperimentIDs)
		assert.Contains(t, body.Filter, "tags.`"+TagStage+"` = '"+StageRefit+"'")
		json.NewEncoder(w).Encode(map[string]any{"runs": []restRun{}})
	}))
	defer srv.Close()

	c, err := NewRESTClient(RESTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	runs, err := c.SearchRuns(context.Background(), "exp-9", TagFilter{TagStage: StageRefit})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRESTClient_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewRESTClient(RESTConfig{BaseURL: srv.URL, MaxRetries: 3})
	require.NoError(t, err)

	require.NoError(t, c.SetTag(context.Background(), "r-1", TagStudyKeyHash, "h"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRESTClient_NotFoundIsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "run not in store", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewRESTClient(RESTConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}
