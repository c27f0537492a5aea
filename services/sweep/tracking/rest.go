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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RESTClient speaks an MLflow-compatible tracking HTTP API.
//
// Parent/child linkage uses the server's own parent-run tag
// ("mlflow.parentRunId"); everything else rides on the sweepforge.* tag
// registry. Requests are throttled by an optional rate limiter and retried
// a bounded number of times on 5xx responses, because tag writes are
// idempotent by contract.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// parentRunIDTag is the server-side tag carrying parent linkage.
const parentRunIDTag = "mlflow.parentRunId"

const apiPrefix = "/api/2.0/mlflow"

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	// BaseURL is the tracking server address, e.g. "http://mlflow:5000".
	BaseURL string

	// Timeout is the per-request timeout. Default: 30s.
	Timeout time.Duration

	// RateLimitRPS throttles outgoing requests. 0 disables throttling.
	RateLimitRPS float64

	// MaxRetries bounds retries on 5xx responses. Default: 3.
	MaxRetries int
}

// NewRESTClient creates a tracking client for an MLflow-compatible server.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracking base URL must not be empty")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 3
	}
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		maxRetries: retries,
	}, nil
}

var _ Client = (*RESTClient)(nil)

// Wire types for the MLflow REST payloads this client touches.

type restTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type restMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

type restRunInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
}

type restRunData struct {
	Tags    []restTag    `json:"tags"`
	Metrics []restMetric `json:"metrics"`
}

type restRun struct {
	Info restRunInfo `json:"info"`
	Data restRunData `json:"data"`
}

// CreateRun opens a run on the server.
func (c *RESTClient) CreateRun(ctx context.Context, experimentID, parentID, name string) (*Run, error) {
	body := map[string]any{
		"experiment_id": experimentID,
		"run_name":      name,
		"start_time":    time.Now().UnixMilli(),
	}
	if parentID != "" {
		body["tags"] = []restTag{{Key: parentRunIDTag, Value: parentID}}
	}
	var resp struct {
		Run restRun `json:"run"`
	}
	if err := c.do(ctx, http.MethodPost, "/runs/create", body, &resp); err != nil {
		return nil, fmt.Errorf("create run %q: %w", name, err)
	}
	return fromRESTRun(resp.Run), nil
}

// GetRun fetches a run snapshot.
func (c *RESTClient) GetRun(ctx context.Context, runID string) (*Run, error) {
	var resp struct {
		Run restRun `json:"run"`
	}
	path := "/runs/get?run_id=" + runID
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return fromRESTRun(resp.Run), nil
}

// SetTag writes one tag. The server applies tag writes atomically per key.
func (c *RESTClient) SetTag(ctx context.Context, runID, key, value string) error {
	body := map[string]any{"run_id": runID, "key": key, "value": value}
	if err := c.do(ctx, http.MethodPost, "/runs/set-tag", body, nil); err != nil {
		return fmt.Errorf("set tag %s on run %s: %w", key, runID, err)
	}
	return nil
}

// GetTag reads one tag via a run fetch; the API has no single-tag read.
func (c *RESTClient) GetTag(ctx context.Context, runID, key string) (string, bool, error) {
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return "", false, err
	}
	v, ok := run.Tag(key)
	return v, ok, nil
}

// LogMetric records a metric observation.
func (c *RESTClient) LogMetric(ctx context.Context, runID, key string, value float64) error {
	body := map[string]any{
		"run_id":    runID,
		"key":       key,
		"value":     value,
		"timestamp": time.Now().UnixMilli(),
	}
	if err := c.do(ctx, http.MethodPost, "/runs/log-metric", body, nil); err != nil {
		return fmt.Errorf("log metric %s on run %s: %w", key, runID, err)
	}
	return nil
}

// SearchRuns queries runs by tag equality within one experiment.
func (c *RESTClient) SearchRuns(ctx context.Context, experimentID string, filter TagFilter) ([]*Run, error) {
	clauses := make([]string, 0, len(filter))
	for k, v := range filter {
		clauses = append(clauses, fmt.Sprintf("tags.`%s` = '%s'", k, v))
	}
	body := map[string]any{
		"experiment_ids": []string{experimentID},
		"filter":         strings.Join(clauses, " AND "),
		"max_results":    1000,
	}
	var resp struct {
		Runs []restRun `json:"runs"`
	}
	if err := c.do(ctx, http.MethodPost, "/runs/search", body, &resp); err != nil {
		return nil, fmt.Errorf("search runs in experiment %s: %w", experimentID, err)
	}
	out := make([]*Run, 0, len(resp.Runs))
	for _, r := range resp.Runs {
		out = append(out, fromRESTRun(r))
	}
	sortRuns(out)
	return out, nil
}

// SetTerminated closes the run with a terminal status.
func (c *RESTClient) SetTerminated(ctx context.Context, runID string, status RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("set terminated on run %s: %q is not a terminal status", runID, status)
	}
	body := map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": time.Now().UnixMilli(),
	}
	if err := c.do(ctx, http.MethodPost, "/runs/update", body, nil); err != nil {
		return fmt.Errorf("set terminated on run %s: %w", runID, err)
	}
	return nil
}

// do issues one API call with throttling and bounded 5xx retries.
func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if out != nil {
				if err := json.Unmarshal(data, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", strings.TrimSpace(string(data)), ErrRunNotFound)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			continue
		default:
			return fmt.Errorf("server status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func fromRESTRun(r restRun) *Run {
	run := &Run{
		ID:           r.Info.RunID,
		ExperimentID: r.Info.ExperimentID,
		Name:         r.Info.RunName,
		Status:       RunStatus(r.Info.Status),
		StartTime:    time.UnixMilli(r.Info.StartTime).UTC(),
		Tags:         make(map[string]string, len(r.Data.Tags)),
		Metrics:      make(map[string]float64, len(r.Data.Metrics)),
	}
	if r.Info.EndTime > 0 {
		run.EndTime = time.UnixMilli(r.Info.EndTime).UTC()
	}
	for _, t := range r.Data.Tags {
		if t.Key == parentRunIDTag {
			run.ParentID = t.Value
			continue
		}
		run.Tags[t.Key] = t.Value
	}
	for _, m := range r.Data.Metrics {
		run.Metrics[m.Key] = m.Value
	}
	return run
}
