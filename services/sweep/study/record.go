// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package study owns the on-disk study record and the resume controller.
//
// A study record is one BadgerDB directory holding the trial history of a
// single study generation. Records are addressed by study key hash; each
// fresh creation gets a new generation directory, so recreating a study
// never touches the state of an earlier one.
package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Keys inside one generation database.
const (
	metaKey      = "meta"
	trialKeyFmt  = "trial/%06d"
	trialKeyScan = "trial/"
)

// TrialState is the lifecycle state of one recorded trial.
type TrialState string

const (
	TrialRunning  TrialState = "running"
	TrialComplete TrialState = "complete"
	TrialFailed   TrialState = "failed"
	TrialPruned   TrialState = "pruned"
)

// StudyMeta identifies a study generation and its selection objective.
type StudyMeta struct {
	// StudyKeyHash is the truncated study key digest this record is
	// addressed by.
	StudyKeyHash string `json:"study_key_hash"`

	// Schema is the key schema the hash was computed under.
	Schema string `json:"schema"`

	// Backbone is the model backbone this study tunes.
	Backbone string `json:"backbone"`

	// ObjectiveMetric is the metric trials report for selection.
	ObjectiveMetric string `json:"objective_metric"`

	// Direction is "minimize" or "maximize".
	Direction string `json:"direction"`

	CreatedAt time.Time `json:"created_at"`

	// Completed marks the study finished. A completed study is never
	// resumed; resume_if_incomplete routes to a fresh generation instead.
	Completed bool `json:"completed"`

	// Generation is the 1-based creation counter for this study key.
	Generation int `json:"generation"`
}

// TrialEntry is the persisted outcome of one trial.
type TrialEntry struct {
	Number int            `json:"number"`
	Params map[string]any `json:"params"`
	State  TrialState     `json:"state"`

	// Value is the objective metric value. Meaningful only when State
	// is TrialComplete.
	Value float64 `json:"value"`

	// RunID is the tracked run carrying this trial.
	RunID string `json:"run_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Record is one open study generation.
//
// A Record is exclusively owned by the sweep process that opened it; the
// embedded database gives durability within the process, not cross-process
// coordination.
type Record struct {
	db     *badger.DB
	dir    string
	meta   StudyMeta
	closed bool
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func openDB(dir string, logger *slog.Logger) (*badger.DB, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create study directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open study database at %s: %w", dir, err)
	}
	return db, nil
}

// createRecord opens a fresh generation database and writes its meta entry.
func createRecord(dir string, meta StudyMeta, logger *slog.Logger) (*Record, error) {
	db, err := openDB(dir, logger)
	if err != nil {
		return nil, err
	}
	rec := &Record{db: db, dir: dir, meta: meta}
	if err := rec.writeMeta(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return rec, nil
}

// loadRecord opens an existing generation database and reads its meta entry.
// Any failure here means the record exists but cannot be trusted.
func loadRecord(dir string, logger *slog.Logger) (*Record, error) {
	db, err := openDB(dir, logger)
	if err != nil {
		return nil, err
	}
	rec := &Record{db: db, dir: dir}
	if err := rec.readMeta(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return rec, nil
}

// Meta returns a copy of the record's meta entry.
func (r *Record) Meta() StudyMeta {
	return r.meta
}

// Dir returns the generation directory this record lives in.
func (r *Record) Dir() string {
	return r.dir
}

// Closed reports whether Close has been called.
func (r *Record) Closed() bool {
	return r.closed
}

// Close flushes and closes the underlying database. Safe to call twice.
func (r *Record) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

func (r *Record) writeMeta(ctx context.Context) error {
	raw, err := json.Marshal(r.meta)
	if err != nil {
		return fmt.Errorf("encode study meta: %w", err)
	}
	return r.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(metaKey), raw)
	})
}

func (r *Record) readMeta(ctx context.Context) error {
	return r.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if err != nil {
			return fmt.Errorf("read study meta: %w", err)
		}
		return item.Value(func(raw []byte) error {
			if err := json.Unmarshal(raw, &r.meta); err != nil {
				return fmt.Errorf("decode study meta: %w", err)
			}
			return nil
		})
	})
}

// SaveTrial upserts one trial entry keyed by trial number.
func (r *Record) SaveTrial(ctx context.Context, entry TrialEntry) error {
	if entry.Number < 0 {
		return errors.New("trial number must not be negative")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode trial %d: %w", entry.Number, err)
	}
	key := fmt.Sprintf(trialKeyFmt, entry.Number)
	return r.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
}

// Trial reads one trial entry. The bool is false when the trial was never
// recorded.
func (r *Record) Trial(ctx context.Context, number int) (TrialEntry, bool, error) {
	var entry TrialEntry
	var found bool
	key := fmt.Sprintf(trialKeyFmt, number)
	err := r.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read trial %d: %w", number, err)
		}
		found = true
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &entry)
		})
	})
	return entry, found, err
}

// Trials returns all recorded trials in trial-number order.
func (r *Record) Trials(ctx context.Context) ([]TrialEntry, error) {
	var out []TrialEntry
	err := r.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(trialKeyScan)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry TrialEntry
			err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode trial entry %s: %w", it.Item().Key(), err)
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// MarkCompleted sets the completion marker consumed by
// resume_if_incomplete on the next invocation.
func (r *Record) MarkCompleted(ctx context.Context) error {
	r.meta.Completed = true
	return r.writeMeta(ctx)
}

func (r *Record) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := r.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

func (r *Record) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := r.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}
