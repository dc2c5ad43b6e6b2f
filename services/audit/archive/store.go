// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

var (
	// ErrRunNotFound is returned when no run has the requested ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("archive closed")

	// ErrInvalidRecord is returned for records without a run ID.
	ErrInvalidRecord = errors.New("invalid run record")
)

// RunRecord is everything kept about one finished run.
type RunRecord struct {
	RunID         string               `json:"run_id"`
	Graph         string               `json:"graph"`
	Inputs        map[string]string    `json:"inputs"`
	StartedAt     time.Time            `json:"started_at"`
	Duration      time.Duration        `json:"duration"`
	Verdict       *state.Verdict       `json:"verdict,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	State         *state.WorkflowState `json:"state,omitempty"`
	Waves         []dag.WaveRecord     `json:"waves,omitempty"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	RunID         string        `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	WeightedScore float64       `json:"weighted_score"`
	Rung          int           `json:"rung"`
	Dissent       bool          `json:"dissent"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// Summary returns the list view of r.
func (r *RunRecord) Summary() RunSummary {
	s := RunSummary{
		RunID:         r.RunID,
		StartedAt:     r.StartedAt,
		Duration:      r.Duration,
		FailureReason: r.FailureReason,
	}
	if r.Verdict != nil {
		s.WeightedScore = r.Verdict.WeightedScore
		s.Rung = r.Verdict.Rung
		s.Dissent = r.Verdict.Dissent != ""
	}
	return s
}

// Sink receives finished runs.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec *RunRecord) error
}

// Store is the badger-backed run archive.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens the archive.
func Open(cfg DBConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, gc, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug("run archive opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
	)
	return &Store{db: db, gc: gc, logger: logger}, nil
}

// Name implements Sink.
func (s *Store) Name() string {
	return "badger"
}

func runKey(id string) []byte {
	return []byte("run/" + id)
}

func wavePrefix(runID string) []byte {
	return []byte("wave/" + runID + "/")
}

func waveKey(runID string, index int) []byte {
	return fmt.Appendf(wavePrefix(runID), "%06d", index)
}

// update runs fn in a read-write transaction, guarding against use after
// Close.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

// Publish stores rec, replacing any earlier record with the same ID.
func (s *Store) Publish(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return ErrInvalidRecord
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", rec.RunID, err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(runKey(rec.RunID), data)
	})
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return &rec, nil
}

// ListRuns returns run summaries, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	var out []RunSummary
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("run/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec RunRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec.Summary())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b RunSummary) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.RunID, b.RunID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendWave journals one wave record.
func (s *Store) AppendWave(ctx context.Context, rec dag.WaveRecord) error {
	if rec.RunID == "" {
		return ErrInvalidRecord
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wave %d: %w", rec.Index, err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(waveKey(rec.RunID, rec.Index), data)
	})
}

// Waves returns the journaled waves of a run in index order.
func (s *Store) Waves(ctx context.Context, runID string) ([]dag.WaveRecord, error) {
	var out []dag.WaveRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := wavePrefix(runID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec dag.WaveRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Journal returns an executor observer that appends every wave.
// Write failures are logged; they never fail the run.
func (s *Store) Journal() dag.Observer {
	return dag.ObserverFunc(func(ctx context.Context, rec dag.WaveRecord) {
		if err := s.AppendWave(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.Warn("wave journal write failed",
				slog.String("run_id", rec.RunID),
				slog.Int("wave", rec.Index),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

var _ Sink = (*Store)(nil)
