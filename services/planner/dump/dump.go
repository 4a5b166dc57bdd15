// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dump persists post-mortem snapshots of search runs: the plan the
// engine stopped on, the behavior graph it was working on and the audit
// tree of the search, keyed by run id and dump kind.
package dump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/nfcompile/services/planner/bdd"
	"github.com/AleutianAI/nfcompile/services/planner/ep"
	"github.com/AleutianAI/nfcompile/services/planner/report"
	"github.com/AleutianAI/nfcompile/services/planner/search"
	store "github.com/AleutianAI/nfcompile/services/planner/storage/badger"
)

// ErrNotFound is returned for an unknown dump key.
var ErrNotFound = errors.New("dump not found")

const keyPrefix = "dump/"

var dumpsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nfcompile",
	Subsystem: "dump",
	Name:      "written_total",
	Help:      "Post-mortem dumps written, by kind.",
}, []string{"kind"})

// Frontier is one continuation of the dumped plan that still had work.
type Frontier struct {
	Next        bdd.NodeID    `json:"next"`
	Node        string        `json:"node"`
	Target      ep.TargetType `json:"target"`
	RecircDepth int           `json:"recirc_depth,omitempty"`
}

// Record is one stored snapshot.
type Record struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	Kind      string           `json:"kind"`
	CreatedAt time.Time        `json:"created_at"`
	PlanID    ep.ID            `json:"plan_id"`
	PlanHash  string           `json:"plan_hash"`
	Frontier  []Frontier       `json:"frontier,omitempty"`
	Plan      *report.Document `json:"plan"`
	Graph     *bdd.Document    `json:"graph"`
	Space     json.RawMessage  `json:"space,omitempty"`
}

// Store writes and reads dumps in BadgerDB. It implements search.Dumper.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *store.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a store on an open database. The caller keeps ownership of db.
func New(db *store.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ search.Dumper = (*Store)(nil)

// Key returns the key a dump of kind for runID is stored under.
func Key(runID, kind string) string {
	return runID + "/" + kind
}

// Snapshot captures the dumpable state of a plan.
func Snapshot(runID, kind string, e *ep.EP, space *search.Space) (*Record, error) {
	rec := &Record{
		ID:        uuid.NewString(),
		RunID:     runID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		PlanID:    e.ID(),
		PlanHash:  fmt.Sprintf("%016x", e.Hash()),
		Plan:      report.FromPlan(e),
		Graph:     e.Graph().ToDocument(),
	}
	for _, l := range e.Leaves() {
		if !l.Active() {
			continue
		}
		f := Frontier{Next: l.Next, Target: l.Target, RecircDepth: l.RecircDepth}
		if n, ok := e.Graph().Get(l.Next); ok {
			f.Node = n.Describe()
		}
		rec.Frontier = append(rec.Frontier, f)
	}
	if space != nil {
		raw, err := json.Marshal(space)
		if err != nil {
			return nil, fmt.Errorf("encode search space: %w", err)
		}
		rec.Space = raw
	}
	return rec, nil
}

// Dump stores a snapshot of e and space and returns its key.
//
// Inputs:
//
//	ctx - Cancels the write.
//	runID, kind - Form the key. Writing the same pair twice overwrites.
//	e - The plan to snapshot. Must not be nil.
//	space - The search audit tree. May be nil.
//
// Outputs:
//
//	string - The dump key, see Key.
//	error - Encoding or storage failure.
func (s *Store) Dump(ctx context.Context, runID, kind string, e *ep.EP, space *search.Space) (string, error) {
	rec, err := Snapshot(runID, kind, e, space)
	if err != nil {
		return "", err
	}
	if err := s.Put(ctx, rec); err != nil {
		return "", err
	}
	key := Key(runID, kind)
	dumpsWritten.WithLabelValues(kind).Inc()
	s.logger.Info("dump written",
		slog.String("key", key),
		slog.Int64("plan", int64(rec.PlanID)),
		slog.Int("frontier", len(rec.Frontier)))
	return key, nil
}

// Put stores a prepared record.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dump: %w", err)
	}
	key := []byte(keyPrefix + Key(rec.RunID, rec.Kind))
	if err := s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(s.db.Entry(key, raw))
	}); err != nil {
		return fmt.Errorf("write dump %s: %w", key, err)
	}
	return nil
}

// Get loads a dump by key.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the keys stored for runID, or every key when runID is empty.
func (s *Store) List(ctx context.Context, runID string) ([]string, error) {
	prefix := keyPrefix
	if runID != "" {
		prefix += runID + "/"
	}
	var keys []string
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return keys, err
}
