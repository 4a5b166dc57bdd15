// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens the embedded BadgerDB instance that backs the
// planner's post-mortem dump store.
//
// Dumps are written rarely (one per failed run, optionally one per
// successful run) and read back by hand, so the store favors durability
// over write latency and keeps a single version per key.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired is returned when a persistent database has no directory.
var ErrPathRequired = errors.New("path is required for persistent database")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `json:"path" yaml:"path"`

	// InMemory keeps everything in RAM. Dumps vanish on Close.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// TTL expires dump entries. Zero keeps them forever.
	TTL time.Duration `json:"ttl" yaml:"ttl" validate:"gte=0"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval" validate:"gte=0"`

	// GCDiscardRatio is the garbage share that triggers a value log rewrite.
	GCDiscardRatio float64 `json:"gc_discard_ratio" yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultConfig returns the on-disk defaults.
//
// Outputs:
//
//	Config - SyncWrites on, a week of retention, GC every 5 minutes at 50%.
func DefaultConfig() Config {
	return Config{
		Path:           ".nfcompile/dumps",
		SyncWrites:     true,
		TTL:            7 * 24 * time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests and one-shot CLI runs.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes BadgerDB's printf-style logger through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return opts, ErrPathRequired
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// DB is a BadgerDB instance with its GC loop.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	*badger.DB
	cfg Config

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Open opens the database and starts value log GC when configured.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*DB - The opened database. Caller must call Close.
//	error - ErrPathRequired, or the underlying open failure.
func Open(cfg Config) (*DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	db := &DB{DB: raw, cfg: cfg}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stop = make(chan struct{})
		db.done = make(chan struct{})
		go db.gcLoop()
	}
	return db, nil
}

// OpenInMemory opens a throwaway in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

func (d *DB) gcLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.collect()
		}
	}
}

func (d *DB) collect() {
	// ErrNoRewrite only means there was nothing worth reclaiming.
	err := d.RunValueLogGC(d.cfg.GCDiscardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && d.cfg.Logger != nil {
		d.cfg.Logger.Warn("badger value log GC failed", slog.String("error", err.Error()))
	}
}

// Close stops the GC loop and closes the database. Safe to call twice.
func (d *DB) Close() error {
	var err error
	d.stopOnce.Do(func() {
		if d.stop != nil {
			close(d.stop)
			<-d.done
		}
		err = d.DB.Close()
	})
	return err
}

// InMemory reports whether the database lives only in RAM.
func (d *DB) InMemory() bool {
	return d.cfg.InMemory
}

// TTL returns the configured entry lifetime, zero for none.
func (d *DB) TTL() time.Duration {
	return d.cfg.TTL
}

// Update runs fn in a read-write transaction and commits when it returns nil.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Entry builds a write entry carrying the configured TTL.
func (d *DB) Entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if d.cfg.TTL > 0 {
		e = e.WithTTL(d.cfg.TTL)
	}
	return e
}
