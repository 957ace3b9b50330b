// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists reputation ranges in a sorted, generation-aware
// BadgerDB keyspace and answers predecessor and intersection searches
// against the published generation.
//
// # Layout
//
// Record keys are 'r' | generation(8, big-endian) | address key(17),
// where the address key is the order-preserving encoding from the addr
// package. Values carry the encoded interval end, the category, and the
// feed's last-seen timestamp in a fixed binary layout. Metadata lives
// under the 'm' namespace: the published generation pointer and one
// gob-encoded GenerationInfo per generation.
//
// # Generations and isolation
//
// BulkReplace builds a complete new generation and publishes it by
// rewriting the active pointer inside the same write transaction, so a
// partial dataset is never visible. Readers resolve the pointer inside
// their own Badger snapshot (see View), which is what makes a concurrent
// swap invisible for the whole duration of a call. Retiring the previous
// generation only writes tombstones, so snapshots taken before the swap
// keep reading it until they finish.
//
// # Thread Safety
//
// Store is safe for concurrent use: any number of View transactions may
// run alongside the single writer.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrCorrupted means the backing structure could not be opened
	// validly. The store never auto-repairs: a silent repair could
	// serve a truncated dataset as if it were complete.
	ErrCorrupted = errors.New("reputation store corrupted")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("reputation store is closed")

	// ErrUnsorted is returned by BulkReplace when the input is not in
	// strictly ascending key order. The whole transaction is discarded.
	ErrUnsorted = errors.New("bulk replace input not in ascending key order")

	// ErrReplaceTooLarge is returned when the record set exceeds what a
	// single Badger transaction can hold. Partial writes are never
	// committed; raise Config.MemTableSize to lift the ceiling.
	ErrReplaceTooLarge = errors.New("bulk replace exceeds transaction capacity")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	recordCountGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxyd_range_records",
		Help: "Records in the published generation",
	})

	activeGenerationGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxyd_active_generation",
		Help: "Id of the published generation",
	})

	retiredGenerationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxyd_retired_generations_total",
		Help: "Generations tombstoned after being superseded",
	})
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds configuration for the range store.
type Config struct {
	// Dir is the data directory. Required unless InMemory is true. The
	// directory holds Badger's backing files and nothing else; its
	// format is opaque to every other layer.
	Dir string

	// InMemory runs the store without disk persistence. For tests.
	InMemory bool

	// SyncWrites makes the publish commit durable before it returns.
	// Default true in DefaultConfig.
	SyncWrites bool

	// MemTableSize bounds Badger's memtable, and with it the size of a
	// single transaction. BulkReplace commits one transaction per feed,
	// so this must be sized for the full dataset, not a page of it.
	MemTableSize int64

	// Logger receives store and Badger-internal log output. If nil,
	// Badger's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable commits and a
// memtable sized for feeds in the low millions of rows.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		SyncWrites:   true,
		MemTableSize: 256 << 20,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no sync.
func InMemoryConfig() Config {
	return Config{
		InMemory:     true,
		MemTableSize: 64 << 20,
	}
}

// badgerLogger adapts slog to Badger's Logger interface.
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

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the persistent, generation-aware range index.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// writeMu serializes BulkReplace; the store is single-writer.
	writeMu sync.Mutex

	// retireWG tracks background retirement of superseded generations.
	retireWG sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// Open opens the store.
//
// Description:
//
//	Creates the data directory if needed, opens the Badger keyspace, and
//	sweeps generations that are neither published nor pending (crash
//	leftovers). A directory that exists but cannot be opened validly is
//	reported as ErrCorrupted; per the error contract that is fatal to
//	startup and requires manual intervention.
//
// Outputs:
//
//	*Store - The opened store. Caller must Close.
//	error - ErrCorrupted (wrapped) or an IO error.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("store: data directory is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.MemTableSize > 0 {
		opts = opts.WithMemTableSize(cfg.MemTableSize)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Store{db: db, logger: logger}

	if err := s.sweepOrphans(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: orphan sweep: %v", ErrCorrupted, err)
	}

	if info, ok, err := s.ActiveInfo(); err == nil && ok {
		recordCountGauge.Set(float64(info.Records))
		activeGenerationGauge.Set(float64(info.ID))
	}

	return s, nil
}

// Close waits for in-flight writes and background retirement, then
// closes the keyspace.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	// Holding writeMu blocks until a bulk replace that is mid-staging
	// commits or discards; writers queued behind it observe closed and
	// return ErrClosed instead of touching a closed keyspace.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.retireWG.Wait()
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}
