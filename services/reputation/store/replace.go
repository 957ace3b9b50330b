// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/proxyd/services/reputation/rep"
)

// ctxCheckInterval is how many staged records go between context checks.
// Cancellation is honored while staging; the commit itself is a single
// atomic step and cannot be interrupted half-way.
const ctxCheckInterval = 1024

// BuildMeta carries sync-cycle facts into the generation metadata.
type BuildMeta struct {
	// Skipped is the count of feed rows rejected during parsing.
	Skipped uint64

	// FeedHash is the hex SHA-256 of the raw feed, when known.
	FeedHash string
}

// BulkReplace builds and publishes a new generation from records.
//
// Description:
//
//	Records must already be sorted in strictly ascending EncodeKey(start)
//	order (the merge policy emits them that way). Everything is staged
//	and committed inside one write transaction: record keys, generation
//	metadata, and the active-generation pointer. Any invariant violation,
//	context cancellation, or capacity overflow discards the transaction
//	whole, and readers stay on the prior generation. After a successful
//	commit the superseded generation is tombstoned in the background;
//	in-flight snapshots keep seeing it until they finish.
//
// Inputs:
//
//	ctx - Checked between staging batches; never mid-commit.
//	records - Sorted, validated, non-overlapping-start records.
//	meta - Feed facts recorded in the GenerationInfo.
//
// Outputs:
//
//	GenerationInfo - The published generation's metadata.
//	error - ErrUnsorted, ErrReplaceTooLarge, rep.ErrInvalidRecord, ctx
//	        errors, or a commit failure. On any error the store remains
//	        on the previous generation.
//
// Thread Safety: serialized internally; the store is single-writer.
func (s *Store) BulkReplace(ctx context.Context, records []rep.Record, meta BuildMeta) (GenerationInfo, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// Checked under writeMu: Close holds the same lock before closing
	// the keyspace, so a writer queued behind it lands here.
	if s.isClosed() {
		return GenerationInfo{}, ErrClosed
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	prevGen, prevPublished, err := readGen(txn, activeKey)
	if err != nil {
		return GenerationInfo{}, err
	}
	lastGen, _, err := readGen(txn, lastGenKey)
	if err != nil {
		return GenerationInfo{}, err
	}
	newGen := lastGen + 1

	var prevKey []byte
	for i, rec := range records {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return GenerationInfo{}, err
			}
		}
		if err := rec.Validate(); err != nil {
			return GenerationInfo{}, fmt.Errorf("record %d: %w", i, err)
		}
		key := recordKey(newGen, rec.Start)
		if prevKey != nil && bytes.Compare(prevKey, key) >= 0 {
			return GenerationInfo{}, fmt.Errorf("%w: record %d (%s)", ErrUnsorted, i, rec.Start)
		}
		if err := txn.Set(key, encodeValue(rec)); err != nil {
			if errors.Is(err, badger.ErrTxnTooBig) {
				return GenerationInfo{}, fmt.Errorf("%w: %d records staged", ErrReplaceTooLarge, i)
			}
			return GenerationInfo{}, fmt.Errorf("stage record %d: %w", i, err)
		}
		prevKey = key
	}

	info := GenerationInfo{
		ID:       newGen,
		BuiltAt:  time.Now().UTC(),
		Records:  uint64(len(records)),
		Skipped:  meta.Skipped,
		FeedHash: meta.FeedHash,
	}
	infoVal, err := encodeInfo(info)
	if err != nil {
		return GenerationInfo{}, err
	}
	if err := setAll(txn, map[string][]byte{
		string(infoKey(newGen)): infoVal,
		string(activeKey):       encodeGen(newGen),
		string(lastGenKey):      encodeGen(newGen),
	}); err != nil {
		return GenerationInfo{}, err
	}

	if err := txn.Commit(); err != nil {
		return GenerationInfo{}, fmt.Errorf("publish generation %d: %w", newGen, err)
	}

	recordCountGauge.Set(float64(info.Records))
	activeGenerationGauge.Set(float64(info.ID))
	s.logger.Info("generation published",
		"generation", newGen,
		"records", info.Records,
		"skipped", info.Skipped,
	)

	if prevPublished {
		s.retireWG.Add(1)
		go func() {
			defer s.retireWG.Done()
			if err := s.retireGeneration(prevGen); err != nil {
				s.logger.Warn("retire generation", "generation", prevGen, "error", err)
			}
		}()
	}

	return info, nil
}

func setAll(txn *badger.Txn, kv map[string][]byte) error {
	for k, v := range kv {
		if err := txn.Set([]byte(k), v); err != nil {
			if errors.Is(err, badger.ErrTxnTooBig) {
				return ErrReplaceTooLarge
			}
			return err
		}
	}
	return nil
}

// retireGeneration tombstones every key of a superseded generation.
// Deletes go through normal transactions, so snapshots older than the
// swap still resolve the retired records until they close.
func (s *Store) retireGeneration(gen uint64) error {
	keys, err := s.collectKeys(genPrefix(gen))
	if err != nil {
		return err
	}
	keys = append(keys, infoKey(gen))

	if err := s.deleteKeys(keys); err != nil {
		return err
	}
	retiredGenerationsTotal.Inc()
	s.logger.Debug("generation retired", "generation", gen, "keys", len(keys))
	return nil
}

func (s *Store) collectKeys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// deleteKeys removes keys in as few transactions as fit; a tombstone
// batch that outgrows one transaction is split, which is safe because
// retirement needs no atomicity.
func (s *Store) deleteKeys(keys [][]byte) (retErr error) {
	txn := s.db.NewTransaction(true)
	defer func() {
		if retErr != nil {
			txn.Discard()
		}
	}()

	for _, key := range keys {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("commit tombstones: %w", err)
			}
			txn = s.db.NewTransaction(true)
			err = txn.Delete(key)
		}
		if err != nil {
			return fmt.Errorf("tombstone %x: %w", key, err)
		}
	}
	return txn.Commit()
}

// sweepOrphans removes generations that are not published: staging
// leftovers from a crash mid-cycle, or retirements that never finished.
func (s *Store) sweepOrphans() error {
	var active uint64
	var published bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		active, published, err = readGen(txn, activeKey)
		return err
	})
	if err != nil {
		return err
	}

	// Walk distinct generation ids under the record namespace without
	// touching every key: read one key, then seek past the generation.
	var orphans []uint64
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{recordNamespace}
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek([]byte{recordNamespace})
		for it.Valid() {
			key := it.Item().Key()
			if len(key) < 9 {
				return fmt.Errorf("malformed record key %x", key)
			}
			gen := binary.BigEndian.Uint64(key[1:9])
			if !published || gen != active {
				orphans = append(orphans, gen)
			}
			it.Seek(genPrefix(gen + 1))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, gen := range orphans {
		s.logger.Info("sweeping orphaned generation", "generation", gen)
		if err := s.retireGeneration(gen); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Generation pointer codec
// -----------------------------------------------------------------------------

func encodeGen(gen uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, gen)
}

func decodeGen(val []byte) (uint64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("generation pointer: want 8 bytes, got %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func readGen(txn *badger.Txn, key []byte) (uint64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", key, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", key, err)
	}
	gen, err := decodeGen(val)
	if err != nil {
		return 0, false, err
	}
	return gen, true, nil
}
