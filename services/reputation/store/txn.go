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
	"errors"
	"fmt"

	"github.com/AleutianAI/proxyd/services/reputation/addr"
	"github.com/AleutianAI/proxyd/services/reputation/rep"
	"github.com/dgraph-io/badger/v4"
)

// Txn is one snapshot-isolated read transaction.
//
// The published-generation pointer is resolved inside the snapshot when
// the transaction opens, so every lookup made through the same Txn sees
// the same generation even if a BulkReplace commits meanwhile. Batch
// callers run all their items against one Txn for exactly this reason.
//
// A Txn is only valid inside the View callback that produced it and must
// not be used from multiple goroutines.
type Txn struct {
	txn *badger.Txn
	gen uint64

	// published is false when no generation has ever been committed;
	// every lookup then reports no match.
	published bool
}

// View runs fn inside a single read transaction.
//
// Description:
//
//	Opens a Badger snapshot, resolves the active generation within it,
//	and invokes fn. Concurrent writers are never blocked and never
//	observed mid-swap.
//
// Outputs:
//
//	error - Whatever fn returns, or a store error resolving the active
//	        generation.
func (s *Store) View(fn func(*Txn) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.View(func(btxn *badger.Txn) error {
		t := Txn{txn: btxn}
		item, err := btxn.Get(activeKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// Empty store: valid, just matchless.
		case err != nil:
			return fmt.Errorf("resolve active generation: %w", err)
		default:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("resolve active generation: %w", err)
			}
			gen, err := decodeGen(val)
			if err != nil {
				return err
			}
			t.gen = gen
			t.published = true
		}
		return fn(&t)
	})
}

// Generation returns the generation id this transaction reads, and
// whether any generation is published at all.
func (t *Txn) Generation() (uint64, bool) {
	return t.gen, t.published
}

// LookupPoint finds the range containing a, if one is stored.
//
// Description:
//
//	Predecessor search: a reverse seek to the greatest stored key not
//	exceeding the encoded address, confined to the address's family
//	namespace, then a containment check against that record's end. Cost
//	is one sorted-structure descent, O(log n).
//
// Outputs:
//
//	rep.Record - The containing range, when found.
//	bool - False when no stored range contains a. Not an error.
//	error - Storage or decode failure only.
func (t *Txn) LookupPoint(a addr.Addr) (rep.Record, bool, error) {
	if !t.published {
		return rep.Record{}, false, nil
	}

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = famPrefix(t.gen, a.Family())

	it := t.txn.NewIterator(opts)
	defer it.Close()

	it.Seek(recordKey(t.gen, a))
	if !it.Valid() {
		return rep.Record{}, false, nil
	}

	rec, err := itemRecord(it.Item())
	if err != nil {
		return rep.Record{}, false, err
	}
	if !rec.Contains(a) {
		return rep.Record{}, false, nil
	}
	return rec, true, nil
}

// LookupIntersecting returns every stored range overlapping [start,end].
//
// Description:
//
//	Scans forward from the predecessor of start through all keys not
//	exceeding end, keeping records whose interval intersects the query.
//	Stored ranges need not be disjoint, so zero, one, or many records
//	may come back, in ascending start order.
//
// Inputs:
//
//	start, end - Inclusive query bounds; must share a family, with
//	             start <= end (the codec's Parse guarantees both).
func (t *Txn) LookupIntersecting(start, end addr.Addr) ([]rep.Record, error) {
	if !t.published {
		return nil, nil
	}
	if start.Family() != end.Family() {
		return nil, fmt.Errorf("intersection query with mixed families %s/%s", start.Family(), end.Family())
	}

	prefix := famPrefix(t.gen, start.Family())
	startKey := recordKey(t.gen, start)
	endKey := recordKey(t.gen, end)

	// The predecessor of start may itself reach into the window.
	seek := startKey
	{
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		rit := t.txn.NewIterator(opts)
		if rit.Seek(startKey); rit.Valid() {
			seek = rit.Item().KeyCopy(nil)
		}
		rit.Close()
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []rep.Record
	for it.Seek(seek); it.Valid(); it.Next() {
		if bytes.Compare(it.Item().Key(), endKey) > 0 {
			break
		}
		rec, err := itemRecord(it.Item())
		if err != nil {
			return nil, err
		}
		if rec.Overlaps(start, end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func itemRecord(item *badger.Item) (rep.Record, error) {
	val, err := item.ValueCopy(nil)
	if err != nil {
		return rep.Record{}, fmt.Errorf("read record value: %w", err)
	}
	return decodeRecord(item.Key(), val)
}

// ActiveInfo returns the metadata of the published generation. ok is
// false when nothing has been published yet.
func (s *Store) ActiveInfo() (GenerationInfo, bool, error) {
	var (
		info GenerationInfo
		ok   bool
	)
	err := s.View(func(t *Txn) error {
		if !t.published {
			return nil
		}
		item, err := t.txn.Get(infoKey(t.gen))
		if err != nil {
			return fmt.Errorf("generation %d info: %w", t.gen, err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("generation %d info: %w", t.gen, err)
		}
		info, err = decodeInfo(val)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return info, ok, err
}
