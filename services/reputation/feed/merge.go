// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feed

import (
	"bytes"
	"sort"

	"github.com/AleutianAI/proxyd/services/reputation/rep"
)

// Resolve decides which of two overlapping records owns the contested
// space: the higher-severity category wins; on equal severity the more
// recently seen record wins; a full tie keeps a.
//
// This is the whole overlap policy, kept as a pure function so the
// tie-break rule stays auditable and order-independent.
func Resolve(a, b rep.Record, ranking rep.Ranking) rep.Record {
	if secondWins(a, b, ranking) {
		return b
	}
	return a
}

// secondWins reports whether b takes the contested space from a.
func secondWins(a, b rep.Record, ranking rep.Ranking) bool {
	ra, rb := ranking.Rank(a.Category), ranking.Rank(b.Category)
	if ra != rb {
		return rb > ra
	}
	return b.LastSeen.After(a.LastSeen)
}

// MergeOverlaps resolves overlaps across parsed records.
//
// Description:
//
//	Records are sorted by encoded start key, then swept off a pending
//	queue in ascending start order. Where two records overlap, the
//	Resolve winner keeps its full interval; the loser is trimmed to
//	whatever space the winner does not cover, and dropped entirely when
//	the winner shadows it. A trimmed tail fragment starts beyond the
//	winner, possibly past records still waiting in the queue, so it is
//	requeued by start key rather than emitted. Every record popped from
//	the queue therefore starts at or after the last emitted record and
//	can only contest that one.
//
// Outputs:
//
//	[]rep.Record - Disjoint records in strictly ascending key order,
//	               which is exactly the order bulk replacement requires.
//	               The input slice is not modified.
func MergeOverlaps(records []rep.Record, ranking rep.Ranking) []rep.Record {
	if len(records) == 0 {
		return nil
	}

	pending := make([]rep.Record, len(records))
	copy(pending, records)
	sort.SliceStable(pending, func(i, j int) bool {
		return bytes.Compare(pending[i].Key(), pending[j].Key()) < 0
	})

	out := make([]rep.Record, 0, len(pending))
	for len(pending) > 0 {
		rec := pending[0]
		pending = pending[1:]
		out, pending = resolveNext(out, pending, rec, ranking)
	}
	return out
}

// resolveNext merges rec, the pending record with the smallest start,
// into out. Fragments that outlive the contested space go back into
// pending so later records still compare against everything they reach.
func resolveNext(out, pending []rep.Record, rec rep.Record, ranking rep.Ranking) ([]rep.Record, []rep.Record) {
	if len(out) == 0 {
		return append(out, rec), pending
	}
	top := out[len(out)-1]
	if top.Start.Family() != rec.Start.Family() || top.End.Less(rec.Start) {
		return append(out, rec), pending
	}

	if !secondWins(top, rec, ranking) {
		// top holds the contested space; whatever part of rec reaches
		// beyond it is requeued, since queued records may start sooner.
		if top.End.Less(rec.End) {
			if tailStart, ok := top.End.Next(); ok {
				rec.Start = tailStart
				pending = requeue(pending, rec)
			}
		}
		return out, pending
	}

	// rec takes the contested space whole. top survives as a head
	// fragment before rec and, when nested around it, a requeued tail.
	out = out[:len(out)-1]
	if top.Start.Less(rec.Start) {
		if headEnd, ok := rec.Start.Prev(); ok {
			head := top
			head.End = headEnd
			out = append(out, head)
		}
	}
	out = append(out, rec)
	if rec.End.Less(top.End) {
		if tailStart, ok := rec.End.Next(); ok {
			tail := top
			tail.Start = tailStart
			pending = requeue(pending, tail)
		}
	}
	return out, pending
}

// requeue inserts frag into pending, keeping ascending start-key order.
// Equal keys go after existing entries so queue position still decides
// full ties in Resolve.
func requeue(pending []rep.Record, frag rep.Record) []rep.Record {
	key := frag.Key()
	i := sort.Search(len(pending), func(i int) bool {
		return bytes.Compare(pending[i].Key(), key) > 0
	})
	pending = append(pending, rep.Record{})
	copy(pending[i+1:], pending[i:])
	pending[i] = frag
	return pending
}
