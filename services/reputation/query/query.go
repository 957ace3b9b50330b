// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query answers point and CIDR reputation lookups against the
// published generation. Malformed input is an answer (VerdictInvalid),
// not an error; errors are reserved for the store itself.
package query

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/proxyd/services/reputation/addr"
	"github.com/AleutianAI/proxyd/services/reputation/rep"
	"github.com/AleutianAI/proxyd/services/reputation/store"
)

var lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proxyd_lookups_total",
	Help: "Lookups by outcome",
}, []string{"outcome"})

// Verdict classifies a lookup outcome.
type Verdict uint8

const (
	VerdictNoMatch Verdict = iota
	VerdictMatched
	VerdictInvalid
)

var verdictNames = map[Verdict]string{
	VerdictNoMatch: "no-match",
	VerdictMatched: "matched",
	VerdictInvalid: "invalid",
}

func (v Verdict) String() string {
	if name, ok := verdictNames[v]; ok {
		return name
	}
	return "unknown"
}

// Result is the answer to one lookup.
//
// For a point lookup a matched Start/End is the full stored range the
// address falls in. For a CIDR lookup it is the stored range clamped to
// the queried window, so callers see exactly which part of their
// network is listed.
type Result struct {
	// Query echoes the input string, so batch callers can correlate
	// positionally or by value.
	Query string

	Verdict Verdict

	// Category, Start, End, and LastSeen are meaningful only when
	// Verdict is VerdictMatched. LastSeen is zero when the feed row
	// carried no timestamp.
	Category rep.Category
	Start    addr.Addr
	End      addr.Addr
	LastSeen time.Time
}

// Engine answers lookups from a store.
//
// Thread Safety: safe for concurrent use; every method reads from its
// own store snapshot.
type Engine struct {
	store *store.Store
}

// New builds a query engine over s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// LookupIP answers a single point lookup.
//
// Outputs:
//
//   - Result: VerdictInvalid when s is not an IP address, VerdictNoMatch
//     when no stored range contains it, VerdictMatched otherwise.
//   - error: Store failure only; never for malformed input.
func (e *Engine) LookupIP(s string) (Result, error) {
	var res Result
	err := e.store.View(func(txn *store.Txn) error {
		var ierr error
		res, ierr = lookupPoint(txn, s)
		return ierr
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// LookupCIDR answers a range lookup: one Result per stored range
// intersecting the queried network, each clamped to the network, in
// ascending address order. A clean miss yields a single VerdictNoMatch
// Result.
func (e *Engine) LookupCIDR(s string) ([]Result, error) {
	var res []Result
	err := e.store.View(func(txn *store.Txn) error {
		var ierr error
		res, ierr = lookupRange(txn, s)
		return ierr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BatchLookupIP answers many point lookups inside one store snapshot:
// every answer reflects the same generation even if a swap lands
// mid-batch. Results align positionally with queries; a malformed item
// yields VerdictInvalid in its slot without disturbing the rest.
func (e *Engine) BatchLookupIP(queries []string) ([]Result, error) {
	results := make([]Result, len(queries))
	err := e.store.View(func(txn *store.Txn) error {
		for i, q := range queries {
			r, ierr := lookupPoint(txn, q)
			if ierr != nil {
				return ierr
			}
			results[i] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// BatchLookupCIDR is BatchLookupIP for networks; results[i] holds the
// (possibly multi-range) answer for queries[i].
func (e *Engine) BatchLookupCIDR(queries []string) ([][]Result, error) {
	results := make([][]Result, len(queries))
	err := e.store.View(func(txn *store.Txn) error {
		for i, q := range queries {
			r, ierr := lookupRange(txn, q)
			if ierr != nil {
				return ierr
			}
			results[i] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func lookupPoint(txn *store.Txn, s string) (Result, error) {
	a, err := addr.ParseAddr(s)
	if err != nil {
		lookupsTotal.WithLabelValues("invalid").Inc()
		return Result{Query: s, Verdict: VerdictInvalid}, nil
	}
	rec, ok, err := txn.LookupPoint(a)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		lookupsTotal.WithLabelValues("no_match").Inc()
		return Result{Query: s, Verdict: VerdictNoMatch}, nil
	}
	lookupsTotal.WithLabelValues("matched").Inc()
	return Result{
		Query:    s,
		Verdict:  VerdictMatched,
		Category: rec.Category,
		Start:    rec.Start,
		End:      rec.End,
		LastSeen: rec.LastSeen,
	}, nil
}

func lookupRange(txn *store.Txn, s string) ([]Result, error) {
	start, end, err := addr.Parse(s)
	if err != nil {
		lookupsTotal.WithLabelValues("invalid").Inc()
		return []Result{{Query: s, Verdict: VerdictInvalid}}, nil
	}
	records, err := txn.LookupIntersecting(start, end)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		lookupsTotal.WithLabelValues("no_match").Inc()
		return []Result{{Query: s, Verdict: VerdictNoMatch}}, nil
	}
	lookupsTotal.WithLabelValues("matched").Inc()
	out := make([]Result, 0, len(records))
	for _, rec := range records {
		out = append(out, Result{
			Query:    s,
			Verdict:  VerdictMatched,
			Category: rec.Category,
			Start:    maxAddr(rec.Start, start),
			End:      minAddr(rec.End, end),
			LastSeen: rec.LastSeen,
		})
	}
	return out, nil
}

func maxAddr(a, b addr.Addr) addr.Addr {
	if a.Less(b) {
		return b
	}
	return a
}

func minAddr(a, b addr.Addr) addr.Addr {
	if b.Less(a) {
		return b
	}
	return a
}
