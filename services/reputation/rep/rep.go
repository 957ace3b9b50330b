// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rep defines the reputation vocabulary shared by the feed
// parser, the range store, and the query engine: the category labels the
// external feed asserts, their relative severity, and the range record
// that binds a category to an inclusive address interval.
//
// The severity ranking decides which record wins when feed ranges
// overlap. The default ordering below is a documented configuration
// default, not a fact the feed states; deployments can override it (see
// Ranking and the config package).
package rep

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/proxyd/services/reputation/addr"
)

// Category is a reputation label sourced from the external feed.
//
// The declaration order doubles as the default severity ranking, least
// severe first. CategoryUnknown is never stored; it marks parse failure.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryCDN
	CategoryWebhost
	CategoryPublicWifi
	CategoryVPN
	CategoryProxy
	CategoryTor
	CategorySchoolBlock
	CategoryRangeBlock
	CategoryAnonBlock
)

// categoryNames uses the feed's spelling, hyphens included.
var categoryNames = map[Category]string{
	CategoryCDN:         "cdn",
	CategoryWebhost:     "webhost",
	CategoryPublicWifi:  "public-wifi",
	CategoryVPN:         "vpn",
	CategoryProxy:       "proxy",
	CategoryTor:         "tor",
	CategorySchoolBlock: "school-block",
	CategoryRangeBlock:  "rangeblock",
	CategoryAnonBlock:   "anonblock",
}

var categoriesByName = func() map[string]Category {
	m := make(map[string]Category, len(categoryNames))
	for c, n := range categoryNames {
		m[n] = c
	}
	return m
}()

// ParseCategory maps a feed label to a Category. ok is false for labels
// the feed contract does not define; callers count and skip those rows.
func ParseCategory(s string) (Category, bool) {
	c, ok := categoriesByName[s]
	return c, ok
}

// Categories returns all known categories in ascending default severity.
func Categories() []Category {
	out := make([]Category, 0, len(categoryNames))
	for c := CategoryCDN; c <= CategoryAnonBlock; c++ {
		out = append(out, c)
	}
	return out
}

// String returns the feed's spelling of the category, or "unknown".
func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return "unknown"
}

// Ranking maps each category to a severity rank; higher rank wins when
// overlapping feed ranges disagree.
type Ranking map[Category]int

// DefaultRanking follows the declaration order of the categories:
// cdn < webhost < public-wifi < vpn < proxy < tor < school-block <
// rangeblock < anonblock.
func DefaultRanking() Ranking {
	r := make(Ranking, len(categoryNames))
	for c := range categoryNames {
		r[c] = int(c)
	}
	return r
}

// Rank returns the severity rank of c, or -1 for categories the ranking
// does not mention, which makes unlisted categories lose every contest.
func (r Ranking) Rank(c Category) int {
	if v, ok := r[c]; ok {
		return v
	}
	return -1
}

// Record binds a reputation category to an inclusive address interval.
//
// Invariants (checked by Validate): Start and End share a family,
// Start <= End, and Category is a known label.
type Record struct {
	// Start and End are the inclusive interval bounds.
	Start addr.Addr
	End   addr.Addr

	// Category is the reputation tag the feed asserts for the interval.
	Category Category

	// LastSeen is when the feed last observed the range. The zero time
	// means the feed row carried no timestamp.
	LastSeen time.Time
}

// ErrInvalidRecord is returned by Validate for any invariant violation.
var ErrInvalidRecord = errors.New("invalid range record")

// Validate checks the record invariants.
func (r Record) Validate() error {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return fmt.Errorf("%w: unparsed bound", ErrInvalidRecord)
	}
	if r.Start.Family() != r.End.Family() {
		return fmt.Errorf("%w: mixed families %s/%s", ErrInvalidRecord, r.Start.Family(), r.End.Family())
	}
	if r.End.Less(r.Start) {
		return fmt.Errorf("%w: start %s beyond end %s", ErrInvalidRecord, r.Start, r.End)
	}
	if _, ok := categoryNames[r.Category]; !ok {
		return fmt.Errorf("%w: unknown category %d", ErrInvalidRecord, r.Category)
	}
	return nil
}

// Key returns the record's sort key: the order-preserving encoding of
// (family, Start).
func (r Record) Key() []byte {
	return addr.EncodeKey(r.Start)
}

// Contains reports whether a falls inside the record's interval.
// Addresses of a different family are never contained.
func (r Record) Contains(a addr.Addr) bool {
	if a.Family() != r.Start.Family() {
		return false
	}
	return r.Start.Compare(a) <= 0 && a.Compare(r.End) <= 0
}

// Overlaps reports whether [start,end] intersects the record's interval.
// The caller guarantees start and end share a family.
func (r Record) Overlaps(start, end addr.Addr) bool {
	if start.Family() != r.Start.Family() {
		return false
	}
	return r.Start.Compare(end) <= 0 && start.Compare(r.End) <= 0
}

// String formats the record for logs.
func (r Record) String() string {
	return fmt.Sprintf("[%s, %s] %s", r.Start, r.End, r.Category)
}
