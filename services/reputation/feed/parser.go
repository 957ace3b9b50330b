// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feed turns the raw daily CSV feed into validated range records
// and resolves overlaps between them.
//
// The feed is untrusted input. Every row is validated independently:
// a malformed row is counted and skipped, never fatal to the parse. The
// caller (the sync engine) decides afterwards whether the skip ratio is
// tolerable for the whole cycle.
//
// Accepted row shapes:
//
//	entry,category[,last_seen]        entry is an IP or CIDR block
//	start,end,category[,last_seen]    explicit inclusive bounds
//
// last_seen is RFC 3339 or unix seconds. A leading header row is
// tolerated and not counted against the feed.
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/proxyd/services/reputation/addr"
	"github.com/AleutianAI/proxyd/services/reputation/rep"
)

// ErrParse is returned when the feed stream itself fails mid-read, as
// opposed to individual rows being malformed. Row problems never abort.
var ErrParse = errors.New("feed parse failed")

// Summary reports what a parse accepted and rejected. The sync engine
// applies its abort threshold to these counts.
type Summary struct {
	// Accepted is the number of rows that produced a valid record.
	Accepted uint64

	// Skipped is the number of malformed rows rejected.
	Skipped uint64

	// Header is true when the first row looked like column names and
	// was ignored without counting it as skipped.
	Header bool
}

// SkipRatio is Skipped / (Accepted + Skipped); 0 for an empty feed.
func (s Summary) SkipRatio() float64 {
	total := s.Accepted + s.Skipped
	if total == 0 {
		return 0
	}
	return float64(s.Skipped) / float64(total)
}

// Parser converts raw feed bytes into range records.
type Parser struct {
	logger *slog.Logger
}

// NewParser returns a parser. A nil logger discards row diagnostics.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Parser{logger: logger}
}

// Parse streams records out of r one row at a time.
//
// Description:
//
//	Each accepted row is handed to emit in feed order, unmerged; run the
//	result through MergeOverlaps before storing. Malformed rows (wrong
//	column count, unparseable bounds, unknown category, bad timestamp,
//	mixed families, inverted bounds) are counted in the summary and
//	logged at debug level with the reason.
//
// Outputs:
//
//	Summary - Accept/skip counts, returned alongside success.
//	error - ErrParse (wrapped) only when the stream itself fails; a
//	        feed made entirely of bad rows still parses with a summary.
func (p *Parser) Parse(r io.Reader, emit func(rep.Record)) (Summary, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var summary Summary
	row := 0
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// A single mangled row; the reader recovers on the next one.
			summary.Skipped++
			p.logger.Debug("feed row rejected", "row", row, "reason", err)
			row++
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("%w: row %d: %v", ErrParse, row, err)
		}

		rec, reason := parseRow(fields)
		switch {
		case reason == "":
			summary.Accepted++
			emit(rec)
		case row == 0 && looksLikeHeader(fields):
			summary.Header = true
		default:
			summary.Skipped++
			p.logger.Debug("feed row rejected", "row", row, "reason", reason)
		}
		row++
	}
}

// parseRow validates one row. A non-empty reason means the row is
// rejected; reasons are for diagnostics only and not part of the API.
func parseRow(fields []string) (rep.Record, string) {
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var (
		rec  rep.Record
		rest []string
	)
	switch {
	case len(fields) >= 3 && isBareAddress(fields[1]):
		// start,end,category[,last_seen]
		if len(fields) > 4 {
			return rep.Record{}, "too many columns"
		}
		start, err := addr.ParseAddr(fields[0])
		if err != nil {
			return rep.Record{}, "bad start address"
		}
		end, err := addr.ParseAddr(fields[1])
		if err != nil {
			return rep.Record{}, "bad end address"
		}
		rec.Start, rec.End = start, end
		rest = fields[2:]
	case len(fields) >= 2:
		// entry,category[,last_seen]
		if len(fields) > 3 {
			return rep.Record{}, "too many columns"
		}
		start, end, err := addr.Parse(fields[0])
		if err != nil {
			return rep.Record{}, "bad address or block"
		}
		rec.Start, rec.End = start, end
		rest = fields[1:]
	default:
		return rep.Record{}, "too few columns"
	}

	cat, ok := rep.ParseCategory(rest[0])
	if !ok {
		return rep.Record{}, "unknown category"
	}
	rec.Category = cat

	if len(rest) == 2 && rest[1] != "" {
		ts, err := parseTimestamp(rest[1])
		if err != nil {
			return rep.Record{}, "bad last-seen timestamp"
		}
		rec.LastSeen = ts
	}

	if err := rec.Validate(); err != nil {
		return rep.Record{}, err.Error()
	}
	return rec, ""
}

func isBareAddress(s string) bool {
	_, err := addr.ParseAddr(strings.TrimSpace(s))
	return err == nil
}

func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return time.Time{}, fmt.Errorf("negative unix timestamp %q", s)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// looksLikeHeader recognizes a column-name row: nothing in it parses as
// an address, and the first field is a plausible identifier.
func looksLikeHeader(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(fields[0]))
	if first == "" {
		return false
	}
	if _, _, err := addr.Parse(first); err == nil {
		return false
	}
	for _, c := range first {
		if (c < 'a' || c > 'z') && c != '_' && c != '-' {
			return false
		}
	}
	return true
}
