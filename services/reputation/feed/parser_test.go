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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/proxyd/services/reputation/rep"
)

func parseAll(t *testing.T, input string) ([]rep.Record, Summary) {
	t.Helper()
	var records []rep.Record
	summary, err := NewParser(nil).Parse(strings.NewReader(input), func(r rep.Record) {
		records = append(records, r)
	})
	require.NoError(t, err)
	return records, summary
}

func TestParseEntryRows(t *testing.T) {
	input := strings.Join([]string{
		"10.0.0.0/8,rangeblock",
		"198.51.100.7,tor",
		"2001:db8::/32,proxy,2026-08-29T02:00:00Z",
		"203.0.113.9,vpn,1756432800",
	}, "\n")

	records, summary := parseAll(t, input)
	require.Len(t, records, 4)
	assert.Equal(t, uint64(4), summary.Accepted)
	assert.Equal(t, uint64(0), summary.Skipped)
	assert.False(t, summary.Header)

	assert.Equal(t, "10.0.0.0", records[0].Start.String())
	assert.Equal(t, "10.255.255.255", records[0].End.String())
	assert.Equal(t, rep.CategoryRangeBlock, records[0].Category)

	// Bare address becomes a single-address range.
	assert.Equal(t, 0, records[1].Start.Compare(records[1].End))

	assert.Equal(t, time.Date(2026, 8, 29, 2, 0, 0, 0, time.UTC), records[2].LastSeen)
	assert.Equal(t, time.Unix(1756432800, 0).UTC(), records[3].LastSeen)
}

func TestParseStartEndRows(t *testing.T) {
	input := strings.Join([]string{
		"10.0.0.5,10.0.0.99,proxy",
		"2001:db8::1,2001:db8::ff,vpn,2026-01-02T15:04:05Z",
	}, "\n")

	records, summary := parseAll(t, input)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(2), summary.Accepted)

	assert.Equal(t, "10.0.0.5", records[0].Start.String())
	assert.Equal(t, "10.0.0.99", records[0].End.String())
	assert.Equal(t, "2001:db8::1", records[1].Start.String())
}

func TestParseSkipsHeaderRow(t *testing.T) {
	input := "network,category,last_seen\n10.0.0.0/8,rangeblock\n"
	records, summary := parseAll(t, input)
	require.Len(t, records, 1)
	assert.True(t, summary.Header)
	assert.Equal(t, uint64(1), summary.Accepted)
	assert.Equal(t, uint64(0), summary.Skipped, "header must not count as skipped")
}

func TestParseSkipsMalformedRows(t *testing.T) {
	cases := map[string]string{
		"bad address":        "999.1.2.3,proxy",
		"bad block":          "10.0.0.0/99,proxy",
		"unknown category":   "10.0.0.0/8,botnet",
		"bad timestamp":      "10.0.0.0/8,proxy,yesterday",
		"negative timestamp": "10.0.0.0/8,proxy,-5",
		"too few columns":    "10.0.0.0/8",
		"too many columns":   "10.0.0.1,10.0.0.9,proxy,1756432800,extra",
		"inverted bounds":    "10.0.0.9,10.0.0.1,proxy",
		"mixed families":     "10.0.0.1,2001:db8::1,proxy",
		"not a header later": "10.0.0.0/8,rangeblock\nnetwork,category",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, summary := parseAll(t, input)
			assert.Equal(t, uint64(1), summary.Skipped, input)
		})
	}
}

func TestParseToleranceScenario(t *testing.T) {
	// 100 rows, 5 malformed: the parse itself always completes; the
	// caller compares the ratio against its threshold.
	var rows []string
	for i := 0; i < 95; i++ {
		rows = append(rows, fmt.Sprintf("10.0.%d.0/24,proxy", i))
	}
	for i := 0; i < 5; i++ {
		rows = append(rows, "not-an-address,proxy")
	}

	records, summary := parseAll(t, strings.Join(rows, "\n"))
	assert.Len(t, records, 95)
	assert.Equal(t, uint64(95), summary.Accepted)
	assert.Equal(t, uint64(5), summary.Skipped)
	assert.InDelta(t, 0.05, summary.SkipRatio(), 1e-9)
}

func TestParseRecoversFromQuoteErrors(t *testing.T) {
	input := "10.0.0.0/8,rangeblock\n\"broken,proxy\n203.0.113.0/24,cdn\n"
	records, summary := parseAll(t, input)
	assert.GreaterOrEqual(t, summary.Skipped, uint64(1))
	assert.NotEmpty(t, records)
}

func TestSkipRatioEmptyFeed(t *testing.T) {
	_, summary := parseAll(t, "")
	assert.Equal(t, 0.0, summary.SkipRatio())
	assert.Equal(t, uint64(0), summary.Accepted)
}
