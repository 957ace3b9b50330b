// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/proxyd/services/reputation/addr"
	"github.com/AleutianAI/proxyd/services/reputation/feed"
	"github.com/AleutianAI/proxyd/services/reputation/rep"
	"github.com/AleutianAI/proxyd/services/reputation/store"
)

// fakeFetcher serves a fixed payload, optionally failing the first
// failures calls.
type fakeFetcher struct {
	payload  string
	failures int
	calls    int
}

func (f *fakeFetcher) Fetch(_ context.Context) (io.ReadCloser, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: connection refused", ErrFetch)
	}
	return io.NopCloser(strings.NewReader(f.payload)), nil
}

// instantRetry keeps tests free of real sleeps.
func instantRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: 0, MaxDelay: 0}
}

func newTestEngine(t *testing.T, fetcher Fetcher, mutate ...func(*Config)) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := Config{
		Store:   s,
		Fetcher: fetcher,
		Retry:   instantRetry(1),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e, s
}

const goodFeed = "network,category,last_seen\n" +
	"10.0.0.0/8,proxy,1700000000\n" +
	"172.16.0.0/12,vpn,1700000000\n" +
	"2001:db8::/32,tor,1700000000\n"

func TestRefreshPublishesFeed(t *testing.T) {
	e, s := newTestEngine(t, &fakeFetcher{payload: goodFeed})

	res, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Accepted)
	assert.Equal(t, uint64(0), res.Skipped)
	assert.False(t, res.Unchanged)
	assert.Equal(t, StateIdle, e.State())

	a, err := addr.ParseAddr("10.1.2.3")
	require.NoError(t, err)
	require.NoError(t, s.View(func(txn *store.Txn) error {
		rec, ok, err := txn.LookupPoint(a)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rep.CategoryProxy, rec.Category)
		gen, published := txn.Generation()
		assert.True(t, published)
		assert.Equal(t, res.GenerationID, gen)
		return nil
	}))

	info, ok, err := s.ActiveInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, info.FeedHash, 64, "hex sha-256 of the raw feed")
}

func TestRefreshRetriesTransientFetchFailures(t *testing.T) {
	fetcher := &fakeFetcher{payload: goodFeed, failures: 2}
	e, _ := newTestEngine(t, fetcher, func(c *Config) {
		c.Retry = instantRetry(3)
	})

	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.calls)
}

func TestRefreshFailsAfterRetryExhaustion(t *testing.T) {
	fetcher := &fakeFetcher{payload: goodFeed, failures: 10}
	e, s := newTestEngine(t, fetcher, func(c *Config) {
		c.Retry = instantRetry(3)
	})

	_, err := e.Refresh(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, 3, fetcher.calls)
	assert.Equal(t, StateFailed, e.State())

	// Nothing was published.
	_, ok, err := s.ActiveInfo()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailedStateIsNotTerminal(t *testing.T) {
	fetcher := &fakeFetcher{payload: goodFeed, failures: 1}
	e, _ := newTestEngine(t, fetcher)

	_, err := e.Refresh(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, StateFailed, e.State())

	res, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Accepted)
	assert.Equal(t, StateIdle, e.State())
}

func TestRefreshToleratesSmallSkipRatio(t *testing.T) {
	var b strings.Builder
	b.WriteString("network,category,last_seen\n")
	for i := 0; i < 95; i++ {
		fmt.Fprintf(&b, "10.%d.0.0/16,proxy,1700000000\n", i)
	}
	for i := 0; i < 5; i++ {
		b.WriteString("not-a-network,proxy,1700000000\n")
	}
	e, _ := newTestEngine(t, &fakeFetcher{payload: b.String()})

	res, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(95), res.Accepted)
	assert.Equal(t, uint64(5), res.Skipped)
}

func TestRefreshAbortsOnExcessiveSkipRatio(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "10.%d.0.0/16,proxy,1700000000\n", i)
	}
	for i := 0; i < 5; i++ {
		b.WriteString("garbage row\n")
	}
	e, s := newTestEngine(t, &fakeFetcher{payload: b.String()})

	// Publish a good generation first; the abort must not disturb it.
	good := &fakeFetcher{payload: goodFeed}
	first, err := NewEngine(Config{Store: s, Fetcher: good, Retry: instantRetry(1)})
	require.NoError(t, err)
	prev, err := first.Refresh(context.Background())
	require.NoError(t, err)

	_, err = e.Refresh(context.Background())
	require.ErrorIs(t, err, ErrSyncAborted)
	assert.Equal(t, StateFailed, e.State())

	info, ok, err := s.ActiveInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, prev.GenerationID, info.ID, "prior generation stays active")
}

func TestRefreshZeroToleranceAbortsOnAnySkip(t *testing.T) {
	// One bad row in a hundred. The default tolerance would accept
	// this; an explicit zero must not.
	var b strings.Builder
	b.WriteString("network,category,last_seen\n")
	for i := 0; i < 99; i++ {
		fmt.Fprintf(&b, "10.%d.0.0/16,proxy,1700000000\n", i)
	}
	b.WriteString("not-a-network,proxy,1700000000\n")

	zero := 0.0
	e, _ := newTestEngine(t, &fakeFetcher{payload: b.String()}, func(c *Config) {
		c.Tolerance = &zero
	})
	_, err := e.Refresh(context.Background())
	require.ErrorIs(t, err, ErrSyncAborted)

	// Nil keeps the default and lets the same feed through.
	lenient, _ := newTestEngine(t, &fakeFetcher{payload: b.String()})
	res, err := lenient.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(99), res.Accepted)
}

func TestRefreshAbortsOnBrokenStream(t *testing.T) {
	// An unterminated quote kills the csv reader mid-stream.
	e, _ := newTestEngine(t, &fakeFetcher{payload: "10.0.0.0/8,proxy\n\"broken"})

	_, err := e.Refresh(context.Background())
	require.ErrorIs(t, err, feed.ErrParse)
	assert.Equal(t, StateFailed, e.State())
}

func TestRepeatedRefreshMintsFreshGenerations(t *testing.T) {
	e, s := newTestEngine(t, &fakeFetcher{payload: goodFeed})

	lookupAll := func() map[string]rep.Category {
		out := map[string]rep.Category{}
		require.NoError(t, s.View(func(txn *store.Txn) error {
			for _, q := range []string{"10.1.2.3", "172.20.0.1", "2001:db8::1", "8.8.8.8"} {
				a, err := addr.ParseAddr(q)
				require.NoError(t, err)
				rec, ok, err := txn.LookupPoint(a)
				require.NoError(t, err)
				if ok {
					out[q] = rec.Category
				}
			}
			return nil
		}))
		return out
	}

	first, err := e.Refresh(context.Background())
	require.NoError(t, err)
	beforeResults := lookupAll()

	second, err := e.Refresh(context.Background())
	require.NoError(t, err)

	// Identical content mints a new generation but answers identically.
	assert.NotEqual(t, first.GenerationID, second.GenerationID)
	assert.Equal(t, first.Accepted, second.Accepted)
	assert.Equal(t, beforeResults, lookupAll())
}

func TestSkipUnchangedShortCircuits(t *testing.T) {
	fetcher := &fakeFetcher{payload: goodFeed}
	e, _ := newTestEngine(t, fetcher, func(c *Config) {
		c.SkipUnchanged = true
	})

	first, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.False(t, first.Unchanged)

	second, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Unchanged)
	assert.Equal(t, first.GenerationID, second.GenerationID)

	// Different content resumes the normal path.
	fetcher.payload = goodFeed + "192.168.0.0/16,cdn,1700000000\n"
	third, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, third.Unchanged)
	assert.NotEqual(t, first.GenerationID, third.GenerationID)
}

func TestRefreshMergesOverlappingRows(t *testing.T) {
	payload := "10.0.0.0/24,cdn,1700000000\n" +
		"10.0.0.128/25,anonblock,1700000000\n"
	e, s := newTestEngine(t, &fakeFetcher{payload: payload})

	_, err := e.Refresh(context.Background())
	require.NoError(t, err)

	low, err := addr.ParseAddr("10.0.0.1")
	require.NoError(t, err)
	high, err := addr.ParseAddr("10.0.0.200")
	require.NoError(t, err)
	require.NoError(t, s.View(func(txn *store.Txn) error {
		rec, ok, err := txn.LookupPoint(low)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rep.CategoryCDN, rec.Category)

		rec, ok, err = txn.LookupPoint(high)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rep.CategoryAnonBlock, rec.Category)
		return nil
	}))
}

func TestRefreshHonorsCancelledContext(t *testing.T) {
	e, s := newTestEngine(t, &fakeFetcher{payload: goodFeed})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Refresh(ctx)
	require.Error(t, err)

	_, ok, err := s.ActiveInfo()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewEngineValidation(t *testing.T) {
	s, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = NewEngine(Config{Fetcher: &fakeFetcher{}})
	assert.Error(t, err)
	_, err = NewEngine(Config{Store: s})
	assert.Error(t, err)
}

func TestRetryPolicyDelaysGrowAndCap(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100, MaxDelay: 350, Multiplier: 2}
	assert.Equal(t, int64(200), int64(p.nextDelay(100)))
	assert.Equal(t, int64(350), int64(p.nextDelay(200)))
	assert.Equal(t, int64(350), int64(p.nextDelay(350)))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "swapping", StateSwapping.String())
	assert.Equal(t, "failed", StateFailed.String())
}
