// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sync runs the refresh cycle: fetch the feed, parse and merge
// it, and atomically swap the new dataset into the store. A failed
// cycle leaves the previously published generation untouched, so
// queries keep answering from known-good data.
package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/proxyd/services/reputation/feed"
	"github.com/AleutianAI/proxyd/services/reputation/rep"
	"github.com/AleutianAI/proxyd/services/reputation/store"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrSyncAborted is returned when the parsed feed fails the skip-ratio
// tolerance check. The store is not touched.
var ErrSyncAborted = errors.New("sync aborted: feed quality below tolerance")

// DefaultTolerance is the skip ratio above which a cycle aborts.
const DefaultTolerance = 0.10

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	syncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyd_sync_cycles_total",
		Help: "Refresh cycles by outcome",
	}, []string{"outcome"})

	syncDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxyd_sync_duration_seconds",
		Help:    "Wall time of a full refresh cycle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	lastSyncUnixGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxyd_last_successful_sync_unix",
		Help: "Completion time of the last successful refresh",
	})
)

// -----------------------------------------------------------------------------
// States
// -----------------------------------------------------------------------------

// State is the engine's position in the refresh cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateParsing
	StateSwapping
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:     "idle",
	StateFetching: "fetching",
	StateParsing:  "parsing",
	StateSwapping: "swapping",
	StateFailed:   "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Config holds the engine's dependencies and policy knobs.
type Config struct {
	// Store receives the merged dataset. Required.
	Store *store.Store

	// Fetcher retrieves the raw feed. Required.
	Fetcher Fetcher

	// Ranking orders categories for overlap resolution. Nil means
	// rep.DefaultRanking().
	Ranking rep.Ranking

	// Tolerance is the maximum acceptable skip ratio. Nil means
	// DefaultTolerance; an explicit zero aborts on any skipped row.
	// Negative values clamp to zero.
	Tolerance *float64

	// SkipUnchanged short-circuits the cycle when the downloaded feed
	// hashes identically to the one the active generation was built
	// from. Off by default: a forced refresh of identical content then
	// still publishes a fresh generation.
	SkipUnchanged bool

	// Retry controls fetch attempts. Zero value means
	// DefaultRetryPolicy().
	Retry RetryPolicy

	// Logger receives cycle progress. Nil means discard.
	Logger *slog.Logger
}

// Engine drives refresh cycles against a single store.
//
// Thread Safety: Refresh serializes on an internal mutex; concurrent
// callers queue rather than interleave. State is readable at any time.
type Engine struct {
	store     *store.Store
	fetcher   Fetcher
	parser    *feed.Parser
	ranking   rep.Ranking
	tolerance float64
	skipSame  bool
	retry     RetryPolicy
	logger    *slog.Logger

	refreshMu gosync.Mutex
	state     atomic.Int32
}

// Result summarizes one successful (or skipped) refresh cycle.
type Result struct {
	// GenerationID is the generation now answering queries.
	GenerationID uint64

	// Accepted and Skipped count feed rows.
	Accepted uint64
	Skipped  uint64

	// Unchanged is true when SkipUnchanged short-circuited the cycle;
	// GenerationID then names the untouched active generation.
	Unchanged bool
}

// NewEngine validates cfg and builds an engine in StateIdle.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("sync engine requires a store")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("sync engine requires a fetcher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ranking := cfg.Ranking
	if ranking == nil {
		ranking = rep.DefaultRanking()
	}
	tolerance := DefaultTolerance
	if cfg.Tolerance != nil {
		tolerance = *cfg.Tolerance
		if tolerance < 0 {
			tolerance = 0
		}
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Engine{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		parser:    feed.NewParser(logger),
		ranking:   ranking,
		tolerance: tolerance,
		skipSame:  cfg.SkipUnchanged,
		retry:     retry,
		logger:    logger,
	}, nil
}

// State reports where the engine currently is in the cycle. StateFailed
// is sticky only until the next Refresh call.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Refresh runs one full cycle: fetch (with retries), parse, merge,
// tolerance-check, swap.
//
// Description:
//
//	The cycle walks Fetching -> Parsing -> Swapping and back to Idle,
//	landing in Failed on any error. Failed is not terminal; the next
//	call starts over. The context is honored during fetch, retry
//	waits, parsing, and staging; the final commit is one atomic step.
//
// Outputs:
//
//   - Result: Counts and the now-active generation id.
//   - error: ErrFetch after retry exhaustion, ErrSyncAborted when the
//     skip ratio exceeds the tolerance, feed.ErrParse on a broken
//     stream, or a store error from the swap. On any of these the
//     previously published generation remains active.
func (e *Engine) Refresh(ctx context.Context) (Result, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	start := time.Now()
	cycleID := uuid.NewString()
	logger := e.logger.With("cycle_id", cycleID)

	tracer := otel.Tracer("proxyd/sync")
	ctx, span := tracer.Start(ctx, "sync.refresh")
	span.SetAttributes(attribute.String("cycle_id", cycleID))
	defer span.End()

	res, err := e.runCycle(ctx, logger)
	if err != nil {
		e.setState(StateFailed)
		span.RecordError(err)
		syncCyclesTotal.WithLabelValues(outcomeLabel(err)).Inc()
		logger.Error("refresh cycle failed", "state", e.State().String(), "error", err)
		return Result{}, err
	}

	e.setState(StateIdle)
	syncDurationSeconds.Observe(time.Since(start).Seconds())
	lastSyncUnixGauge.SetToCurrentTime()
	if res.Unchanged {
		syncCyclesTotal.WithLabelValues("unchanged").Inc()
		logger.Info("feed unchanged, keeping active generation",
			"generation", res.GenerationID)
	} else {
		syncCyclesTotal.WithLabelValues("success").Inc()
		logger.Info("refresh cycle complete",
			"generation", res.GenerationID,
			"accepted", res.Accepted,
			"skipped", res.Skipped,
			"elapsed", time.Since(start).String())
	}
	return res, nil
}

func (e *Engine) runCycle(ctx context.Context, logger *slog.Logger) (Result, error) {
	e.setState(StateFetching)
	data, err := e.fetchAll(ctx, logger)
	if err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(data)
	feedHash := hex.EncodeToString(sum[:])

	if e.skipSame {
		info, ok, err := e.store.ActiveInfo()
		if err != nil {
			return Result{}, fmt.Errorf("reading active generation: %w", err)
		}
		if ok && info.FeedHash == feedHash {
			return Result{
				GenerationID: info.ID,
				Accepted:     info.Records,
				Skipped:      info.Skipped,
				Unchanged:    true,
			}, nil
		}
	}

	e.setState(StateParsing)
	var records []rep.Record
	summary, err := e.parser.Parse(bytes.NewReader(data), func(r rep.Record) {
		records = append(records, r)
	})
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if ratio := summary.SkipRatio(); ratio > e.tolerance {
		return Result{}, fmt.Errorf("%w: skip ratio %.3f exceeds %.3f (%d of %d rows rejected)",
			ErrSyncAborted, ratio, e.tolerance, summary.Skipped, summary.Accepted+summary.Skipped)
	}

	merged := feed.MergeOverlaps(records, e.ranking)
	if dropped := len(records) - len(merged); dropped > 0 {
		logger.Debug("overlap resolution reduced record count",
			"parsed", len(records), "merged", len(merged))
	}

	e.setState(StateSwapping)
	info, err := e.store.BulkReplace(ctx, merged, store.BuildMeta{
		Skipped:  summary.Skipped,
		FeedHash: feedHash,
	})
	if err != nil {
		return Result{}, fmt.Errorf("swapping generation: %w", err)
	}

	return Result{
		GenerationID: info.ID,
		Accepted:     summary.Accepted,
		Skipped:      summary.Skipped,
	}, nil
}

// fetchAll downloads the feed with retries and returns the whole body.
// The body is buffered so the hash is known before parsing starts and a
// mid-stream transport failure cannot surface as a parse error.
func (e *Engine) fetchAll(ctx context.Context, logger *slog.Logger) ([]byte, error) {
	var data []byte
	err := e.retry.Execute(ctx, logger, func(ctx context.Context) error {
		body, err := e.fetcher.Fetch(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = body.Close() }()
		data, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("%w: reading body: %v", ErrFetch, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrSyncAborted):
		return "aborted"
	case errors.Is(err, ErrFetch):
		return "fetch_failed"
	case errors.Is(err, feed.ErrParse):
		return "parse_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "swap_failed"
	}
}
