// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler triggers a refresh once a day at a fixed UTC hour.
// Deployments driving refreshes from an external cron simply do not
// start it.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Clock abstracts time for tests. The production clock is the real one.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Refresher is the one capability the scheduler needs. Wrap a
// *sync.Engine with RefresherFunc to discard the cycle result.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a plain function to Refresher.
type RefresherFunc func(ctx context.Context) error

func (f RefresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

// NextRunIn computes how long to wait from now until the next
// occurrence of hour (UTC, 0-23). A trigger landing exactly on the hour
// boundary waits a full day rather than firing twice.
func NextRunIn(now time.Time, hour int) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// Scheduler fires a Refresher once a day.
type Scheduler struct {
	refresher Refresher
	hour      int
	clock     Clock
	logger    *slog.Logger
}

// New builds a scheduler firing at hour UTC. A nil clock means the real
// clock; a nil logger discards.
func New(refresher Refresher, hour int, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if hour < 0 || hour > 23 {
		hour = 0
	}
	return &Scheduler{refresher: refresher, hour: hour, clock: clock, logger: logger}
}

// Run blocks, firing the refresher at each daily trigger, until ctx is
// cancelled. Refresh errors are logged, never fatal: the next day's
// trigger still fires, and the dataset keeps answering from the last
// good generation in the meantime.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := NextRunIn(s.clock.Now(), s.hour)
		s.logger.Info("next scheduled refresh", "in", wait.String(), "utc_hour", s.hour)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}
		if err := s.refresher.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("scheduled refresh failed", "error", err)
		}
	}
}
