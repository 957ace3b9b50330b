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
	"log/slog"
	"time"
)

// RetryPolicy controls how many times a fetch is attempted and how the
// delay between attempts grows.
//
// # Description
//
// Delay starts at BaseDelay and is multiplied by Multiplier after each
// failure, capped at MaxDelay. The wait between attempts is
// context-cancellable; cancellation surfaces immediately instead of
// burning the remaining attempts.
//
// # Assumptions
//
//   - Multiplier > 1 for growth; values <= 1 fall back to 2.
//   - BaseDelay <= MaxDelay.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, first one included
	// (default: 3). Values below 1 behave as 1.
	MaxAttempts int

	// BaseDelay is the wait after the first failure (default: 2s).
	BaseDelay time.Duration

	// MaxDelay caps the grown delay (default: 30s).
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (default: 2.0).
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured:
// three attempts with 2s -> 4s waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Execute runs op until it succeeds or the attempts are exhausted.
//
// Outputs:
//
//   - error: nil on any success; the context error on cancellation
//     mid-wait; otherwise the last attempt's error, wrapped with the
//     attempt count.
func (p RetryPolicy) Execute(ctx context.Context, logger *slog.Logger, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		logger.Warn("attempt failed, backing off",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay.String(),
			"error", lastErr)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		delay = p.nextDelay(delay)
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// nextDelay multiplies the current delay, capped at MaxDelay.
func (p RetryPolicy) nextDelay(current time.Duration) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}
	next := time.Duration(float64(current) * multiplier)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		return p.MaxDelay
	}
	return next
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
