// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/proxyd/services/reputation/scheduler"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := newSyncEngine(cfg, st, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// An initial refresh fills an empty store; with existing data a
	// failure here is survivable, the dataset just stays a day older.
	if res, err := engine.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if _, ok, infoErr := st.ActiveInfo(); infoErr != nil || !ok {
			return err
		}
		log.Warn("initial refresh failed, serving existing dataset", "error", err)
	} else {
		log.Info("initial refresh done", "generation", res.GenerationID)
	}

	sched := scheduler.New(scheduler.RefresherFunc(func(ctx context.Context) error {
		_, err := engine.Refresh(ctx)
		return err
	}), cfg.SyncHourUTC, nil, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })

	log.Info("proxyd running", "data_dir", cfg.DataDir, "sync_hour_utc", cfg.SyncHourUTC)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("proxyd stopped")
	return nil
}
