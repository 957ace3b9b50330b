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
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func runSync(cmd *cobra.Command, args []string) error {
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

	res, err := engine.Refresh(ctx)
	if err != nil {
		return err
	}
	if res.Unchanged {
		fmt.Printf("feed unchanged; generation %d stays active (%d records)\n",
			res.GenerationID, res.Accepted)
		return nil
	}
	fmt.Printf("published generation %d: %d records accepted, %d rows skipped\n",
		res.GenerationID, res.Accepted, res.Skipped)
	return nil
}
