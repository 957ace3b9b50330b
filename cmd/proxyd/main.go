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
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/proxyd/pkg/logging"
	"github.com/AleutianAI/proxyd/services/reputation/config"
	"github.com/AleutianAI/proxyd/services/reputation/store"
	"github.com/AleutianAI/proxyd/services/reputation/sync"
)

var (
	configPath string
	logDir     string

	rootCmd = &cobra.Command{
		Use:   "proxyd",
		Short: "IP reputation range index and daily feed refresh daemon",
		Long: `proxyd keeps a sorted index of IP reputation ranges, refreshed
daily from an upstream block list, and answers point and CIDR lookups
against the currently published dataset.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: open the store, sync, and schedule daily refreshes",
		RunE:  runServe,
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Run one refresh cycle against the configured feed and exit",
		RunE:  runSync,
	}

	lookupCIDR bool

	lookupCmd = &cobra.Command{
		Use:   "lookup [address ...]",
		Short: "Look up addresses (or networks with --cidr) in the local dataset",
		Long: `Answers lookups from the local data directory. The daemon must not
be running against the same directory; the store is single-process.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runLookup,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML config file (PROXYD_* env vars override it)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"directory for JSON log files in addition to stderr")

	lookupCmd.Flags().BoolVar(&lookupCIDR, "cidr", false,
		"treat arguments as networks and report every intersecting range")

	rootCmd.AddCommand(serveCmd, syncCmd, lookupCmd)
}

// loadConfig builds the effective config and a logger for it.
func loadConfig() (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		LogDir:  logDir,
		Service: "proxyd",
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("initializing logging: %w", err)
	}
	return cfg, logger, nil
}

// openStore opens the configured data directory with logging attached.
func openStore(cfg config.Config, log *slog.Logger) (*store.Store, error) {
	storeCfg := store.DefaultConfig(cfg.DataDir)
	storeCfg.Logger = log
	return store.Open(storeCfg)
}

// newSyncEngine wires a refresh engine from the effective config.
func newSyncEngine(cfg config.Config, st *store.Store, log *slog.Logger) (*sync.Engine, error) {
	ranking, err := cfg.Ranking()
	if err != nil {
		return nil, err
	}
	return sync.NewEngine(sync.Config{
		Store:         st,
		Fetcher:       sync.NewHTTPFetcher(cfg.FeedURL, &http.Client{Timeout: cfg.FetchTimeout}),
		Ranking:       ranking,
		Tolerance:     &cfg.Tolerance,
		SkipUnchanged: cfg.SkipUnchanged,
		Retry: sync.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Logger: log,
	})
}
