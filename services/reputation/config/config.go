// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads daemon configuration from an optional YAML file
// with PROXYD_* environment overrides on top. Precedence, lowest to
// highest: built-in defaults, file, environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/proxyd/services/reputation/rep"
)

// DefaultFeedURL is the upstream block list.
const DefaultFeedURL = "https://github.com/NetworkCats/OpenProxyDB/releases/latest/download/proxy_blocks.csv"

var configValidate = validator.New()

// Config is the full daemon configuration.
//
// # Validation
//
// Uses go-playground/validator:
//   - DataDir: required
//   - FeedURL: required, must parse as a URL
//   - SyncHourUTC: 0-23
//   - Tolerance: 0.0-1.0
//   - LogLevel: one of debug, info, warn, error
type Config struct {
	// DataDir holds the store's backing files. Opaque: nothing outside
	// the store layer reads or writes it.
	DataDir string `yaml:"data_dir" validate:"required"`

	// FeedURL is fetched once per refresh cycle.
	FeedURL string `yaml:"feed_url" validate:"required,url"`

	// SyncHourUTC is the daily refresh trigger hour.
	SyncHourUTC int `yaml:"sync_hour_utc" validate:"gte=0,lte=23"`

	// Tolerance is the maximum acceptable ratio of rejected feed rows
	// before a refresh aborts.
	Tolerance float64 `yaml:"tolerance" validate:"gte=0,lte=1"`

	// SkipUnchanged short-circuits a refresh when the feed content is
	// byte-identical to the active generation's source.
	SkipUnchanged bool `yaml:"skip_unchanged"`

	// FetchTimeout bounds one feed download attempt.
	FetchTimeout time.Duration `yaml:"fetch_timeout" validate:"gt=0"`

	// Retry controls fetch attempts within one cycle.
	Retry RetryConfig `yaml:"retry"`

	// Severity overrides the built-in category ranking. Keys are feed
	// category names, values are ranks; higher wins contested space.
	// Categories left out keep rank 0 relative to each other.
	Severity map[string]int `yaml:"severity"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// RetryConfig mirrors the sync retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:      "/var/lib/proxyd",
		FeedURL:      DefaultFeedURL,
		SyncHourUTC:  2,
		Tolerance:    0.10,
		FetchTimeout: 2 * time.Minute,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration.
//
// Inputs:
//
//   - path: Optional YAML file. Empty means defaults + environment; a
//     named file must exist and parse.
//
// Outputs:
//
//   - Config: Validated effective configuration.
//   - error: Unreadable file, malformed YAML or env value, or a
//     validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags plus the
// cross-field severity check.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Ranking(); err != nil {
		return err
	}
	return nil
}

// Ranking materializes the severity override, or the default ranking
// when none is configured.
func (c *Config) Ranking() (rep.Ranking, error) {
	if len(c.Severity) == 0 {
		return rep.DefaultRanking(), nil
	}
	ranking := make(rep.Ranking, len(c.Severity))
	for name, rank := range c.Severity {
		cat, ok := rep.ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("severity override: unknown category %q", name)
		}
		ranking[cat] = rank
	}
	return ranking, nil
}

// applyEnv layers PROXYD_* variables over the current values.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("PROXYD_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("PROXYD_FEED_URL"); ok {
		c.FeedURL = v
	}
	if v, ok := os.LookupEnv("PROXYD_LOG_LEVEL"); ok {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("PROXYD_SYNC_HOUR_UTC"); ok {
		hour, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROXYD_SYNC_HOUR_UTC: %w", err)
		}
		c.SyncHourUTC = hour
	}
	if v, ok := os.LookupEnv("PROXYD_TOLERANCE"); ok {
		tol, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PROXYD_TOLERANCE: %w", err)
		}
		c.Tolerance = tol
	}
	if v, ok := os.LookupEnv("PROXYD_SKIP_UNCHANGED"); ok {
		skip, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PROXYD_SKIP_UNCHANGED: %w", err)
		}
		c.SkipUnchanged = skip
	}
	if v, ok := os.LookupEnv("PROXYD_FETCH_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROXYD_FETCH_TIMEOUT: %w", err)
		}
		c.FetchTimeout = d
	}
	return nil
}
