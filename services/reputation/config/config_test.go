// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/proxyd/services/reputation/rep"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/proxyd", cfg.DataDir)
	assert.Equal(t, DefaultFeedURL, cfg.FeedURL)
	assert.Equal(t, 2, cfg.SyncHourUTC)
	assert.InDelta(t, 0.10, cfg.Tolerance, 1e-9)
	assert.False(t, cfg.SkipUnchanged)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxyd.yaml")
	body := `
data_dir: /tmp/proxyd-test
feed_url: https://feeds.example.com/blocks.csv
sync_hour_utc: 14
tolerance: 0.25
skip_unchanged: true
fetch_timeout: 45s
log_level: debug
retry:
  max_attempts: 5
  base_delay: 1s
  max_delay: 10s
severity:
  cdn: 90
  tor: 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/proxyd-test", cfg.DataDir)
	assert.Equal(t, "https://feeds.example.com/blocks.csv", cfg.FeedURL)
	assert.Equal(t, 14, cfg.SyncHourUTC)
	assert.InDelta(t, 0.25, cfg.Tolerance, 1e-9)
	assert.True(t, cfg.SkipUnchanged)
	assert.Equal(t, 45*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)

	ranking, err := cfg.Ranking()
	require.NoError(t, err)
	assert.Equal(t, 90, ranking.Rank(rep.CategoryCDN))
	assert.Equal(t, 10, ranking.Rank(rep.CategoryTor))
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync_hour_utc: 14\n"), 0o600))

	t.Setenv("PROXYD_SYNC_HOUR_UTC", "7")
	t.Setenv("PROXYD_DATA_DIR", "/srv/proxyd")
	t.Setenv("PROXYD_TOLERANCE", "0.5")
	t.Setenv("PROXYD_SKIP_UNCHANGED", "true")
	t.Setenv("PROXYD_LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.SyncHourUTC)
	assert.Equal(t, "/srv/proxyd", cfg.DataDir)
	assert.InDelta(t, 0.5, cfg.Tolerance, 1e-9)
	assert.True(t, cfg.SkipUnchanged)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestBadEnvValueFails(t *testing.T) {
	t.Setenv("PROXYD_TOLERANCE", "lots")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"hour out of range", func(c *Config) { c.SyncHourUTC = 24 }},
		{"tolerance above one", func(c *Config) { c.Tolerance = 1.5 }},
		{"bogus log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"feed url not a url", func(c *Config) { c.FeedURL = "not a url" }},
		{"unknown severity category", func(c *Config) { c.Severity = map[string]int{"telepathy": 1} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRankingDefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	ranking, err := cfg.Ranking()
	require.NoError(t, err)
	assert.Greater(t, ranking.Rank(rep.CategoryAnonBlock), ranking.Rank(rep.CategoryCDN))
}
