// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidate_RejectsSharedPath(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store.Path = cfg.EventLog.Path
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when eventlog and store share a path")
	}
}

func TestValidate_RejectsIdleThresholdBelowInterval(t *testing.T) {
	cfg := defaultConfig()
	cfg.Heartbeat.Interval = 2 * time.Minute
	cfg.Heartbeat.IdleThreshold = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when idle threshold < heartbeat interval")
	}
}

func TestValidate_RejectsOversizedChunk(t *testing.T) {
	cfg := defaultConfig()
	cfg.Sync.ChunkSize = 5000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for chunk_size above the request ceiling")
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabscope.yaml")
	yaml := "heartbeat:\n  interval: 10s\nsync:\n  chunk_size: 250\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("TABSCOPE_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Heartbeat.Interval != 10*time.Second {
		t.Errorf("file override lost: interval = %v", cfg.Heartbeat.Interval)
	}
	if cfg.Sync.ChunkSize != 250 {
		t.Errorf("file override lost: chunk_size = %d", cfg.Sync.ChunkSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env override lost: level = %q", cfg.Logging.Level)
	}
	// Untouched defaults survive the merge.
	if cfg.Heartbeat.HistorySize != 100 {
		t.Errorf("default lost: history_size = %d", cfg.Heartbeat.HistorySize)
	}
}
