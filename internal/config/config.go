// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package config loads and validates the agent configuration.
//
// Configuration is merged from three layers in priority order:
// struct defaults, an optional YAML config file, and TABSCOPE_* environment
// variables. Validation runs once after merging; the agent refuses to start
// on an invalid configuration.
package config

import (
	"time"

	"github.com/tabscope/tabscope/internal/logging"
)

// Config is the root agent configuration.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Server      ServerConfig      `koanf:"server"`
	EventLog    EventLogConfig    `koanf:"eventlog"`
	Store       StoreConfig       `koanf:"store"`
	Intake      IntakeConfig      `koanf:"intake"`
	Heartbeat   HeartbeatConfig   `koanf:"heartbeat"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Sync        SyncConfig        `koanf:"sync"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig configures the observability HTTP surface.
type ServerConfig struct {
	Enabled bool          `koanf:"enabled"`
	Host    string        `koanf:"host" validate:"required"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// EventLogConfig configures the durable raw-event log.
type EventLogConfig struct {
	// Path is the BadgerDB directory for raw events.
	// Should be on a durable filesystem (not tmpfs).
	Path string `koanf:"path" validate:"required"`

	// SyncWrites forces fsync after every append for maximum durability.
	SyncWrites bool `koanf:"sync_writes"`

	// MaxEventAge bounds how long an unaggregated raw event may live before
	// age-based expiry drops it.
	MaxEventAge time.Duration `koanf:"max_event_age" validate:"gt=0"`

	// CompactInterval is how often the expiry compactor runs.
	CompactInterval time.Duration `koanf:"compact_interval" validate:"gt=0"`
}

// StoreConfig configures the aggregated-record store.
type StoreConfig struct {
	// Path is the BadgerDB directory for aggregated records.
	Path       string `koanf:"path" validate:"required"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// IntakeConfig configures the in-process event intake bus.
type IntakeConfig struct {
	// BufferSize is the gochannel output buffer per subscriber.
	BufferSize int `koanf:"buffer_size" validate:"gte=1"`

	// RetryMaxRetries bounds redelivery of a failing append before the
	// message is routed to the poison topic.
	RetryMaxRetries      int           `koanf:"retry_max_retries" validate:"gte=0"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval" validate:"gt=0"`

	// CloseTimeout is how long to wait for handlers on shutdown.
	CloseTimeout time.Duration `koanf:"close_timeout" validate:"gt=0"`
}

// HeartbeatConfig configures the engagement sampler.
type HeartbeatConfig struct {
	// Interval between samples. Also the attribution quantum the
	// aggregator credits per engaged heartbeat.
	Interval time.Duration `koanf:"interval" validate:"gte=1s"`

	// IdleThreshold is how long without input counts as idle.
	IdleThreshold time.Duration `koanf:"idle_threshold" validate:"gte=1s"`

	// HistorySize bounds the in-memory ring buffer of recent samples.
	HistorySize int `koanf:"history_size" validate:"gte=1"`

	// PersistEvery persists the ring buffer every N samples so local
	// statistics survive a process restart.
	PersistEvery int `koanf:"persist_every" validate:"gte=1"`
}

// AggregationConfig configures the periodic aggregation pass.
type AggregationConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

// SyncConfig configures backend synchronization.
type SyncConfig struct {
	// Endpoint is the backend ingest URL. Empty disables upload entirely.
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`

	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// ChunkSize caps records per upload request.
	ChunkSize int `koanf:"chunk_size" validate:"gte=1,lte=1000"`

	// RequestTimeout bounds each chunk upload; a stalled request is a
	// failed chunk, eligible for retry next cycle.
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`

	// RetryAttempts is per-chunk retry before the chunk is marked failed.
	RetryAttempts uint          `koanf:"retry_attempts" validate:"lte=10"`
	RetryDelay    time.Duration `koanf:"retry_delay" validate:"gt=0"`

	// RequestsPerSecond rate-limits calls to the backend. 0 disables.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`

	// Retention is how long synced records are kept for local display
	// before cleanup purges them.
	Retention       time.Duration `koanf:"retention" validate:"gt=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"gt=0"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    3941,
			Timeout: 30 * time.Second,
		},
		EventLog: EventLogConfig{
			Path:            "/data/tabscope/eventlog",
			SyncWrites:      true,
			MaxEventAge:     72 * time.Hour,
			CompactInterval: time.Hour,
		},
		Store: StoreConfig{
			Path:       "/data/tabscope/store",
			SyncWrites: true,
		},
		Intake: IntakeConfig{
			BufferSize:           64,
			RetryMaxRetries:      3,
			RetryInitialInterval: 100 * time.Millisecond,
			CloseTimeout:         30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:      30 * time.Second,
			IdleThreshold: 60 * time.Second,
			HistorySize:   100,
			PersistEvery:  10,
		},
		Aggregation: AggregationConfig{
			Interval: 5 * time.Minute,
		},
		Sync: SyncConfig{
			Endpoint:          "",
			Interval:          5 * time.Minute,
			ChunkSize:         1000,
			RequestTimeout:    30 * time.Second,
			RetryAttempts:     2,
			RetryDelay:        2 * time.Second,
			RequestsPerSecond: 4,
			Retention:         30 * 24 * time.Hour,
			CleanupInterval:   24 * time.Hour,
		},
	}
}

// LogSummary emits the effective non-secret configuration at startup.
func (c *Config) LogSummary() {
	logging.Info().
		Str("eventlog_path", c.EventLog.Path).
		Str("store_path", c.Store.Path).
		Dur("heartbeat_interval", c.Heartbeat.Interval).
		Dur("aggregation_interval", c.Aggregation.Interval).
		Dur("sync_interval", c.Sync.Interval).
		Bool("sync_enabled", c.Sync.Endpoint != "").
		Msg("Configuration loaded")
}
