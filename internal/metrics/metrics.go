// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package metrics provides Prometheus instrumentation for the pipeline:
// intake/triage outcomes, event log depth, aggregation passes, heartbeat
// verdicts, and sync cycles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake / triage
	EventsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabscope_events_stored_total",
			Help: "Raw events accepted by triage and appended to the event log",
		},
		[]string{"type"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabscope_events_rejected_total",
			Help: "Raw events rejected by the triage filter",
		},
		[]string{"reason"},
	)

	EventsPoisoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabscope_events_poisoned_total",
			Help: "Intake messages routed to the poison topic after retries",
		},
	)

	EventLogPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabscope_eventlog_pending",
			Help: "Raw events currently waiting for aggregation",
		},
	)

	EventLogExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabscope_eventlog_expired_total",
			Help: "Raw events purged by age-based expiry before aggregation",
		},
	)

	// Aggregation
	AggregationPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabscope_aggregation_passes_total",
			Help: "Aggregation passes by outcome (success, failed, skipped)",
		},
		[]string{"outcome"},
	)

	AggregationEventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabscope_aggregation_events_processed_total",
			Help: "Raw events folded into aggregated records",
		},
	)

	AggregationEventErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabscope_aggregation_event_errors_total",
			Help: "Events that failed to fold and were skipped",
		},
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabscope_aggregation_duration_seconds",
			Help:    "Duration of aggregation passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VisitsProduced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabscope_visits_produced_total",
			Help: "Completed page visits produced by aggregation",
		},
	)

	ActiveVisit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabscope_active_visit",
			Help: "1 when a visit is currently open system-wide, else 0",
		},
	)

	// Heartbeat
	HeartbeatTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabscope_heartbeat_ticks_total",
			Help: "Heartbeat samples by engagement reason",
		},
		[]string{"reason"},
	)

	HeartbeatEngagementRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabscope_heartbeat_engagement_rate",
			Help: "Engaged fraction of recent heartbeat samples",
		},
	)

	HeartbeatWatchdogRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabscope_heartbeat_watchdog_restarts_total",
			Help: "Sampler restarts triggered by the stale-tick watchdog",
		},
	)

	// Sync
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabscope_sync_runs_total",
			Help: "Sync cycles by outcome (success, partial, failed, skipped)",
		},
		[]string{"outcome"},
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabscope_sync_records_total",
			Help: "Aggregated records by sync result (synced, failed)",
		},
		[]string{"record_type", "result"},
	)

	SyncChunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabscope_sync_chunk_duration_seconds",
			Help:    "Duration of individual chunk uploads in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncCleanupPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabscope_sync_cleanup_purged_total",
			Help: "Synced records purged after the retention window",
		},
	)

	// Circuit breaker around the backend API
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabscope_backend_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
