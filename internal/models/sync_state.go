// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

import "time"

// LastSyncStatus summarizes the outcome of the most recent sync cycle.
type LastSyncStatus string

const (
	// LastSyncSuccess: every chunk uploaded.
	LastSyncSuccess LastSyncStatus = "success"
	// LastSyncPartial: some chunks uploaded, some failed.
	LastSyncPartial LastSyncStatus = "partial"
	// LastSyncFailed: nothing uploaded, at least one chunk failed.
	LastSyncFailed LastSyncStatus = "failed"
)

// SyncState is the singleton last-sync record persisted alongside the
// aggregated records.
type SyncState struct {
	LastSyncTime   time.Time      `json:"last_sync_time"`
	LastSyncStatus LastSyncStatus `json:"last_sync_status"`
	SyncedCount    int            `json:"synced_count"`
	FailedCount    int            `json:"failed_count"`
}
