// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

import "time"

// TabAggregate is the rollup for one browser tab across its lifetime.
//
// Created on the first event for a tabId, updated on every subsequent event
// for that tab, and conceptually closed (IsOpen=false, not deleted) on
// CLOSE - it remains queryable until synced and expired.
type TabAggregate struct {
	TabID int `json:"tab_id"`

	StartTime      time.Time `json:"start_time"`
	LastActiveTime time.Time `json:"last_active_time"`

	// TotalActiveDurationMS accumulates engaged time from heartbeat quanta.
	TotalActiveDurationMS int64 `json:"total_active_duration_ms"`

	// DomainDurations maps domain to accumulated visit time in ms.
	DomainDurations map[string]int64 `json:"domain_durations"`

	PageCount     int    `json:"page_count"`
	CurrentURL    string `json:"current_url,omitempty"`
	CurrentDomain string `json:"current_domain,omitempty"`

	IsOpen bool `json:"is_open"`

	Synced     bool       `json:"synced"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
}

// NewTabAggregate creates an open aggregate with zero counters.
func NewTabAggregate(tabID int, startTime time.Time) *TabAggregate {
	return &TabAggregate{
		TabID:           tabID,
		StartTime:       startTime,
		LastActiveTime:  startTime,
		DomainDurations: make(map[string]int64),
		IsOpen:          true,
		SyncStatus:      SyncPending,
	}
}

// UpdateActivity records that the tab moved to a new page: increments
// PageCount and refreshes the current URL/domain and last-active time.
func (t *TabAggregate) UpdateActivity(domain, rawURL string, ts time.Time) {
	t.PageCount++
	t.CurrentURL = rawURL
	t.CurrentDomain = domain
	if ts.After(t.LastActiveTime) {
		t.LastActiveTime = ts
	}
}

// AddDomainDuration accrues visit time against a domain bucket.
func (t *TabAggregate) AddDomainDuration(domain string, ms int64) {
	if domain == "" || ms <= 0 {
		return
	}
	if t.DomainDurations == nil {
		t.DomainDurations = make(map[string]int64)
	}
	t.DomainDurations[domain] += ms
}

// AddActiveDuration accrues engaged time attributed by a heartbeat quantum.
func (t *TabAggregate) AddActiveDuration(ms int64) {
	if ms > 0 {
		t.TotalActiveDurationMS += ms
	}
}

// MostVisitedDomain returns the domain with the largest accumulated
// duration, or "" when nothing has accrued. Ties break to the
// lexicographically smallest domain so the result is deterministic.
func (t *TabAggregate) MostVisitedDomain() string {
	var best string
	var bestMS int64 = -1
	for domain, ms := range t.DomainDurations {
		if ms > bestMS || (ms == bestMS && domain < best) {
			best = domain
			bestMS = ms
		}
	}
	return best
}

// AveragePageDurationMS returns total accrued domain time divided by the
// page count, or 0 when no pages were recorded.
func (t *TabAggregate) AveragePageDurationMS() int64 {
	if t.PageCount == 0 {
		return 0
	}
	var total int64
	for _, ms := range t.DomainDurations {
		total += ms
	}
	return total / int64(t.PageCount)
}

// MarkSynced flips the record to the synced state.
func (t *TabAggregate) MarkSynced(at time.Time) {
	t.Synced = true
	t.SyncStatus = SyncSynced
	ts := at
	t.SyncedAt = &ts
}

// MarkSyncFailed flags the record for retry on the next sync cycle.
func (t *TabAggregate) MarkSyncFailed() {
	t.SyncStatus = SyncFailed
}
