// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

import (
	"fmt"
	"time"
)

// SyncStatus tracks the remote synchronization state of an aggregated record.
type SyncStatus string

const (
	// SyncPending means the record has never been uploaded.
	SyncPending SyncStatus = "pending"
	// SyncSynced means the record was acknowledged by the backend. Synced
	// records are retained locally for the retention window, then purged.
	SyncSynced SyncStatus = "synced"
	// SyncFailed means the last upload attempt failed; the record is
	// retried on the next sync cycle.
	SyncFailed SyncStatus = "failed"
)

// ResumeReasonVisitEnded closes an idle period that was still open when its
// visit ended.
const ResumeReasonVisitEnded = "visit_ended"

// IdlePeriod is a span of a visit during which the user was not engaged.
// At most one idle period per visit is open (End == nil) at a time.
type IdlePeriod struct {
	Start        time.Time        `json:"start"`
	End          *time.Time       `json:"end,omitempty"`
	Reason       EngagementReason `json:"reason"`
	ResumeReason string           `json:"resume_reason,omitempty"`
}

// PageVisit is one continuous viewing of one URL in one tab.
//
// Lifecycle: created when a tab becomes the active visit, mutated by every
// heartbeat addressed to its tab, closed when superseded by another
// activation/navigation or by a CLOSE event. At most one PageVisit is open
// system-wide at any time (the active visit).
type PageVisit struct {
	ID     string `json:"id"`
	TabID  int    `json:"tab_id"`
	URL    string `json:"url"`
	Domain string `json:"domain"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// LastActivityAt is the timestamp of the most recent event folded into
	// the visit. Startup recovery closes a stale recovered visit here rather
	// than at wall-clock now, so downtime never counts as viewing time.
	LastActivityAt time.Time `json:"last_activity_at"`

	// DurationMS is set when the visit closes; nil while open.
	DurationMS *int64 `json:"duration_ms,omitempty"`

	// ActiveDurationMS is engaged time attributed by heartbeats, <= DurationMS.
	ActiveDurationMS int64 `json:"active_duration_ms"`

	IdlePeriods []IdlePeriod `json:"idle_periods,omitempty"`

	// EngagementRate is ActiveDurationMS / DurationMS clamped to [0,1].
	EngagementRate float64 `json:"engagement_rate"`

	Category           Category `json:"category"`
	CategoryConfidence float64  `json:"category_confidence"`
	CategoryMethod     string   `json:"category_method"`

	AnonymousClientID string `json:"anonymous_client_id,omitempty"`

	Synced     bool       `json:"synced"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
}

// NewPageVisit creates an open visit for (tabID, url) starting at startedAt.
//
// The ID is minted deterministically from (tabID, startedAt) so that
// replaying the same event stream after a crash between persist and
// event-log drain re-creates the same visit id and de-duplicates on persist
// instead of producing a second copy of the same logical visit.
func NewPageVisit(tabID int, rawURL string, startedAt time.Time) *PageVisit {
	return &PageVisit{
		ID:             VisitID(tabID, startedAt),
		TabID:          tabID,
		URL:            rawURL,
		Domain:         DomainFromURL(rawURL),
		StartedAt:      startedAt,
		LastActivityAt: startedAt,
		Category:       CategoryUnclassified,
		SyncStatus:     SyncPending,
	}
}

// VisitID derives the deterministic visit id for (tabID, startedAt).
func VisitID(tabID int, startedAt time.Time) string {
	return fmt.Sprintf("v-%d-%d", tabID, startedAt.UnixMilli())
}

// IsOpen reports whether the visit is still the (potential) active visit.
func (v *PageVisit) IsOpen() bool {
	return v.EndedAt == nil
}

// Touch records event activity on the visit at ts.
func (v *PageVisit) Touch(ts time.Time) {
	if ts.After(v.LastActivityAt) {
		v.LastActivityAt = ts
	}
}

// OpenIdlePeriod starts an idle period at ts unless one is already open.
func (v *PageVisit) OpenIdlePeriod(ts time.Time, reason EngagementReason) {
	if v.openIdleIndex() >= 0 {
		return
	}
	v.IdlePeriods = append(v.IdlePeriods, IdlePeriod{Start: ts, Reason: reason})
}

// CloseIdlePeriod ends the open idle period, if any, recording why
// engagement resumed.
func (v *PageVisit) CloseIdlePeriod(ts time.Time, resumeReason string) {
	i := v.openIdleIndex()
	if i < 0 {
		return
	}
	end := ts
	v.IdlePeriods[i].End = &end
	v.IdlePeriods[i].ResumeReason = resumeReason
}

func (v *PageVisit) openIdleIndex() int {
	for i := range v.IdlePeriods {
		if v.IdlePeriods[i].End == nil {
			return i
		}
	}
	return -1
}

// Close ends the visit at endedAt: flushes any open idle period, fixes the
// total duration, and computes the final engagement rate.
func (v *PageVisit) Close(endedAt time.Time) error {
	if !v.IsOpen() {
		return fmt.Errorf("%w: %s", ErrVisitAlreadyClosed, v.ID)
	}
	v.CloseIdlePeriod(endedAt, ResumeReasonVisitEnded)

	end := endedAt
	v.EndedAt = &end
	dur := endedAt.Sub(v.StartedAt).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	v.DurationMS = &dur
	v.RecomputeEngagementRate(endedAt)
	return nil
}

// RecomputeEngagementRate refreshes EngagementRate. For an open visit the
// elapsed time up to now is the denominator; for a closed visit the final
// duration is.
func (v *PageVisit) RecomputeEngagementRate(now time.Time) {
	var denom int64
	if v.DurationMS != nil {
		denom = *v.DurationMS
	} else {
		denom = now.Sub(v.StartedAt).Milliseconds()
	}
	if denom <= 0 {
		v.EngagementRate = 0
		return
	}
	rate := float64(v.ActiveDurationMS) / float64(denom)
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	v.EngagementRate = rate
}

// MarkSynced flips the record to the synced state.
func (v *PageVisit) MarkSynced(at time.Time) {
	v.Synced = true
	v.SyncStatus = SyncSynced
	t := at
	v.SyncedAt = &t
}

// MarkSyncFailed flags the record for retry on the next sync cycle.
func (v *PageVisit) MarkSyncFailed() {
	v.SyncStatus = SyncFailed
}
