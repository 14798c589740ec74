// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestVisitIDDeterministic(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	a := NewPageVisit(7, "https://example.com", ts)
	b := NewPageVisit(7, "https://example.com/other", ts)
	if a.ID != b.ID {
		t.Fatalf("ids differ for same (tab, start): %q vs %q", a.ID, b.ID)
	}
	if a.ID != VisitID(7, ts) {
		t.Fatalf("ID = %q, want %q", a.ID, VisitID(7, ts))
	}
	if c := NewPageVisit(8, "https://example.com", ts); c.ID == a.ID {
		t.Fatal("different tabs produced the same id")
	}
}

func TestVisitCloseFixesDurationAndRate(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	v := NewPageVisit(1, "https://example.com", ts)
	v.ActiveDurationMS = 30_000

	if err := v.Close(ts.Add(90 * time.Second)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v.IsOpen() {
		t.Fatal("visit still open after Close")
	}
	if v.DurationMS == nil || *v.DurationMS != 90_000 {
		t.Fatalf("DurationMS = %v, want 90000", v.DurationMS)
	}
	if math.Abs(v.EngagementRate-1.0/3.0) > 1e-9 {
		t.Fatalf("EngagementRate = %v, want 1/3", v.EngagementRate)
	}

	if err := v.Close(ts.Add(2 * time.Minute)); !errors.Is(err, ErrVisitAlreadyClosed) {
		t.Fatalf("second Close = %v, want ErrVisitAlreadyClosed", err)
	}
}

func TestVisitCloseClampsNegativeDuration(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	v := NewPageVisit(1, "https://example.com", ts)
	if err := v.Close(ts.Add(-time.Second)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if *v.DurationMS != 0 {
		t.Fatalf("DurationMS = %d, want 0 for a backwards clock", *v.DurationMS)
	}
}

func TestVisitEngagementRateClamped(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	v := NewPageVisit(1, "https://example.com", ts)
	// More credited time than elapsed time (interval quantization).
	v.ActiveDurationMS = 60_000
	v.RecomputeEngagementRate(ts.Add(30 * time.Second))
	if v.EngagementRate != 1 {
		t.Fatalf("EngagementRate = %v, want clamped to 1", v.EngagementRate)
	}
}

func TestVisitIdlePeriodLifecycle(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	v := NewPageVisit(1, "https://example.com", ts)

	v.OpenIdlePeriod(ts.Add(30*time.Second), ReasonIdle)
	// A second open is a no-op while one is outstanding.
	v.OpenIdlePeriod(ts.Add(40*time.Second), ReasonLocked)
	if len(v.IdlePeriods) != 1 {
		t.Fatalf("idle periods = %d, want 1", len(v.IdlePeriods))
	}

	v.CloseIdlePeriod(ts.Add(60*time.Second), string(ReasonActive))
	if v.IdlePeriods[0].End == nil || v.IdlePeriods[0].ResumeReason != string(ReasonActive) {
		t.Fatalf("idle period not closed: %+v", v.IdlePeriods[0])
	}

	// Closing again with none open is a no-op.
	v.CloseIdlePeriod(ts.Add(70*time.Second), "noop")
	if v.IdlePeriods[0].ResumeReason != string(ReasonActive) {
		t.Fatal("closed idle period was rewritten")
	}
}

func TestVisitCloseFlushesOpenIdlePeriod(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	v := NewPageVisit(1, "https://example.com", ts)
	v.OpenIdlePeriod(ts.Add(30*time.Second), ReasonIdle)

	if err := v.Close(ts.Add(60 * time.Second)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	idle := v.IdlePeriods[0]
	if idle.End == nil || idle.ResumeReason != ResumeReasonVisitEnded {
		t.Fatalf("open idle period not flushed on close: %+v", idle)
	}
}

func TestVisitSyncTransitions(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	v := NewPageVisit(1, "https://example.com", ts)
	if v.SyncStatus != SyncPending {
		t.Fatalf("initial status = %q, want pending", v.SyncStatus)
	}

	v.MarkSyncFailed()
	if v.SyncStatus != SyncFailed || v.Synced {
		t.Fatalf("after failure: %q synced=%v", v.SyncStatus, v.Synced)
	}

	v.MarkSynced(ts.Add(time.Hour))
	if v.SyncStatus != SyncSynced || !v.Synced || v.SyncedAt == nil {
		t.Fatalf("after success: %q synced=%v at=%v", v.SyncStatus, v.Synced, v.SyncedAt)
	}
}
