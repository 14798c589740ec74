// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package store

import (
	"context"
	"testing"
	"time"

	"github.com/tabscope/tabscope/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: t.TempDir(), SyncWrites: false})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PageVisitUpsert(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Millisecond)
	v := models.NewPageVisit(1, "https://example.com/a", start)

	if err := s.SavePageVisits(ctx, []*models.PageVisit{v}); err != nil {
		t.Fatalf("SavePageVisits failed: %v", err)
	}

	// Re-save the same visit id with updated fields: must overwrite, not
	// duplicate. This is the replay de-duplication path.
	v2 := models.NewPageVisit(1, "https://example.com/a", start)
	v2.ActiveDurationMS = 30000
	if err := s.SavePageVisits(ctx, []*models.PageVisit{v2}); err != nil {
		t.Fatal(err)
	}

	visits, err := s.GetPageVisits(ctx)
	if err != nil {
		t.Fatalf("GetPageVisits failed: %v", err)
	}
	if len(visits) != 1 {
		t.Fatalf("expected 1 visit after re-save, got %d", len(visits))
	}
	if visits[0].ActiveDurationMS != 30000 {
		t.Errorf("upsert did not overwrite: active = %d", visits[0].ActiveDurationMS)
	}
}

func TestStore_TabAggregateRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	agg := models.NewTabAggregate(7, time.Now().UTC())
	agg.AddDomainDuration("example.com", 90000)
	agg.AddDomainDuration("github.com", 60000)
	agg.UpdateActivity("github.com", "https://github.com/org/repo", time.Now().UTC())

	if err := s.SaveTabAggregates(ctx, []*models.TabAggregate{agg}); err != nil {
		t.Fatalf("SaveTabAggregates failed: %v", err)
	}

	aggs, err := s.GetTabAggregates(ctx)
	if err != nil {
		t.Fatalf("GetTabAggregates failed: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected 1 aggregate, got %d", len(aggs))
	}
	got := aggs[0]
	if got.TabID != 7 || got.PageCount != 1 {
		t.Errorf("fields lost: tab=%d pages=%d", got.TabID, got.PageCount)
	}
	if got.DomainDurations["example.com"] != 90000 {
		t.Errorf("domain durations lost: %v", got.DomainDurations)
	}
	if got.MostVisitedDomain() != "example.com" {
		t.Errorf("MostVisitedDomain = %q", got.MostVisitedDomain())
	}
}

func TestStore_ActiveVisitSingleton(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	got, err := s.GetActiveVisit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected nil active visit on fresh store")
	}

	v := models.NewPageVisit(3, "https://example.com", time.Now().UTC())
	if err := s.SetActiveVisit(ctx, v); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetActiveVisit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != v.ID {
		t.Fatalf("active visit round trip failed: %+v", got)
	}

	if err := s.SetActiveVisit(ctx, nil); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetActiveVisit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected cleared active visit")
	}
}

func TestStore_ClientIDStable(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateClientID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("expected minted client id")
	}
	second, err := s.GetOrCreateClientID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("client id not stable: %q vs %q", first, second)
	}
}

func TestStore_SyncState(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	st, err := s.GetSyncState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Fatal("expected nil sync state before first sync")
	}

	want := &models.SyncState{
		LastSyncTime:   time.Now().UTC().Truncate(time.Second),
		LastSyncStatus: models.LastSyncPartial,
		SyncedCount:    1000,
		FailedCount:    500,
	}
	if err := s.SetSyncState(ctx, want); err != nil {
		t.Fatal(err)
	}
	st, err = s.GetSyncState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.LastSyncStatus != models.LastSyncPartial || st.FailedCount != 500 {
		t.Errorf("sync state round trip failed: %+v", st)
	}
}

func TestStore_HeartbeatHistory(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	samples := []models.HeartbeatSample{
		{Timestamp: time.Now().UTC(), IdleState: models.IdleStateActive,
			Verdict: models.EngagementVerdict{IsEngaged: true, Reason: models.ReasonActive, Confidence: 1.0}},
		{Timestamp: time.Now().UTC(), IdleState: models.IdleStateIdle,
			Verdict: models.EngagementVerdict{IsEngaged: false, Reason: models.ReasonIdle, Confidence: 0.9}},
	}
	if err := s.SaveHeartbeatHistory(ctx, samples); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetHeartbeatHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Verdict.Reason != models.ReasonActive {
		t.Errorf("heartbeat history round trip failed: %+v", got)
	}
}
