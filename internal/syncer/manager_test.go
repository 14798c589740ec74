// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tabscope/tabscope/internal/aggregate"
	"github.com/tabscope/tabscope/internal/config"
	"github.com/tabscope/tabscope/internal/models"
	"github.com/tabscope/tabscope/internal/store"
)

type fakeUploader struct {
	requests []*UploadRequest

	// failCalls holds 1-based call numbers that should fail.
	failCalls map[int]bool
	calls     int
}

func (u *fakeUploader) Upload(_ context.Context, req *UploadRequest) error {
	u.calls++
	if u.failCalls[u.calls] {
		return errors.New("backend unavailable")
	}
	u.requests = append(u.requests, req)
	return nil
}

type fakeAggregator struct {
	result aggregate.Result
	runs   int
}

func (a *fakeAggregator) ProcessPending(context.Context) aggregate.Result {
	a.runs++
	return a.result
}

func syncConfig(endpoint string) config.SyncConfig {
	return config.SyncConfig{
		Endpoint:       endpoint,
		Interval:       5 * time.Minute,
		ChunkSize:      1000,
		RequestTimeout: 5 * time.Second,
		RetryAttempts:  0,
		RetryDelay:     time.Millisecond,
		Retention:      30 * 24 * time.Hour,
	}
}

func testManager(t *testing.T, cfg config.SyncConfig) (*Manager, *store.Store, *fakeUploader, *fakeAggregator) {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	up := &fakeUploader{failCalls: map[int]bool{}}
	agg := &fakeAggregator{result: aggregate.Result{Success: true}}
	m := NewManager(cfg, st, agg, up, "client-1")
	return m, st, up, agg
}

func closedVisit(i int, ts time.Time) *models.PageVisit {
	v := models.NewPageVisit(i, fmt.Sprintf("https://example.com/page/%d", i), ts)
	_ = v.Close(ts.Add(time.Minute))
	return v
}

func seedVisits(t *testing.T, st *store.Store, n int) {
	t.Helper()
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	visits := make([]*models.PageVisit, 0, n)
	for i := 0; i < n; i++ {
		visits = append(visits, closedVisit(i+1, ts))
	}
	if err := st.SavePageVisits(context.Background(), visits); err != nil {
		t.Fatalf("seed visits: %v", err)
	}
}

func TestSyncSkippedWhenDisabled(t *testing.T) {
	m, _, up, agg := testManager(t, syncConfig(""))

	res := m.SyncToBackend(context.Background(), true)
	if !res.Skipped || res.SkipReason != SkipDisabled {
		t.Fatalf("result = %+v, want disabled skip", res)
	}
	if res.Success || !errors.Is(res.Err, ErrSyncDisabled) {
		t.Fatalf("result = %+v, want a failed precondition with ErrSyncDisabled", res)
	}
	if up.calls != 0 || agg.runs != 0 {
		t.Fatal("disabled sync still did work")
	}
}

func TestSyncSkippedWhileInFlight(t *testing.T) {
	m, _, up, _ := testManager(t, syncConfig("https://backend.example/ingest"))

	if !m.flight.TryAcquire() {
		t.Fatal("could not acquire guard")
	}
	defer m.flight.Release()

	res := m.SyncToBackend(context.Background(), true)
	if !res.Skipped || res.SkipReason != SkipInFlight {
		t.Fatalf("result = %+v, want in-flight skip", res)
	}
	if res.Success || !errors.Is(res.Err, ErrSyncInFlight) {
		t.Fatalf("result = %+v, want a failed precondition with ErrSyncInFlight", res)
	}
	if up.calls != 0 {
		t.Fatal("overlapping sync still uploaded")
	}
}

func TestSyncIntervalRespectedUnlessForced(t *testing.T) {
	m, st, _, _ := testManager(t, syncConfig("https://backend.example/ingest"))
	ctx := context.Background()

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := st.SetSyncState(ctx, &models.SyncState{LastSyncTime: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("seed sync state: %v", err)
	}

	res := m.SyncToBackend(ctx, false)
	if !res.Skipped || res.SkipReason != SkipTooSoon {
		t.Fatalf("result = %+v, want too-soon skip", res)
	}

	if res = m.SyncToBackend(ctx, true); res.Skipped {
		t.Fatalf("forced sync skipped: %+v", res)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	m, st, up, agg := testManager(t, syncConfig("https://backend.example/ingest"))
	ctx := context.Background()
	seedVisits(t, st, 2)

	res := m.SyncToBackend(ctx, true)
	if !res.Success || res.Synced != 2 || res.Failed != 0 {
		t.Fatalf("first sync = %+v, want 2 synced", res)
	}
	if agg.runs != 1 {
		t.Fatalf("aggregation ran %d times, want 1", agg.runs)
	}

	res = m.SyncToBackend(ctx, true)
	if !res.Success || res.Synced != 0 {
		t.Fatalf("second sync = %+v, want nothing left to sync", res)
	}
	if up.calls != 1 {
		t.Fatalf("uploader called %d times, want 1 (no empty-chunk uploads)", up.calls)
	}

	state, err := st.GetSyncState(ctx)
	if err != nil || state == nil {
		t.Fatalf("get sync state: %v, %v", state, err)
	}
	if state.LastSyncStatus != models.LastSyncSuccess {
		t.Fatalf("status = %q, want success", state.LastSyncStatus)
	}
}

func TestSyncChunkingWithPartialFailure(t *testing.T) {
	m, st, up, _ := testManager(t, syncConfig("https://backend.example/ingest"))
	ctx := context.Background()
	seedVisits(t, st, 1500)

	// Second chunk (records 1001-1500) fails.
	up.failCalls[2] = true

	res := m.SyncToBackend(ctx, true)
	if res.Success {
		t.Fatal("partial failure reported as success")
	}
	if res.Synced != 1000 || res.Failed != 500 {
		t.Fatalf("synced/failed = %d/%d, want 1000/500", res.Synced, res.Failed)
	}
	if len(up.requests) != 1 {
		t.Fatalf("successful uploads = %d, want 1", len(up.requests))
	}
	if up.requests[0].RecordType != recordTypeVisits || up.requests[0].ClientID != "client-1" {
		t.Fatalf("request = %+v", up.requests[0])
	}

	state, _ := st.GetSyncState(ctx)
	if state.LastSyncStatus != models.LastSyncPartial {
		t.Fatalf("status = %q, want partial", state.LastSyncStatus)
	}

	// Retry uploads only the failed 500.
	up.failCalls = map[int]bool{}
	res = m.SyncToBackend(ctx, true)
	if !res.Success || res.Synced != 500 || res.Failed != 0 {
		t.Fatalf("retry = %+v, want 500 synced", res)
	}
}

func TestSyncFiltersInternalAndOpenRecords(t *testing.T) {
	m, st, up, _ := testManager(t, syncConfig("https://backend.example/ingest"))
	ctx := context.Background()
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	open := models.NewPageVisit(1, "https://example.com/open", ts)
	internal := models.NewPageVisit(2, "chrome://settings", ts)
	_ = internal.Close(ts.Add(time.Minute))
	good := closedVisit(3, ts)
	if err := st.SavePageVisits(ctx, []*models.PageVisit{open, internal, good}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	openAgg := models.NewTabAggregate(1, ts)
	closedAgg := models.NewTabAggregate(2, ts)
	closedAgg.IsOpen = false
	if err := st.SaveTabAggregates(ctx, []*models.TabAggregate{openAgg, closedAgg}); err != nil {
		t.Fatalf("seed aggregates: %v", err)
	}

	res := m.SyncToBackend(ctx, true)
	if !res.Success || res.Synced != 2 {
		t.Fatalf("result = %+v, want exactly the closed visit and the closed aggregate", res)
	}
	if up.calls != 2 {
		t.Fatalf("uploader called %d times, want 2 (one chunk per record type)", up.calls)
	}
}

func TestCleanupPurgesExpiredSyncedRecords(t *testing.T) {
	m, st, _, _ := testManager(t, syncConfig("https://backend.example/ingest"))
	ctx := context.Background()

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ts := now.Add(-60 * 24 * time.Hour)

	expired := closedVisit(1, ts)
	expired.MarkSynced(now.Add(-40 * 24 * time.Hour))
	fresh := closedVisit(2, ts)
	fresh.MarkSynced(now.Add(-time.Hour))
	unsynced := closedVisit(3, ts)
	if err := st.SavePageVisits(ctx, []*models.PageVisit{expired, fresh, unsynced}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	oldAgg := models.NewTabAggregate(1, ts)
	oldAgg.IsOpen = false
	oldAgg.MarkSynced(now.Add(-40 * 24 * time.Hour))
	if err := st.SaveTabAggregates(ctx, []*models.TabAggregate{oldAgg}); err != nil {
		t.Fatalf("seed aggregate: %v", err)
	}

	purged, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if purged != 2 {
		t.Fatalf("purged = %d, want 2 (expired visit + expired aggregate)", purged)
	}

	visits, _ := st.GetPageVisits(ctx)
	if len(visits) != 2 {
		t.Fatalf("remaining visits = %d, want 2", len(visits))
	}
	for _, v := range visits {
		if v.ID == expired.ID {
			t.Fatal("expired visit survived cleanup")
		}
	}
}
