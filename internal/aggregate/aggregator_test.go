// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package aggregate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/tabscope/tabscope/internal/eventlog"
	"github.com/tabscope/tabscope/internal/metadata"
	"github.com/tabscope/tabscope/internal/models"
	"github.com/tabscope/tabscope/internal/store"
)

func testPipeline(t *testing.T) (*eventlog.Log, *store.Store, *Aggregator) {
	t.Helper()
	log, err := eventlog.Open(eventlog.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	st, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	agg := New(log, st, nil, 30*time.Second, "client-1")
	return log, st, agg
}

func event(typ models.EventType, tabID int, url string, ts time.Time) *models.CoreEvent {
	ev := models.NewCoreEvent(typ, tabID, url)
	ev.Timestamp = ts
	return ev
}

func heartbeatEvent(tabID int, url string, ts time.Time, verdict models.EngagementVerdict, idle models.IdleState) *models.CoreEvent {
	ev := event(models.EventHeartbeat, tabID, url, ts)
	ev.Heartbeat = &models.HeartbeatPayload{
		IdleState:     idle,
		Audible:       false,
		WindowFocused: true,
		Engagement:    verdict,
	}
	return ev
}

func engaged() models.EngagementVerdict {
	return models.EngagementVerdict{IsEngaged: true, Reason: models.ReasonActive, Confidence: 1.0}
}

func notEngaged() models.EngagementVerdict {
	return models.EngagementVerdict{IsEngaged: false, Reason: models.ReasonIdle, Confidence: 0.9}
}

func appendAll(t *testing.T, log *eventlog.Log, events ...*models.CoreEvent) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range events {
		if err := log.Append(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", ev.Type, err)
		}
	}
}

func TestProcessPendingEmptyLogIsNoOp(t *testing.T) {
	_, _, agg := testPipeline(t)

	res := agg.ProcessPending(context.Background())
	if !res.Success || !res.Skipped {
		t.Fatalf("result = %+v, want skipped success", res)
	}
	if res.ProcessedCount != 0 || res.NewVisits != 0 {
		t.Fatalf("counts = %+v, want zero", res)
	}
}

// One tab lives through two pages: 90 seconds on a pull request with a
// single engaged heartbeat, then 60 idle seconds on a second page before
// the tab closes.
func TestProcessPendingFullLifecycle(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	prURL := "https://github.com/acme/widget/pull/42"
	appendAll(t, log,
		event(models.EventCreate, 1, prURL, t0),
		event(models.EventActivate, 1, prURL, t0),
		heartbeatEvent(1, prURL, t0.Add(30*time.Second), engaged(), models.IdleStateActive),
		event(models.EventNavigate, 1, "https://example.com/docs", t0.Add(90*time.Second)),
		event(models.EventClose, 1, "", t0.Add(150*time.Second)),
	)

	res := agg.ProcessPending(ctx)
	if !res.Success {
		t.Fatalf("pass failed: %+v errors=%v", res, res.Errors)
	}
	if res.ProcessedCount != 5 || res.ErrorCount != 0 {
		t.Fatalf("processed=%d errors=%d, want 5/0", res.ProcessedCount, res.ErrorCount)
	}
	if res.NewVisits != 2 {
		t.Fatalf("new visits = %d, want 2", res.NewVisits)
	}

	visits, err := st.GetPageVisits(ctx)
	if err != nil {
		t.Fatalf("get visits: %v", err)
	}
	if len(visits) != 2 {
		t.Fatalf("stored %d visits, want 2", len(visits))
	}

	byID := make(map[string]*models.PageVisit, len(visits))
	for _, v := range visits {
		byID[v.ID] = v
	}

	first := byID[models.VisitID(1, t0)]
	if first == nil {
		t.Fatal("first visit missing")
	}
	if first.Domain != "github.com" {
		t.Errorf("first.Domain = %q, want github.com", first.Domain)
	}
	if first.Category != models.CategoryWorkCodeReview || first.CategoryConfidence != 0.95 {
		t.Errorf("first categorized as (%q, %v), want (work_code_review, 0.95)", first.Category, first.CategoryConfidence)
	}
	if first.CategoryMethod != "metadata" {
		t.Errorf("first.CategoryMethod = %q, want metadata", first.CategoryMethod)
	}
	if first.DurationMS == nil || *first.DurationMS != 90_000 {
		t.Errorf("first.DurationMS = %v, want 90000", first.DurationMS)
	}
	if first.ActiveDurationMS != 30_000 {
		t.Errorf("first.ActiveDurationMS = %d, want 30000", first.ActiveDurationMS)
	}
	if math.Abs(first.EngagementRate-1.0/3.0) > 1e-9 {
		t.Errorf("first.EngagementRate = %v, want 1/3", first.EngagementRate)
	}
	if first.AnonymousClientID != "client-1" {
		t.Errorf("first.AnonymousClientID = %q, want client-1", first.AnonymousClientID)
	}

	second := byID[models.VisitID(1, t0.Add(90*time.Second))]
	if second == nil {
		t.Fatal("second visit missing")
	}
	if second.DurationMS == nil || *second.DurationMS != 60_000 {
		t.Errorf("second.DurationMS = %v, want 60000", second.DurationMS)
	}
	if second.ActiveDurationMS != 0 || second.EngagementRate != 0 {
		t.Errorf("second active/rate = %d/%v, want 0/0", second.ActiveDurationMS, second.EngagementRate)
	}

	aggs, err := st.GetTabAggregates(ctx)
	if err != nil {
		t.Fatalf("get aggregates: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("stored %d aggregates, want 1", len(aggs))
	}
	tab := aggs[0]
	if tab.PageCount != 2 {
		t.Errorf("PageCount = %d, want 2", tab.PageCount)
	}
	if tab.TotalActiveDurationMS != 30_000 {
		t.Errorf("TotalActiveDurationMS = %d, want 30000", tab.TotalActiveDurationMS)
	}
	if got := tab.DomainDurations["github.com"]; got != 90_000 {
		t.Errorf("DomainDurations[github.com] = %d, want 90000", got)
	}
	if got := tab.DomainDurations["example.com"]; got != 60_000 {
		t.Errorf("DomainDurations[example.com] = %d, want 60000", got)
	}
	if tab.IsOpen {
		t.Error("aggregate still open after CLOSE")
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil {
		t.Fatalf("get active visit: %v", err)
	}
	if active != nil {
		t.Fatalf("active visit = %+v, want nil after CLOSE", active)
	}

	if n, _ := log.Count(ctx); n != 0 {
		t.Fatalf("event log still holds %d events after drain", n)
	}
}

// A crash between persist and drain replays the same events. Deterministic
// visit ids make the second pass converge on identical records.
func TestProcessPendingReplayIsIdempotent(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	mkEvents := func() []*models.CoreEvent {
		return []*models.CoreEvent{
			event(models.EventActivate, 1, "https://example.com/a", t0),
			heartbeatEvent(1, "https://example.com/a", t0.Add(30*time.Second), engaged(), models.IdleStateActive),
			event(models.EventClose, 1, "", t0.Add(60*time.Second)),
		}
	}

	appendAll(t, log, mkEvents()...)
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("first pass failed: %v", res.Errors)
	}

	// Simulate the replay: identical facts land in the log again.
	appendAll(t, log, mkEvents()...)
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("replay pass failed: %v", res.Errors)
	}

	visits, err := st.GetPageVisits(ctx)
	if err != nil {
		t.Fatalf("get visits: %v", err)
	}
	if len(visits) != 1 {
		t.Fatalf("replay duplicated visits: got %d, want 1", len(visits))
	}
	v := visits[0]
	if v.DurationMS == nil || *v.DurationMS != 60_000 || v.ActiveDurationMS != 30_000 {
		t.Fatalf("replayed visit diverged: %+v", v)
	}
}

// A crash leaves the active visit open in the store. The next process must
// close it at its last known activity so the downtime gap is never counted
// as viewing time.
func TestRecoveredStaleVisitClosedAtLastActivity(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	url := "https://example.com/a"
	appendAll(t, log,
		event(models.EventActivate, 1, url, t0),
		heartbeatEvent(1, url, t0.Add(30*time.Second), engaged(), models.IdleStateActive),
	)
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("first pass failed: %v", res.Errors)
	}

	// A fresh aggregator over the same stores, six hours later.
	restarted := New(log, st, nil, 30*time.Second, "client-1")
	restarted.now = func() time.Time { return t0.Add(6 * time.Hour) }
	appendAll(t, log, event(models.EventNavigate, 1, "https://example.com/b", t0.Add(6*time.Hour)))
	if res := restarted.ProcessPending(ctx); !res.Success {
		t.Fatalf("recovery pass failed: %v", res.Errors)
	}

	visits, err := st.GetPageVisits(ctx)
	if err != nil {
		t.Fatalf("get visits: %v", err)
	}
	var recovered *models.PageVisit
	for _, v := range visits {
		if v.ID == models.VisitID(1, t0) {
			recovered = v
		}
	}
	if recovered == nil || recovered.IsOpen() {
		t.Fatalf("recovered visit = %+v, want closed", recovered)
	}
	if recovered.DurationMS == nil || *recovered.DurationMS != 30_000 {
		t.Errorf("DurationMS = %v, want 30000 (closed at the last heartbeat, not six hours later)", recovered.DurationMS)
	}
	if recovered.EngagementRate != 1.0 {
		t.Errorf("EngagementRate = %v, want 1.0", recovered.EngagementRate)
	}
}

func TestRecoveryRunsEvenWithEmptyLog(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	appendAll(t, log, event(models.EventActivate, 2, "https://example.com/left-open", t0))
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("first pass failed: %v", res.Errors)
	}

	restarted := New(log, st, nil, 30*time.Second, "client-1")
	restarted.now = func() time.Time { return t0.Add(6 * time.Hour) }
	res := restarted.ProcessPending(ctx)
	if !res.Success || res.Skipped {
		t.Fatalf("recovery pass = %+v, want a non-skipped success", res)
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil {
		t.Fatalf("get active visit: %v", err)
	}
	if active != nil {
		t.Fatalf("active visit = %+v, want nil after recovery", active)
	}
	visits, _ := st.GetPageVisits(ctx)
	if len(visits) != 1 || visits[0].IsOpen() {
		t.Fatalf("visits = %+v, want one closed visit", visits)
	}
	if visits[0].DurationMS == nil || *visits[0].DurationMS != 0 {
		t.Errorf("DurationMS = %v, want 0 (no activity after the activate)", visits[0].DurationMS)
	}
}

func TestRecoveredFreshVisitResumes(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	appendAll(t, log, event(models.EventActivate, 1, "https://example.com/a", t0))
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("first pass failed: %v", res.Errors)
	}

	// Restart within the staleness bound: the visit stays open.
	restarted := New(log, st, nil, 30*time.Second, "client-1")
	restarted.now = func() time.Time { return t0.Add(45 * time.Second) }
	res := restarted.ProcessPending(ctx)
	if !res.Success || !res.Skipped {
		t.Fatalf("result = %+v, want skipped success", res)
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil {
		t.Fatalf("get active visit: %v", err)
	}
	if active == nil || !active.IsOpen() {
		t.Fatalf("active visit = %+v, want still open after a quick restart", active)
	}
}

func TestPassConsumesPushedMetadata(t *testing.T) {
	log, st, _ := testPipeline(t)
	cache := metadata.NewCacheProvider()
	agg := New(log, st, cache, 30*time.Second, "client-1")
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	url := "https://news.example.com/story"
	cache.Put(url, &models.PageMetadata{SchemaType: "NewsArticle"})
	cache.Put("https://example.com/never-visited", &models.PageMetadata{SchemaType: "Article"})

	appendAll(t, log, event(models.EventActivate, 1, url, t0))
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("pass failed: %v", res.Errors)
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil || active == nil {
		t.Fatalf("get active visit: %v, %v", active, err)
	}
	if active.Category != models.CategoryNews || active.CategoryMethod != "metadata" {
		t.Fatalf("categorized as (%q, %q), want (news, metadata)", active.Category, active.CategoryMethod)
	}
	if cache.Len() != 0 {
		t.Errorf("metadata cache holds %d entries after the pass, want 0", cache.Len())
	}
}

func TestCloseForUnknownTabRecordsMinimalAggregate(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	appendAll(t, log, event(models.EventClose, 9, "", t0))
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("pass failed: %v", res.Errors)
	}

	aggs, err := st.GetTabAggregates(ctx)
	if err != nil {
		t.Fatalf("get aggregates: %v", err)
	}
	if len(aggs) != 1 || aggs[0].TabID != 9 {
		t.Fatalf("aggregates = %+v, want one for tab 9", aggs)
	}
	if aggs[0].IsOpen || aggs[0].PageCount != 0 {
		t.Fatalf("minimal aggregate = %+v, want closed with zero pages", aggs[0])
	}
}

func TestEngagedHeartbeatWithoutActiveVisitSynthesizesOne(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	appendAll(t, log,
		heartbeatEvent(3, "https://stackoverflow.com/questions/1", t0, engaged(), models.IdleStateActive),
	)
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("pass failed: %v", res.Errors)
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil {
		t.Fatalf("get active visit: %v", err)
	}
	if active == nil {
		t.Fatal("no visit synthesized from orphan heartbeat")
	}
	if active.TabID != 3 || active.Domain != "stackoverflow.com" {
		t.Fatalf("synthesized visit = %+v", active)
	}
	if active.ActiveDurationMS != 30_000 {
		t.Fatalf("ActiveDurationMS = %d, want 30000", active.ActiveDurationMS)
	}
}

func TestIdleHeartbeatWithoutActiveVisitSynthesizesIdleOne(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	appendAll(t, log,
		heartbeatEvent(4, "https://example.com/left-open", t0, notEngaged(), models.IdleStateIdle),
	)
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("pass failed: %v", res.Errors)
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil {
		t.Fatalf("get active visit: %v", err)
	}
	if active == nil || active.TabID != 4 {
		t.Fatalf("active visit = %+v, want synthesized visit for tab 4", active)
	}
	if active.ActiveDurationMS != 0 {
		t.Errorf("ActiveDurationMS = %d, want 0 for an idle heartbeat", active.ActiveDurationMS)
	}
	if len(active.IdlePeriods) != 1 || active.IdlePeriods[0].End != nil {
		t.Fatalf("idle periods = %+v, want one open period", active.IdlePeriods)
	}
}

func TestUrllessOrphanHeartbeatIsIgnored(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	appendAll(t, log,
		heartbeatEvent(5, "", t0, engaged(), models.IdleStateActive),
	)
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("pass failed: %v", res.Errors)
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil {
		t.Fatalf("get active visit: %v", err)
	}
	if active != nil {
		t.Fatalf("active visit = %+v, want none without a URL to open against", active)
	}
}

func TestHeartbeatForOtherTabSwitchesActiveVisit(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	appendAll(t, log,
		event(models.EventActivate, 1, "https://example.com/a", t0),
		heartbeatEvent(2, "https://example.org/b", t0.Add(30*time.Second), engaged(), models.IdleStateActive),
	)
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("pass failed: %v", res.Errors)
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil {
		t.Fatalf("get active visit: %v", err)
	}
	if active == nil || active.TabID != 2 {
		t.Fatalf("active visit = %+v, want tab 2", active)
	}

	visits, _ := st.GetPageVisits(ctx)
	if len(visits) != 2 {
		t.Fatalf("stored %d visits, want closed tab-1 visit plus open tab-2 visit", len(visits))
	}
}

func TestIdlePeriodOpenedAndResumed(t *testing.T) {
	log, st, agg := testPipeline(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	url := "https://example.com/doc"
	appendAll(t, log,
		event(models.EventActivate, 1, url, t0),
		heartbeatEvent(1, url, t0.Add(30*time.Second), notEngaged(), models.IdleStateIdle),
		heartbeatEvent(1, url, t0.Add(60*time.Second), engaged(), models.IdleStateActive),
	)
	if res := agg.ProcessPending(ctx); !res.Success {
		t.Fatalf("pass failed: %v", res.Errors)
	}

	active, err := st.GetActiveVisit(ctx)
	if err != nil || active == nil {
		t.Fatalf("get active visit: %v, %v", active, err)
	}
	if len(active.IdlePeriods) != 1 {
		t.Fatalf("idle periods = %d, want 1", len(active.IdlePeriods))
	}
	idle := active.IdlePeriods[0]
	if idle.Reason != models.ReasonIdle {
		t.Errorf("idle reason = %q, want idle", idle.Reason)
	}
	if idle.End == nil || !idle.End.Equal(t0.Add(60*time.Second)) {
		t.Errorf("idle end = %v, want resume at t0+60s", idle.End)
	}
	if idle.ResumeReason != string(models.ReasonActive) {
		t.Errorf("resume reason = %q, want active", idle.ResumeReason)
	}
	if active.ActiveDurationMS != 30_000 {
		t.Errorf("ActiveDurationMS = %d, want 30000 (idle tick credits nothing)", active.ActiveDurationMS)
	}
}

func TestProcessPendingSkippedWhileInFlight(t *testing.T) {
	log, _, agg := testPipeline(t)
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	appendAll(t, log, event(models.EventActivate, 1, "https://example.com", t0))

	if !agg.flight.TryAcquire() {
		t.Fatal("could not acquire guard")
	}
	defer agg.flight.Release()

	res := agg.ProcessPending(context.Background())
	if !res.Skipped {
		t.Fatalf("result = %+v, want skipped", res)
	}
}
