// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package aggregate folds raw events into page visits and tab rollups.
//
// A pass drains the event log in timestamp order through a small state
// machine built around one invariant: at most one page visit is open
// system-wide (the active visit). Activation and navigation close the
// previous visit and open the next; heartbeats credit engaged time to the
// visit they target; CLOSE finalizes the visit and the tab rollup.
//
// Passes are at-least-once: state is persisted before the consumed events
// are deleted, and deterministic visit ids make the replay after a crash
// between those two steps converge on the same records instead of
// duplicating them.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tabscope/tabscope/internal/categorize"
	"github.com/tabscope/tabscope/internal/eventlog"
	"github.com/tabscope/tabscope/internal/guard"
	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metadata"
	"github.com/tabscope/tabscope/internal/metrics"
	"github.com/tabscope/tabscope/internal/models"
	"github.com/tabscope/tabscope/internal/store"
)

// Result summarizes one aggregation pass.
type Result struct {
	Success           bool      `json:"success"`
	Skipped           bool      `json:"skipped"`
	ProcessedCount    int       `json:"processed_count"`
	ErrorCount        int       `json:"error_count"`
	NewVisits         int       `json:"new_visits"`
	TouchedAggregates int       `json:"touched_aggregates"`
	CompletedAt       time.Time `json:"completed_at"`

	Errors []error `json:"-"`
}

// Aggregator runs aggregation passes over the event log.
type Aggregator struct {
	log    *eventlog.Log
	store  *store.Store
	meta   metadata.Provider
	engine *categorize.Engine

	// quantum is the engaged time credited per heartbeat, equal to the
	// sampler interval.
	quantum time.Duration

	clientID string

	// firstPass marks the pass that recovers state from a prior process;
	// it force-closes a stale active visit left over by an unclean shutdown.
	firstPass bool

	flight guard.SingleFlight
	now    func() time.Time

	mu   sync.Mutex
	last Result
}

// New wires an aggregator. meta may be nil; classification then runs on the
// metadata-free tiers only.
func New(log *eventlog.Log, st *store.Store, meta metadata.Provider, quantum time.Duration, clientID string) *Aggregator {
	if meta == nil {
		meta = metadata.NopProvider{}
	}
	return &Aggregator{
		log:       log,
		store:     st,
		meta:      meta,
		engine:    categorize.NewEngine(),
		quantum:   quantum,
		clientID:  clientID,
		firstPass: true,
		now:       time.Now,
	}
}

// passState is the working set of one aggregation pass. Everything here is
// in-memory until the final persist.
type passState struct {
	active     *models.PageVisit
	visits     map[string]*models.PageVisit
	aggregates map[int]*models.TabAggregate
	result     Result
}

func (ps *passState) touchVisit(v *models.PageVisit) {
	ps.visits[v.ID] = v
}

func (ps *passState) aggregate(tabID int, ts time.Time) *models.TabAggregate {
	agg, ok := ps.aggregates[tabID]
	if !ok {
		agg = models.NewTabAggregate(tabID, ts)
		ps.aggregates[tabID] = agg
	}
	return agg
}

// ProcessPending drains the event log and folds every pending event into
// aggregated state. Overlapping passes are skipped; an empty log is a cheap
// no-op. Individual event failures are recorded and skipped so one bad
// event cannot wedge the pipeline.
func (a *Aggregator) ProcessPending(ctx context.Context) Result {
	if !a.flight.TryAcquire() {
		logging.Debug().Msg("Aggregation pass already in flight, skipping")
		metrics.AggregationPasses.WithLabelValues("skipped").Inc()
		return Result{Success: true, Skipped: true, CompletedAt: a.now().UTC()}
	}
	defer a.flight.Release()

	started := a.now()
	res := a.processLocked(ctx)
	res.CompletedAt = a.now().UTC()

	metrics.AggregationDuration.Observe(a.now().Sub(started).Seconds())
	switch {
	case res.Skipped:
		metrics.AggregationPasses.WithLabelValues("skipped").Inc()
	case res.Success:
		metrics.AggregationPasses.WithLabelValues("success").Inc()
	default:
		metrics.AggregationPasses.WithLabelValues("failed").Inc()
	}

	a.mu.Lock()
	a.last = res
	a.mu.Unlock()
	return res
}

func (a *Aggregator) processLocked(ctx context.Context) Result {
	events, err := a.log.GetAll(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Could not read event log")
		return Result{Errors: []error{err}}
	}
	recovering := a.firstPass
	a.firstPass = false
	if len(events) == 0 && !recovering {
		return Result{Success: true, Skipped: true}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	ps, err := a.loadState(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Could not load aggregation state")
		return Result{Errors: []error{err}}
	}
	if recovering {
		a.recoverStaleVisit(ps)
	}
	if len(events) == 0 && ps.result.NewVisits == 0 {
		return Result{Success: true, Skipped: true}
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
		if err := a.fold(ctx, ps, ev); err != nil {
			ps.result.ErrorCount++
			ps.result.Errors = append(ps.result.Errors, fmt.Errorf("event %s (%s): %w", ev.ID, ev.Type, err))
			metrics.AggregationEventErrors.Inc()
			logging.Warn().Err(err).Str("event_id", ev.ID).Str("type", string(ev.Type)).
				Msg("Skipping unprocessable event")
			continue
		}
		ps.result.ProcessedCount++
		metrics.AggregationEventsProcessed.Inc()
	}

	// Persist before deleting: a crash here replays the same events against
	// the same deterministic ids on the next pass.
	if err := a.persist(ctx, ps); err != nil {
		logging.Error().Err(err).Msg("Could not persist aggregated state, events retained for replay")
		ps.result.Errors = append(ps.result.Errors, err)
		return ps.result
	}

	if len(ids) > 0 {
		if err := a.log.DeleteMany(ctx, ids); err != nil {
			// State is saved; a failed drain only means a harmless replay.
			logging.Warn().Err(err).Int("events", len(ids)).Msg("Could not drain event log")
			ps.result.Errors = append(ps.result.Errors, err)
		}
	}

	// Pushed metadata was either consumed by this pass or targeted pages
	// that never produced a visit; dropping it keeps the cache bounded.
	if c, ok := a.meta.(metadata.Clearer); ok {
		c.Clear()
	}

	ps.result.Success = true
	ps.result.TouchedAggregates = len(ps.aggregates)
	logging.Info().
		Int("processed", ps.result.ProcessedCount).
		Int("errors", ps.result.ErrorCount).
		Int("new_visits", ps.result.NewVisits).
		Int("aggregates", len(ps.aggregates)).
		Msg("Aggregation pass complete")
	return ps.result
}

func (a *Aggregator) loadState(ctx context.Context) (*passState, error) {
	active, err := a.store.GetActiveVisit(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active visit: %w", err)
	}
	aggs, err := a.store.GetTabAggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tab aggregates: %w", err)
	}

	ps := &passState{
		active:     active,
		visits:     make(map[string]*models.PageVisit),
		aggregates: make(map[int]*models.TabAggregate, len(aggs)),
	}
	for _, agg := range aggs {
		ps.aggregates[agg.TabID] = agg
	}
	if active != nil {
		ps.touchVisit(active)
	}
	return ps, nil
}

func (a *Aggregator) fold(ctx context.Context, ps *passState, ev *models.CoreEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	switch ev.Type {
	case models.EventCreate:
		ps.aggregate(ev.TabID, ev.Timestamp)
		return nil

	case models.EventActivate, models.EventNavigate:
		a.closeActiveVisit(ps, ev.Timestamp)
		return a.openVisit(ctx, ps, ev)

	case models.EventClose:
		return a.foldClose(ps, ev)

	case models.EventHeartbeat:
		return a.foldHeartbeat(ctx, ps, ev)

	default:
		return fmt.Errorf("%w: %q", models.ErrUnknownEventType, ev.Type)
	}
}

// recoverStaleVisit force-closes an active visit carried over from a prior
// unclean shutdown. A visit whose last activity predates two heartbeat
// intervals was not on screen in between; it closes at its last known
// activity time so the gap is not counted as viewing time.
func (a *Aggregator) recoverStaleVisit(ps *passState) {
	if ps.active == nil {
		return
	}
	last := ps.active.LastActivityAt
	if last.IsZero() {
		last = ps.active.StartedAt
	}
	if a.now().UTC().Sub(last) <= 2*a.quantum {
		return
	}
	logging.Warn().
		Str("visit_id", ps.active.ID).
		Time("last_activity", last).
		Msg("Force-closing active visit recovered from unclean shutdown")
	a.closeActiveVisit(ps, last)
}

// closeActiveVisit finalizes the current active visit, whatever tab it
// belongs to, and settles its duration into the owning rollup.
func (a *Aggregator) closeActiveVisit(ps *passState, ts time.Time) {
	visit := ps.active
	if visit == nil {
		return
	}
	ps.active = nil

	if err := visit.Close(ts); err != nil {
		// Already closed: a replayed event. The pointer clear is enough.
		logging.Debug().Str("visit_id", visit.ID).Msg("Active visit was already closed")
		return
	}
	a.engine.AdjustClosedVisit(visit)
	ps.touchVisit(visit)

	agg := ps.aggregate(visit.TabID, visit.StartedAt)
	if visit.DurationMS != nil {
		agg.AddDomainDuration(visit.Domain, *visit.DurationMS)
	}
	ps.result.NewVisits++
	metrics.VisitsProduced.Inc()
}

// openVisit starts a new visit for the event's tab and makes it the active
// visit.
func (a *Aggregator) openVisit(ctx context.Context, ps *passState, ev *models.CoreEvent) error {
	visit := models.NewPageVisit(ev.TabID, ev.URL, ev.Timestamp)
	visit.AnonymousClientID = a.clientID

	md, err := a.meta.Fetch(ctx, ev.TabID, ev.URL)
	if err != nil {
		// Classification degrades to the metadata-free tiers.
		logging.Debug().Err(err).Str("url", ev.URL).Msg("Metadata fetch failed")
		md = nil
	}
	a.engine.Categorize(visit, md).Apply(visit)

	ps.active = visit
	ps.touchVisit(visit)

	agg := ps.aggregate(ev.TabID, ev.Timestamp)
	agg.UpdateActivity(ev.Domain, ev.URL, ev.Timestamp)
	return nil
}

func (a *Aggregator) foldClose(ps *passState, ev *models.CoreEvent) error {
	if ps.active != nil && ps.active.TabID == ev.TabID {
		a.closeActiveVisit(ps, ev.Timestamp)
	}

	agg, ok := ps.aggregates[ev.TabID]
	if !ok {
		// CLOSE for a tab never seen before (log expiry ate its history).
		// Record a minimal closed rollup rather than dropping the fact.
		agg = models.NewTabAggregate(ev.TabID, ev.Timestamp)
		ps.aggregates[ev.TabID] = agg
	}
	agg.IsOpen = false
	if ev.Timestamp.After(agg.LastActiveTime) {
		agg.LastActiveTime = ev.Timestamp
	}
	return nil
}

func (a *Aggregator) foldHeartbeat(ctx context.Context, ps *passState, ev *models.CoreEvent) error {
	verdict := ev.Heartbeat.Engagement

	// The sampler targets the active tab, so a heartbeat for another tab
	// means an activation signal was lost. Treat it as an implicit switch
	// when the heartbeat carries a URL to open a visit against.
	if ps.active == nil || ps.active.TabID != ev.TabID {
		if ev.URL == "" {
			return nil
		}
		if ps.active != nil {
			logging.Debug().Int("active_tab", ps.active.TabID).Int("heartbeat_tab", ev.TabID).
				Msg("Heartbeat for non-active tab, switching visits")
			a.closeActiveVisit(ps, ev.Timestamp)
		}
		if err := a.openVisit(ctx, ps, ev); err != nil {
			return err
		}
	}

	if !verdict.IsEngaged {
		ps.active.OpenIdlePeriod(ev.Timestamp, verdict.Reason)
		ps.active.RecomputeEngagementRate(ev.Timestamp)
		ps.active.Touch(ev.Timestamp)
		ps.touchVisit(ps.active)
		return nil
	}

	visit := ps.active
	visit.CloseIdlePeriod(ev.Timestamp, string(verdict.Reason))
	visit.Touch(ev.Timestamp)

	quantum := a.quantum.Milliseconds()
	visit.ActiveDurationMS += quantum
	visit.RecomputeEngagementRate(ev.Timestamp)
	ps.touchVisit(visit)

	agg := ps.aggregate(ev.TabID, ev.Timestamp)
	agg.AddActiveDuration(quantum)
	if ev.Timestamp.After(agg.LastActiveTime) {
		agg.LastActiveTime = ev.Timestamp
	}
	return nil
}

func (a *Aggregator) persist(ctx context.Context, ps *passState) error {
	visits := make([]*models.PageVisit, 0, len(ps.visits))
	for _, v := range ps.visits {
		visits = append(visits, v)
	}
	if err := a.store.SavePageVisits(ctx, visits); err != nil {
		return fmt.Errorf("save visits: %w", err)
	}

	aggs := make([]*models.TabAggregate, 0, len(ps.aggregates))
	for _, agg := range ps.aggregates {
		aggs = append(aggs, agg)
	}
	if err := a.store.SaveTabAggregates(ctx, aggs); err != nil {
		return fmt.Errorf("save tab aggregates: %w", err)
	}

	if err := a.store.SetActiveVisit(ctx, ps.active); err != nil {
		return fmt.Errorf("save active visit: %w", err)
	}
	if ps.active != nil {
		metrics.ActiveVisit.Set(1)
	} else {
		metrics.ActiveVisit.Set(0)
	}
	return nil
}

// LastResult returns the most recent pass result for the stats endpoint.
func (a *Aggregator) LastResult() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
