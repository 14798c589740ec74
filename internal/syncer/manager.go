// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package syncer uploads aggregated records to the backend in bounded
// chunks.
//
// Failure isolation is per chunk: a failed chunk marks only its own records
// failed, everything else proceeds, and failed records are retried on the
// next cycle. The cycle outcome (success, partial, failed) is persisted so
// restarts know where the last sync left off.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tabscope/tabscope/internal/aggregate"
	"github.com/tabscope/tabscope/internal/config"
	"github.com/tabscope/tabscope/internal/guard"
	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metrics"
	"github.com/tabscope/tabscope/internal/models"
	"github.com/tabscope/tabscope/internal/store"
	"github.com/tabscope/tabscope/internal/triage"
)

// Record type names on the wire.
const (
	recordTypeVisits     = "page_visits"
	recordTypeAggregates = "tab_aggregates"
)

// Skip reasons reported in Result.
const (
	SkipDisabled = "disabled"
	SkipInFlight = "in_flight"
	SkipTooSoon  = "too_soon"
)

// Precondition failures reported by SyncToBackend.
var (
	// ErrSyncDisabled means no backend endpoint is configured.
	ErrSyncDisabled = errors.New("sync not configured")
	// ErrSyncInFlight means another cycle is already running.
	ErrSyncInFlight = errors.New("sync already in flight")
)

// Aggregating is the pre-sync aggregation hook; *aggregate.Aggregator
// satisfies it.
type Aggregating interface {
	ProcessPending(ctx context.Context) aggregate.Result
}

// Result summarizes one sync cycle.
type Result struct {
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	Synced     int    `json:"synced"`
	Failed     int    `json:"failed"`

	Err error `json:"-"`
}

// Manager drives sync cycles.
type Manager struct {
	cfg      config.SyncConfig
	store    *store.Store
	agg      Aggregating
	client   Uploader
	clientID string

	flight guard.SingleFlight
	now    func() time.Time
}

// NewManager wires a sync manager.
func NewManager(cfg config.SyncConfig, st *store.Store, agg Aggregating, client Uploader, clientID string) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		agg:      agg,
		client:   client,
		clientID: clientID,
		now:      time.Now,
	}
}

// Enabled reports whether a backend endpoint is configured.
func (m *Manager) Enabled() bool {
	return m.cfg.Endpoint != ""
}

// SyncToBackend runs one sync cycle. force bypasses the interval check, not
// the single-flight guard or the enabled check. Aggregation runs first so
// the freshest records are uploaded.
func (m *Manager) SyncToBackend(ctx context.Context, force bool) Result {
	if !m.Enabled() {
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
		return Result{Skipped: true, SkipReason: SkipDisabled, Err: ErrSyncDisabled}
	}
	if !m.flight.TryAcquire() {
		logging.Debug().Msg("Sync already in flight, skipping")
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
		return Result{Skipped: true, SkipReason: SkipInFlight, Err: ErrSyncInFlight}
	}
	defer m.flight.Release()

	now := m.now().UTC()
	if !force {
		state, err := m.store.GetSyncState(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("Could not read sync state")
		} else if state != nil && now.Sub(state.LastSyncTime) < m.cfg.Interval {
			metrics.SyncRuns.WithLabelValues("skipped").Inc()
			return Result{Success: true, Skipped: true, SkipReason: SkipTooSoon}
		}
	}

	if aggRes := m.agg.ProcessPending(ctx); !aggRes.Success {
		// Sync whatever is already aggregated; the events stay queued.
		logging.Warn().Int("errors", len(aggRes.Errors)).Msg("Pre-sync aggregation failed")
	}

	res := m.uploadAll(ctx, now)

	status := models.LastSyncSuccess
	outcome := "success"
	switch {
	case res.Err != nil:
		status, outcome = models.LastSyncFailed, "failed"
	case res.Failed > 0 && res.Synced > 0:
		status, outcome = models.LastSyncPartial, "partial"
	case res.Failed > 0:
		status, outcome = models.LastSyncFailed, "failed"
	}
	metrics.SyncRuns.WithLabelValues(outcome).Inc()

	state := &models.SyncState{
		LastSyncTime:   now,
		LastSyncStatus: status,
		SyncedCount:    res.Synced,
		FailedCount:    res.Failed,
	}
	if err := m.store.SetSyncState(ctx, state); err != nil {
		logging.Error().Err(err).Msg("Could not persist sync state")
	}

	res.Success = res.Failed == 0 && res.Err == nil
	logging.Info().
		Int("synced", res.Synced).
		Int("failed", res.Failed).
		Str("status", string(status)).
		Msg("Sync cycle complete")
	return res
}

func (m *Manager) uploadAll(ctx context.Context, now time.Time) Result {
	var res Result

	visits, err := m.pendingVisits(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	for _, chunk := range chunkSlice(visits, m.cfg.ChunkSize) {
		ok := m.uploadChunk(ctx, recordTypeVisits, visitPayload(chunk))
		for _, v := range chunk {
			if ok {
				v.MarkSynced(now)
			} else {
				v.MarkSyncFailed()
			}
		}
		if err := m.store.SavePageVisits(ctx, chunk); err != nil {
			logging.Error().Err(err).Msg("Could not persist visit sync status")
		}
		res.tally(ok, len(chunk), recordTypeVisits)
	}

	aggs, err := m.pendingAggregates(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	for _, chunk := range chunkSlice(aggs, m.cfg.ChunkSize) {
		ok := m.uploadChunk(ctx, recordTypeAggregates, aggregatePayload(chunk))
		for _, a := range chunk {
			if ok {
				a.MarkSynced(now)
			} else {
				a.MarkSyncFailed()
			}
		}
		if err := m.store.SaveTabAggregates(ctx, chunk); err != nil {
			logging.Error().Err(err).Msg("Could not persist aggregate sync status")
		}
		res.tally(ok, len(chunk), recordTypeAggregates)
	}

	return res
}

func (r *Result) tally(ok bool, n int, recordType string) {
	if ok {
		r.Synced += n
		metrics.SyncRecords.WithLabelValues(recordType, "synced").Add(float64(n))
	} else {
		r.Failed += n
		metrics.SyncRecords.WithLabelValues(recordType, "failed").Add(float64(n))
	}
}

// pendingVisits returns closed, unsynced visits that still pass the triage
// rules.
func (m *Manager) pendingVisits(ctx context.Context) ([]*models.PageVisit, error) {
	all, err := m.store.GetPageVisits(ctx)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	out := all[:0]
	for _, v := range all {
		if v.IsOpen() || v.SyncStatus == models.SyncSynced {
			continue
		}
		if !triage.ShouldSyncPage(v.URL, v.Domain) {
			logging.Debug().Str("visit_id", v.ID).Str("url", v.URL).Msg("Visit filtered from sync")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// pendingAggregates returns closed, unsynced tab rollups. Open tabs are
// still accruing and upload once they close.
func (m *Manager) pendingAggregates(ctx context.Context) ([]*models.TabAggregate, error) {
	all, err := m.store.GetTabAggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aggregates: %w", err)
	}
	out := all[:0]
	for _, a := range all {
		if a.IsOpen || a.SyncStatus == models.SyncSynced {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *Manager) uploadChunk(ctx context.Context, recordType string, records any) bool {
	started := m.now()
	err := m.client.Upload(ctx, &UploadRequest{
		ClientID:   m.clientID,
		RecordType: recordType,
		Records:    records,
	})
	metrics.SyncChunkDuration.Observe(m.now().Sub(started).Seconds())
	if err != nil {
		logging.Warn().Err(err).Str("record_type", recordType).Msg("Chunk upload failed")
		return false
	}
	return true
}

// visitPayload strips nothing today; it exists so the wire shape can
// diverge from the storage shape without touching the upload path.
func visitPayload(chunk []*models.PageVisit) any { return chunk }

func aggregatePayload(chunk []*models.TabAggregate) any { return chunk }

func chunkSlice[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Cleanup purges synced records older than the retention window. Returns
// the number of purged records.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.cfg.Retention)
	purged := 0

	visits, err := m.store.GetPageVisits(ctx)
	if err != nil {
		return 0, fmt.Errorf("load visits: %w", err)
	}
	var visitIDs []string
	for _, v := range visits {
		if v.Synced && v.SyncedAt != nil && v.SyncedAt.Before(cutoff) {
			visitIDs = append(visitIDs, v.ID)
		}
	}
	if len(visitIDs) > 0 {
		if err := m.store.DeletePageVisits(ctx, visitIDs); err != nil {
			return purged, fmt.Errorf("purge visits: %w", err)
		}
		purged += len(visitIDs)
	}

	aggs, err := m.store.GetTabAggregates(ctx)
	if err != nil {
		return purged, fmt.Errorf("load aggregates: %w", err)
	}
	var tabIDs []int
	for _, a := range aggs {
		if a.Synced && !a.IsOpen && a.SyncedAt != nil && a.SyncedAt.Before(cutoff) {
			tabIDs = append(tabIDs, a.TabID)
		}
	}
	if len(tabIDs) > 0 {
		if err := m.store.DeleteTabAggregates(ctx, tabIDs); err != nil {
			return purged, fmt.Errorf("purge aggregates: %w", err)
		}
		purged += len(tabIDs)
	}

	if purged > 0 {
		metrics.SyncCleanupPurged.Add(float64(purged))
		logging.Info().Int("purged", purged).Msg("Retention cleanup complete")
	}
	return purged, nil
}
