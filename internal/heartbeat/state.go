// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/tabscope/tabscope/internal/models"
)

// StateReport is the browser-side signal snapshot pushed by the extension.
type StateReport struct {
	LastInputAt time.Time `json:"last_input_at"`
	Locked      bool      `json:"locked"`
	ActiveTab   *TabFocus `json:"active_tab,omitempty"`
}

// StateTracker holds the latest StateReport and serves it to the sampler as
// both probes. Before the first report arrives the system reads as idle
// with no active tab, so the sampler credits nothing.
type StateTracker struct {
	threshold time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	report *StateReport
}

// NewStateTracker creates a tracker with the given idle threshold.
func NewStateTracker(threshold time.Duration) *StateTracker {
	return &StateTracker{threshold: threshold, now: time.Now}
}

// Update replaces the tracked snapshot.
func (t *StateTracker) Update(report StateReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report = &report
}

// IdleState implements IdleProber.
func (t *StateTracker) IdleState(_ context.Context) (models.IdleState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.report == nil {
		return models.IdleStateIdle, nil
	}
	if t.report.Locked {
		return models.IdleStateLocked, nil
	}
	if t.now().Sub(t.report.LastInputAt) >= t.threshold {
		return models.IdleStateIdle, nil
	}
	return models.IdleStateActive, nil
}

// ActiveTab implements FocusProber.
func (t *StateTracker) ActiveTab(_ context.Context) (*TabFocus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.report == nil || t.report.ActiveTab == nil {
		return nil, nil
	}
	tab := *t.report.ActiveTab
	return &tab, nil
}
