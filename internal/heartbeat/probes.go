// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package heartbeat

import (
	"context"
	"time"

	"github.com/tabscope/tabscope/internal/models"
)

// TabFocus describes the currently active tab at sample time.
type TabFocus struct {
	TabID         int    `json:"tab_id"`
	URL           string `json:"url"`
	Audible       bool   `json:"audible"`
	WindowFocused bool   `json:"window_focused"`
}

// IdleProber reports the system idle/lock state. Implementations wrap
// whatever platform signal is available (native idle APIs, extension
// messaging).
type IdleProber interface {
	IdleState(ctx context.Context) (models.IdleState, error)
}

// FocusProber reports the currently active tab, or nil when no tab is
// active (browser closed, no window).
type FocusProber interface {
	ActiveTab(ctx context.Context) (*TabFocus, error)
}

// IdleProbeFunc adapts a function to the IdleProber interface.
type IdleProbeFunc func(ctx context.Context) (models.IdleState, error)

func (f IdleProbeFunc) IdleState(ctx context.Context) (models.IdleState, error) { return f(ctx) }

// FocusProbeFunc adapts a function to the FocusProber interface.
type FocusProbeFunc func(ctx context.Context) (*TabFocus, error)

func (f FocusProbeFunc) ActiveTab(ctx context.Context) (*TabFocus, error) { return f(ctx) }

// InputIdleProber derives the idle state from a last-input timestamp source
// and an idle threshold. Lock state takes precedence over idleness.
type InputIdleProber struct {
	LastInput func(ctx context.Context) (time.Time, error)
	Locked    func(ctx context.Context) (bool, error)
	Threshold time.Duration
	Now       func() time.Time
}

// IdleState classifies the system as locked, idle, or active.
func (p *InputIdleProber) IdleState(ctx context.Context) (models.IdleState, error) {
	if p.Locked != nil {
		locked, err := p.Locked(ctx)
		if err != nil {
			return "", err
		}
		if locked {
			return models.IdleStateLocked, nil
		}
	}
	last, err := p.LastInput(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	if now.Sub(last) >= p.Threshold {
		return models.IdleStateIdle, nil
	}
	return models.IdleStateActive, nil
}
