// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package supervisor assembles the suture supervision tree.
//
// Layout:
//
//	tabscope (root)
//	├── data:     eventlog compactor
//	├── pipeline: intake router, heartbeat sampler, tickers
//	│             (aggregation, heartbeat watchdog, sync, cleanup)
//	└── api:      observability HTTP server
//
// Each layer restarts independently; a crashing HTTP server never takes the
// pipeline down with it.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tabscope/tabscope/internal/logging"
)

// New creates a supervisor with crash logging through the zerolog backend.
func New(name string) *suture.Supervisor {
	hook := (&sutureslog.Handler{
		Logger: slog.New(logging.NewSlogHandler()),
	}).MustHook()
	return suture.New(name, suture.Spec{
		EventHook: hook,
	})
}

// Ticker runs fn on a fixed interval until its context is canceled. fn
// errors are logged, never fatal; the next tick runs regardless.
type Ticker struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// NewTicker wraps a periodic function as a suture service.
func NewTicker(name string, interval time.Duration, fn func(ctx context.Context) error) *Ticker {
	return &Ticker{name: name, interval: interval, fn: fn}
}

// Serve implements suture.Service.
func (t *Ticker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.fn(ctx); err != nil {
				logging.Warn().Err(err).Str("ticker", t.name).Msg("Periodic task failed")
			}
		}
	}
}

func (t *Ticker) String() string { return t.name }
