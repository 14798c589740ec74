// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package eventlog

import (
	"context"
	"time"

	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metrics"
)

// Compactor periodically drops raw events older than the configured max
// age. Under normal operation the aggregator drains the log long before
// expiry; the compactor is the backstop for an aggregator that never runs
// (broken metadata provider, wedged store).
type Compactor struct {
	log      *Log
	maxAge   time.Duration
	interval time.Duration
}

// NewCompactor creates an expiry compactor for the log.
func NewCompactor(log *Log, maxAge, interval time.Duration) *Compactor {
	return &Compactor{log: log, maxAge: maxAge, interval: interval}
}

// RunOnce performs a single expiry sweep.
func (c *Compactor) RunOnce(ctx context.Context) (int, error) {
	ids, err := c.log.GetOlderThan(ctx, c.maxAge)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := c.log.DeleteMany(ctx, ids); err != nil {
		return 0, err
	}

	metrics.EventLogExpired.Add(float64(len(ids)))
	logging.Warn().
		Int("count", len(ids)).
		Dur("max_age", c.maxAge).
		Msg("Expired unaggregated events purged")
	return len(ids), nil
}

// Serve runs the compactor until the context is canceled.
// Implements suture.Service.
func (c *Compactor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logging.Err(err).Msg("Event log compaction failed")
			}
		}
	}
}

// String names the service in supervisor logs.
func (c *Compactor) String() string { return "eventlog-compactor" }
