// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package guard provides single-flight guards for re-entrant-unsafe
// periodic operations.
//
// The heartbeat tick, the aggregation pass, and the sync cycle must never
// run concurrently with themselves. Each owns a SingleFlight; an
// overlapping trigger observes TryAcquire() == false and becomes a no-op
// instead of a second concurrent pass.
package guard

import "sync/atomic"

// SingleFlight is an atomic check-and-set "is running" flag.
// The zero value is ready to use.
type SingleFlight struct {
	running atomic.Bool
}

// TryAcquire attempts to claim the guard. It returns true when the caller
// now owns the flight and must call Release when done, false when another
// flight is already in progress.
func (g *SingleFlight) TryAcquire() bool {
	return g.running.CompareAndSwap(false, true)
}

// Release clears the guard. Always call it from a defer so that a panicking
// flight cannot lock the operation out permanently.
func (g *SingleFlight) Release() {
	g.running.Store(false)
}

// Running reports whether a flight is currently in progress.
func (g *SingleFlight) Running() bool {
	return g.running.Load()
}
