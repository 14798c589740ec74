// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package models defines the shared entities of the aggregation pipeline:
// raw CoreEvents, aggregated PageVisits and TabAggregates, engagement
// verdicts, page metadata, and sync bookkeeping.
//
// Everything here is plain data plus small invariant-preserving methods;
// no I/O happens in this package.
package models
