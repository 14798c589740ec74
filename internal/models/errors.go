// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

import "errors"

// Validation errors for events and records.
var (
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrMissingEventID      = errors.New("event has no id")
	ErrMissingTimestamp    = errors.New("event has no timestamp")
	ErrMissingHeartbeat    = errors.New("heartbeat event has no heartbeat payload")
	ErrUnexpectedHeartbeat = errors.New("unexpected heartbeat payload")
	ErrVisitAlreadyClosed  = errors.New("visit already closed")
)
