// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package triage decides which raw events are worth persisting.
//
// ShouldStore is a pure predicate with no I/O and no side effects; it runs
// synchronously before every write to the event log and is re-applied by
// the sync manager as a defensive check before upload.
package triage

import (
	"strings"

	"github.com/tabscope/tabscope/internal/models"
)

// internalSchemes are URL prefixes for browser-internal and non-web pages
// that never represent real browsing activity.
var internalSchemes = []string{
	"chrome://",
	"chrome-extension://",
	"edge://",
	"about:",
	"moz-extension://",
	"file:",
	"data:",
	"blob:",
	"view-source:",
	"devtools://",
}

// RejectReason explains why an event was filtered out.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectInternalScheme RejectReason = "internal_scheme"
	RejectNewTab         RejectReason = "newtab"
	RejectEmptyDomain    RejectReason = "empty_domain"
)

// ShouldStore reports whether a raw event should be written to the event
// log. Rules apply in order, first match wins.
func ShouldStore(event *models.CoreEvent) bool {
	return Evaluate(event) == RejectNone
}

// Evaluate returns the reject reason for an event, or RejectNone when the
// event should be stored.
func Evaluate(event *models.CoreEvent) RejectReason {
	// CLOSE events carry no usable URL and are never rejected on URL or
	// domain grounds.
	if event.Type != models.EventClose && hasInternalScheme(event.URL) {
		return RejectInternalScheme
	}

	// Vendor-specific new-tab URLs don't all match the scheme list.
	if event.Type != models.EventClose && strings.Contains(event.Domain, "newtab") {
		return RejectNewTab
	}

	if event.Domain == "" && event.Type != models.EventClose && event.Type != models.EventHeartbeat {
		return RejectEmptyDomain
	}

	return RejectNone
}

// ShouldSyncPage re-applies the storage rules to an aggregated page before
// upload. Defensive: records built from events that predate a rule change
// must not leak to the backend.
func ShouldSyncPage(rawURL, domain string) bool {
	if hasInternalScheme(rawURL) {
		return false
	}
	if strings.Contains(domain, "newtab") {
		return false
	}
	return domain != ""
}

func hasInternalScheme(rawURL string) bool {
	for _, scheme := range internalSchemes {
		if strings.HasPrefix(rawURL, scheme) {
			return true
		}
	}
	return false
}
