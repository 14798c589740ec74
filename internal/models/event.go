// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to CoreEvent.
const SchemaVersion = 1

// EventType identifies the kind of tab lifecycle fact an event carries.
type EventType string

// Event types. HEARTBEAT events are synthesized by the engagement sampler;
// all others originate from native tab/window signals.
const (
	EventCreate    EventType = "create"
	EventActivate  EventType = "activate"
	EventNavigate  EventType = "navigate"
	EventClose     EventType = "close"
	EventHeartbeat EventType = "heartbeat"
)

// IdleState is the sampled system idle/lock state.
type IdleState string

const (
	IdleStateActive IdleState = "active"
	IdleStateIdle   IdleState = "idle"
	IdleStateLocked IdleState = "locked"
)

// EngagementReason explains why an engagement verdict was reached.
type EngagementReason string

const (
	ReasonActive EngagementReason = "active"
	ReasonAudio  EngagementReason = "audio"
	ReasonIdle   EngagementReason = "idle"
	ReasonLocked EngagementReason = "locked"
)

// EngagementVerdict is a boolean-plus-reason-plus-confidence judgment about
// whether the user is actually paying attention. It is embedded in heartbeat
// events and folded into PageVisit.ActiveDurationMS; it is never persisted
// on its own.
type EngagementVerdict struct {
	IsEngaged  bool             `json:"is_engaged"`
	Reason     EngagementReason `json:"reason"`
	Confidence float64          `json:"confidence"`
}

// HeartbeatPayload carries the heartbeat-only fields of a CoreEvent.
// Modeling the type-dependent extras as an explicit variant payload (rather
// than one loosely-typed record) keeps non-heartbeat events free of fields
// that would never be valid for them.
type HeartbeatPayload struct {
	IdleState     IdleState         `json:"idle_state"`
	Audible       bool              `json:"audible"`
	WindowFocused bool              `json:"window_focused"`
	Engagement    EngagementVerdict `json:"engagement"`
}

// CoreEvent is an immutable fact about something that happened to a tab.
// Events are created by the intake publisher (native signals) or the
// engagement sampler (heartbeats), consumed exactly once by the aggregator,
// and deleted from the event log after successful aggregation.
type CoreEvent struct {
	// Schema version for forward/backward compatibility.
	SchemaVersion int `json:"schema_version,omitempty"`

	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	TabID     int       `json:"tab_id"`

	// URL and Domain are empty for CLOSE events, which carry no usable URL.
	URL    string `json:"url,omitempty"`
	Domain string `json:"domain,omitempty"`

	AnonymousClientID string `json:"anonymous_client_id,omitempty"`

	// Heartbeat is set if and only if Type == EventHeartbeat.
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
}

// NewCoreEvent creates an event with a unique ID, UTC timestamp, schema
// version, and a domain derived from the URL.
func NewCoreEvent(typ EventType, tabID int, rawURL string) *CoreEvent {
	return &CoreEvent{
		SchemaVersion: SchemaVersion,
		ID:            uuid.New().String(),
		Type:          typ,
		Timestamp:     time.Now().UTC(),
		TabID:         tabID,
		URL:           rawURL,
		Domain:        DomainFromURL(rawURL),
	}
}

// Validate checks structural invariants and returns an error if they fail.
func (e *CoreEvent) Validate() error {
	switch e.Type {
	case EventCreate, EventActivate, EventNavigate, EventClose, EventHeartbeat:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.ID == "" {
		return ErrMissingEventID
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if e.Type == EventHeartbeat && e.Heartbeat == nil {
		return ErrMissingHeartbeat
	}
	if e.Type != EventHeartbeat && e.Heartbeat != nil {
		return fmt.Errorf("%w: %q event carries heartbeat payload", ErrUnexpectedHeartbeat, e.Type)
	}
	return nil
}

// IsHeartbeat reports whether this is an engagement heartbeat.
func (e *CoreEvent) IsHeartbeat() bool {
	return e.Type == EventHeartbeat
}

// DomainFromURL extracts the lowercased hostname from a raw URL.
// Returns "" for unparseable or hostless URLs (about:, data:, and friends).
func DomainFromURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
