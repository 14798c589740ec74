// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

import "time"

// HeartbeatSample is one entry of the sampler's local history ring buffer.
// Kept purely for local statistics (engagement rate, idle-state histogram);
// engagement attribution flows through HEARTBEAT CoreEvents instead.
type HeartbeatSample struct {
	Timestamp     time.Time         `json:"timestamp"`
	IdleState     IdleState         `json:"idle_state"`
	Audible       bool              `json:"audible"`
	WindowFocused bool              `json:"window_focused"`
	Verdict       EngagementVerdict `json:"verdict"`
}
