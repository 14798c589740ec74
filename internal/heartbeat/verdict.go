// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package heartbeat

import "github.com/tabscope/tabscope/internal/models"

// ComputeVerdict turns raw sample signals into an engagement verdict.
//
// Rules, in precedence order:
//   - locked screen is definitively not engaged
//   - active input is engaged; an unfocused browser window lowers confidence
//   - idle with audible playback is engaged (passive listening/watching)
//   - idle otherwise is not engaged
func ComputeVerdict(idle models.IdleState, audible, windowFocused bool) models.EngagementVerdict {
	switch {
	case idle == models.IdleStateLocked:
		return models.EngagementVerdict{IsEngaged: false, Reason: models.ReasonLocked, Confidence: 1.0}
	case idle == models.IdleStateActive:
		conf := 1.0
		if !windowFocused {
			conf = 0.7
		}
		return models.EngagementVerdict{IsEngaged: true, Reason: models.ReasonActive, Confidence: conf}
	case audible:
		return models.EngagementVerdict{IsEngaged: true, Reason: models.ReasonAudio, Confidence: 0.8}
	default:
		return models.EngagementVerdict{IsEngaged: false, Reason: models.ReasonIdle, Confidence: 0.9}
	}
}
