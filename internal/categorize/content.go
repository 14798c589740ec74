// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package categorize

import "github.com/tabscope/tabscope/internal/models"

// classifyContentSignals is the last-resort tier: page structure signals
// scraped by the metadata provider.
func classifyContentSignals(_ *models.PageVisit, md *models.PageMetadata) *Result {
	if md == nil {
		return nil
	}
	if md.HasCodeEditor {
		return &Result{Category: models.CategoryWorkCoding, Confidence: 0.85, Method: MethodMetadata}
	}
	if md.HasFeed {
		return &Result{Category: models.CategorySocialMedia, Confidence: 0.75, Method: MethodMetadata}
	}
	return nil
}
