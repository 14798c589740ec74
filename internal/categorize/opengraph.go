// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package categorize

import (
	"strings"

	"github.com/tabscope/tabscope/internal/models"
)

// classifyOpenGraph is the Open Graph tier. It only fires for the og:type
// families that carry a usable content signal: movie/episode types and
// article-like types combined with domain heuristics.
func classifyOpenGraph(visit *models.PageVisit, md *models.PageMetadata) *Result {
	if md == nil || md.OGType == "" {
		return nil
	}

	ogType := strings.ToLower(md.OGType)
	switch {
	case strings.HasPrefix(ogType, "video."):
		// video.movie, video.episode, video.tv_show, video.other
		return &Result{Category: models.CategoryEntertainmentVideo, Confidence: 0.8, Method: MethodMetadata}

	case ogType == "article":
		if isNewsDomain(visit.Domain) {
			return &Result{Category: models.CategoryNews, Confidence: 0.85, Method: MethodMetadata}
		}
		if containsAny(strings.ToLower(md.SchemaTitle), learningKeywords) {
			return &Result{Category: models.CategoryLearningReading, Confidence: 0.75, Method: MethodMetadata}
		}
		// Article on an unknown domain: weak, cascades to the domain tier.
		return &Result{Category: models.CategoryLearningReading, Confidence: 0.5, Method: MethodMetadata}

	default:
		return nil
	}
}
