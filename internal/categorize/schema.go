// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package categorize

import (
	"strings"

	"github.com/tabscope/tabscope/internal/models"
)

// learningKeywords in a video or article title mark instructional content.
var learningKeywords = []string{
	"tutorial", "course", "lecture", "how to", "guide",
	"lesson", "training", "workshop", "education",
}

// entertainmentKeywords in a video title mark entertainment content.
var entertainmentKeywords = []string{
	"trailer", "movie", "episode", "stream", "season",
}

// shortFormMaxSeconds is the duration below which a video counts as
// short-form content.
const shortFormMaxSeconds = 60

// longFormMinSeconds is the duration above which an otherwise unmarked
// video is assumed to be long-form entertainment.
const longFormMinSeconds = 1800

// classifySchema is the structured-data tier (schema.org @type).
func classifySchema(visit *models.PageVisit, md *models.PageMetadata) *Result {
	if md == nil || md.SchemaType == "" {
		return nil
	}

	switch md.SchemaType {
	case "Movie", "TVSeries":
		return &Result{Category: models.CategoryEntertainmentVideo, Confidence: 0.95, Method: MethodMetadata}
	case "SoftwareSourceCode":
		return &Result{Category: models.CategoryWorkCoding, Confidence: 0.9, Method: MethodMetadata}
	case "Course":
		return &Result{Category: models.CategoryLearningVideo, Confidence: 0.95, Method: MethodMetadata}
	case "NewsArticle":
		return &Result{Category: models.CategoryNews, Confidence: 0.95, Method: MethodMetadata}
	case "VideoObject":
		return classifyVideo(visit, md)
	case "Article", "BlogPosting":
		return classifyArticle(md)
	default:
		return nil
	}
}

// classifyVideo resolves VideoObject pages. Rules apply in order, first
// match wins; any video gets at least the weak entertainment fallback.
func classifyVideo(visit *models.PageVisit, md *models.PageMetadata) *Result {
	seconds := ParseISODuration(md.SchemaDuration)
	title := strings.ToLower(md.SchemaTitle)
	url := strings.ToLower(visit.URL)

	if strings.Contains(url, "/shorts") || strings.Contains(url, "/reels") {
		return &Result{Category: models.CategoryEntertainmentShortForm, Confidence: 0.95, Method: MethodMetadata}
	}
	if seconds > 0 && seconds < shortFormMaxSeconds {
		return &Result{Category: models.CategoryEntertainmentShortForm, Confidence: 0.9, Method: MethodMetadata}
	}
	if containsAny(title, learningKeywords) {
		return &Result{Category: models.CategoryLearningVideo, Confidence: 0.95, Method: MethodMetadata}
	}
	if strings.EqualFold(md.SchemaGenre, "education") {
		return &Result{Category: models.CategoryLearningVideo, Confidence: 0.9, Method: MethodMetadata}
	}
	if containsAny(title, entertainmentKeywords) {
		return &Result{Category: models.CategoryEntertainmentVideo, Confidence: 0.85, Method: MethodMetadata}
	}
	if seconds > longFormMinSeconds {
		return &Result{Category: models.CategoryEntertainmentVideo, Confidence: 0.75, Method: MethodMetadata}
	}
	return &Result{Category: models.CategoryEntertainmentVideo, Confidence: 0.7, Method: MethodMetadata}
}

// classifyArticle resolves Article/BlogPosting pages. Instructional titles
// and long-form technical writing read as learning; explicit news sections
// read as news; anything else stays below the threshold and cascades on.
func classifyArticle(md *models.PageMetadata) *Result {
	title := strings.ToLower(md.SchemaTitle)
	section := strings.ToLower(md.ArticleSection)

	if containsAny(title, learningKeywords) {
		return &Result{Category: models.CategoryLearningReading, Confidence: 0.85, Method: MethodMetadata}
	}
	if section == "news" || section == "politics" || section == "world" {
		return &Result{Category: models.CategoryNews, Confidence: 0.8, Method: MethodMetadata}
	}
	if md.WordCount >= 1000 {
		return &Result{Category: models.CategoryLearningReading, Confidence: 0.7, Method: MethodMetadata}
	}
	// Weak signal: below threshold, lets later tiers decide.
	return &Result{Category: models.CategoryLearningReading, Confidence: 0.5, Method: MethodMetadata}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
