// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package categorize assigns a content category to page visits.
//
// Classification cascades through four signal tiers - structured data
// (schema.org), Open Graph, domain/URL patterns, and content signals -
// stopping at the first tier whose result clears the acceptance threshold.
// Each tier is an ordinary function in an ordered list, so tiers can be
// added, reordered, and unit-tested in isolation.
//
// The engine is deterministic and pure: identical (visit, metadata) input
// always yields an identical result, and a missing metadata record
// degrades to unclassified instead of erroring.
package categorize

import (
	"github.com/tabscope/tabscope/internal/models"
)

// AcceptThreshold is the minimum confidence a tier must reach for its
// result to be accepted.
const AcceptThreshold = 0.6

// Method values recorded on visits.
const (
	MethodMetadata     = "metadata"
	MethodUnclassified = "unclassified"
)

// Result is a scored classification.
type Result struct {
	Category   models.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Method     string          `json:"method"`
}

// Unclassified is the result when no tier clears the threshold.
func Unclassified() Result {
	return Result{Category: models.CategoryUnclassified, Confidence: 0, Method: MethodUnclassified}
}

// Classifier is one tier of the cascade. A nil return means the tier has
// no opinion; a non-nil return below the threshold is treated the same.
type Classifier func(visit *models.PageVisit, md *models.PageMetadata) *Result

// Engine runs the classifier cascade.
type Engine struct {
	tiers []Classifier
}

// NewEngine creates an engine with the default tier order.
func NewEngine() *Engine {
	return &Engine{
		tiers: []Classifier{
			classifySchema,
			classifyOpenGraph,
			classifyDomain,
			classifyContentSignals,
		},
	}
}

// Categorize runs the cascade and the metadata-dependent part of the
// behavioral adjustment. The engagement penalty for barely-viewed pages is
// applied separately when the visit closes (AdjustClosedVisit), because
// engagement numbers don't exist yet at visit creation.
func (e *Engine) Categorize(visit *models.PageVisit, md *models.PageMetadata) Result {
	if visit == nil {
		return Unclassified()
	}

	for _, tier := range e.tiers {
		res := tier(visit, md)
		if res == nil || res.Confidence < AcceptThreshold {
			continue
		}
		out := *res
		// Active editing of documentation is a strong signal the page is
		// real work, not a drive-by open.
		if out.Category == models.CategoryWorkDocumentation && md != nil && md.IsEditing {
			out.Confidence += 0.1
			if out.Confidence > 1.0 {
				out.Confidence = 1.0
			}
		}
		return out
	}
	return Unclassified()
}

// AdjustClosedVisit applies the engagement penalty to a closed visit's
// stored classification: a work/learning category on a page the user
// barely engaged with (rate < 0.2, duration < 60s) is probably a drive-by
// tab, so its confidence is scaled down.
func (e *Engine) AdjustClosedVisit(visit *models.PageVisit) {
	if visit == nil || visit.DurationMS == nil {
		return
	}
	if !visit.Category.IsWork() && !visit.Category.IsLearning() {
		return
	}
	if visit.EngagementRate < 0.2 && *visit.DurationMS < 60_000 {
		visit.CategoryConfidence *= 0.7
	}
}

// Apply stamps a result onto a visit.
func (r Result) Apply(visit *models.PageVisit) {
	visit.Category = r.Category
	visit.CategoryConfidence = r.Confidence
	visit.CategoryMethod = r.Method
}
