// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

import "strings"

// Category is the content category assigned to a page visit.
type Category string

const (
	CategoryEntertainmentVideo     Category = "entertainment_video"
	CategoryEntertainmentShortForm Category = "entertainment_short_form"
	CategoryEntertainmentBrowsing  Category = "entertainment_browsing"
	CategoryLearningVideo          Category = "learning_video"
	CategoryLearningReading        Category = "learning_reading"
	CategoryWorkCoding             Category = "work_coding"
	CategoryWorkCodeReview         Category = "work_code_review"
	CategoryWorkCommunication      Category = "work_communication"
	CategoryWorkDocumentation      Category = "work_documentation"
	CategoryNews                   Category = "news"
	CategorySocialMedia            Category = "social_media"
	CategoryShopping               Category = "shopping"
	CategoryReference              Category = "reference"
	CategoryUnclassified           Category = "unclassified"
)

// IsWork reports whether the category is one of the work_* categories.
func (c Category) IsWork() bool {
	return strings.HasPrefix(string(c), "work_")
}

// IsLearning reports whether the category is one of the learning_* categories.
func (c Category) IsLearning() bool {
	return strings.HasPrefix(string(c), "learning_")
}
