// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package models

// PageMetadata is the scraped on-page metadata for a URL at the moment a
// visit is created. It is supplied by an external provider (content-script
// equivalent); every field may be absent, and the categorizer must degrade
// to unclassified rather than error when the whole record is unavailable.
type PageMetadata struct {
	// Structured data (schema.org).
	SchemaType     string `json:"schema_type,omitempty"`
	SchemaTitle    string `json:"schema_title,omitempty"`
	SchemaDuration string `json:"schema_duration,omitempty"` // ISO-8601, e.g. "PT12M30S"
	SchemaGenre    string `json:"schema_genre,omitempty"`

	// Open Graph.
	OGType string `json:"og_type,omitempty"`

	// Page-level hints.
	Keywords       []string `json:"keywords,omitempty"`
	ArticleSection string   `json:"article_section,omitempty"`
	WordCount      int      `json:"word_count,omitempty"`

	// Content signals.
	HasCodeEditor bool `json:"has_code_editor,omitempty"`
	HasFeed       bool `json:"has_feed,omitempty"`
	IsEditing     bool `json:"is_editing,omitempty"`
}
