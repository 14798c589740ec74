// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package metadata supplies page metadata to the categorizer.
//
// Metadata comes from whatever instrumented source is driving the agent
// (a browser extension scraping schema.org and Open Graph tags). The
// aggregator only depends on the Provider interface; a missing or failing
// provider degrades classification to the metadata-free tiers rather than
// blocking aggregation.
package metadata

import (
	"context"
	"sync"

	"github.com/tabscope/tabscope/internal/models"
)

// Provider fetches the scraped metadata for a page, keyed by the tab it was
// observed in. A nil result with a nil error means no metadata is available
// for the page; callers must treat that as a normal outcome.
type Provider interface {
	Fetch(ctx context.Context, tabID int, url string) (*models.PageMetadata, error)
}

// Clearer is implemented by providers backed by a consumable cache. The
// aggregator drops the cache once a pass completes so pushed metadata does
// not accumulate for the life of the process.
type Clearer interface {
	Clear()
}

// NopProvider never has metadata. It is the default when no metadata source
// is wired in.
type NopProvider struct{}

// Fetch always reports no metadata.
func (NopProvider) Fetch(context.Context, int, string) (*models.PageMetadata, error) {
	return nil, nil
}

// CacheProvider holds metadata pushed in by an external source (the intake
// surface) and serves it to the aggregator by URL. Entries live until the
// aggregation pass that consumes them completes; the pass then drops the
// whole cache through Clearer.
type CacheProvider struct {
	mu      sync.RWMutex
	entries map[string]*models.PageMetadata
}

// NewCacheProvider creates an empty metadata cache.
func NewCacheProvider() *CacheProvider {
	return &CacheProvider{entries: make(map[string]*models.PageMetadata)}
}

// Put stores metadata for a URL, replacing any previous entry.
func (p *CacheProvider) Put(url string, md *models.PageMetadata) {
	if md == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[url] = md
}

// Fetch returns the cached metadata for the URL, or nil when none was pushed.
func (p *CacheProvider) Fetch(_ context.Context, _ int, url string) (*models.PageMetadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	md, ok := p.entries[url]
	if !ok {
		return nil, nil
	}
	cp := *md
	return &cp, nil
}

// Clear drops all cached entries.
func (p *CacheProvider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*models.PageMetadata)
}

// Len reports the number of cached entries.
func (p *CacheProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
