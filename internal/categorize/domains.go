// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package categorize

import (
	"strings"

	"github.com/tabscope/tabscope/internal/models"
)

// Domain groups for the pattern tier. Matching is suffix-aware, so
// gist.github.com matches github.com.
var (
	codeHostingDomains = []string{"github.com", "gitlab.com", "bitbucket.org"}

	communicationDomains = []string{
		"slack.com", "teams.microsoft.com", "discord.com",
		"mail.google.com", "outlook.office.com", "outlook.live.com",
		"zoom.us", "meet.google.com",
	}

	documentationDomains = []string{
		"notion.so", "atlassian.net", "docs.google.com", "coda.io",
	}

	techReadingDomains = []string{
		"stackoverflow.com", "stackexchange.com", "developer.mozilla.org",
		"docs.python.org", "go.dev", "pkg.go.dev", "docs.rs",
	}

	socialDomains = []string{
		"twitter.com", "x.com", "facebook.com", "instagram.com",
		"tiktok.com", "reddit.com", "linkedin.com",
	}

	newsDomains = []string{
		"nytimes.com", "bbc.com", "bbc.co.uk", "cnn.com",
		"theguardian.com", "reuters.com", "apnews.com",
		"news.ycombinator.com",
	}

	shoppingDomains = []string{
		"amazon.com", "amazon.co.uk", "amazon.de", "ebay.com",
		"etsy.com", "aliexpress.com", "walmart.com",
	}

	referenceDomains = []string{
		"wikipedia.org", "wiktionary.org", "britannica.com",
		"dictionary.com", "merriam-webster.com",
		"maps.google.com", "translate.google.com",
	}

	streamingDomains = []string{
		"youtube.com", "netflix.com", "twitch.tv", "vimeo.com",
		"hulu.com", "primevideo.com", "disneyplus.com",
	}
)

// classifyDomain is the domain + URL pattern tier. It needs no metadata at
// all, which makes it the tier that still works when the metadata provider
// is unavailable.
func classifyDomain(visit *models.PageVisit, _ *models.PageMetadata) *Result {
	domain := visit.Domain
	path := strings.ToLower(pathOf(visit.URL))

	switch {
	case matchesAny(domain, codeHostingDomains):
		return classifyCodeHosting(path)

	case matchesAny(domain, communicationDomains):
		return &Result{Category: models.CategoryWorkCommunication, Confidence: 0.9, Method: MethodMetadata}

	case matchesAny(domain, documentationDomains):
		// The isEditing boost on top of this happens in the engine.
		return &Result{Category: models.CategoryWorkDocumentation, Confidence: 0.75, Method: MethodMetadata}

	case matchesAny(domain, techReadingDomains):
		return &Result{Category: models.CategoryLearningReading, Confidence: 0.9, Method: MethodMetadata}

	case matchesAny(domain, socialDomains):
		// Long-form professional posts are reading material, not feed
		// scrolling.
		if matchesAny(domain, []string{"linkedin.com"}) && strings.Contains(path, "/pulse/") {
			return &Result{Category: models.CategoryLearningReading, Confidence: 0.8, Method: MethodMetadata}
		}
		return &Result{Category: models.CategorySocialMedia, Confidence: 0.9, Method: MethodMetadata}

	case matchesAny(domain, newsDomains):
		return &Result{Category: models.CategoryNews, Confidence: 0.85, Method: MethodMetadata}

	case matchesAny(domain, shoppingDomains):
		return &Result{Category: models.CategoryShopping, Confidence: 0.9, Method: MethodMetadata}

	case matchesAny(domain, referenceDomains):
		return &Result{Category: models.CategoryReference, Confidence: 0.9, Method: MethodMetadata}

	case matchesAny(domain, streamingDomains):
		// A specific watch page is classified by the schema/OG tiers;
		// the domain alone only says the user is browsing the catalog.
		if isWatchPath(path) {
			return nil
		}
		return &Result{Category: models.CategoryEntertainmentBrowsing, Confidence: 0.8, Method: MethodMetadata}

	default:
		return nil
	}
}

// classifyCodeHosting resolves paths on code-hosting domains.
func classifyCodeHosting(path string) *Result {
	switch {
	case strings.Contains(path, "/pull/") || strings.Contains(path, "/merge_requests/"):
		return &Result{Category: models.CategoryWorkCodeReview, Confidence: 0.95, Method: MethodMetadata}
	case strings.Contains(path, "/issues"):
		return &Result{Category: models.CategoryWorkCommunication, Confidence: 0.85, Method: MethodMetadata}
	case strings.Contains(path, "/blob/") || strings.Contains(path, "/tree/") || strings.Contains(path, "/commit"):
		return &Result{Category: models.CategoryWorkCoding, Confidence: 0.9, Method: MethodMetadata}
	default:
		return &Result{Category: models.CategoryWorkCoding, Confidence: 0.75, Method: MethodMetadata}
	}
}

func isWatchPath(path string) bool {
	return strings.Contains(path, "/watch") ||
		strings.Contains(path, "/shorts/") ||
		strings.Contains(path, "/videos/") ||
		strings.HasPrefix(path, "/title/")
}

func isNewsDomain(domain string) bool {
	return matchesAny(domain, newsDomains)
}

// matchesAny reports whether domain equals or is a subdomain of any base.
func matchesAny(domain string, bases []string) bool {
	for _, base := range bases {
		if domain == base || strings.HasSuffix(domain, "."+base) {
			return true
		}
	}
	return false
}

// pathOf extracts the path+query portion of a raw URL without a full parse.
func pathOf(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i:]
	}
	return "/"
}
