// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package categorize

import "strings"

// ParseISODuration converts an ISO-8601 duration of the PT#H#M#S form into
// integer seconds. Components may appear in any combination (PT1H, PT45M30S,
// PT90S). Malformed or empty input returns 0; classification treats an
// unparseable duration as unknown rather than failing.
func ParseISODuration(s string) int {
	if s == "" {
		return 0
	}

	upper := strings.ToUpper(s)
	rest, ok := strings.CutPrefix(upper, "PT")
	if !ok || rest == "" {
		return 0
	}

	total := 0
	num := 0
	haveDigits := false
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			haveDigits = true
		case r == 'H':
			if !haveDigits {
				return 0
			}
			total += num * 3600
			num, haveDigits = 0, false
		case r == 'M':
			if !haveDigits {
				return 0
			}
			total += num * 60
			num, haveDigits = 0, false
		case r == 'S':
			if !haveDigits {
				return 0
			}
			total += num
			num, haveDigits = 0, false
		default:
			return 0
		}
	}
	// Trailing digits without a unit designator are malformed.
	if haveDigits {
		return 0
	}
	return total
}
