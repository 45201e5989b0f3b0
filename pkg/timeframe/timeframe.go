// Package timeframe extracts temporal phrases from natural-language queries
// and converts them into closed time intervals. The residual query text (with
// the phrase removed) is what should be embedded or matched lexically.
package timeframe

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FewDays is the interval length, in days, that a bare "few" maps to
// ("a few days ago", "recently").
const FewDays = 3

// Interval is a closed [Start, End] time range in UTC.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && !t.After(iv.End)
}

// Result is the outcome of extracting a temporal phrase from a query.
// Interval is nil when the query contains no recognised phrase, in which
// case CleanedQuery equals the input.
type Result struct {
	CleanedQuery string
	Interval     *Interval
	Phrase       string
}

// wordNumbers maps spelled-out counts used in phrases like "two weeks ago".
var wordNumbers = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"a": 1, "an": 1, "few": FewDays, "couple": 2,
}

type rule struct {
	re       *regexp.Regexp
	interval func(now time.Time, m []string) Interval
}

var rules = []rule{
	{
		re: regexp.MustCompile(`(?i)\byesterday\b`),
		interval: func(now time.Time, _ []string) Interval {
			start := startOfDay(now).AddDate(0, 0, -1)
			return Interval{Start: start, End: start.AddDate(0, 0, 1).Add(-time.Nanosecond)}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\btoday\b`),
		interval: func(now time.Time, _ []string) Interval {
			return Interval{Start: startOfDay(now), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\blast\s+week\b`),
		interval: func(now time.Time, _ []string) Interval {
			return Interval{Start: now.AddDate(0, 0, -7), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\blast\s+month\b`),
		interval: func(now time.Time, _ []string) Interval {
			return Interval{Start: now.AddDate(0, -1, 0), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\blast\s+year\b`),
		interval: func(now time.Time, _ []string) Interval {
			return Interval{Start: now.AddDate(-1, 0, 0), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\b(?:(\d+)|(?:(?:a|an)\s+)?(few|couple)|(a|an|one|two|three|four|five|six|seven|eight|nine|ten))(?:\s+of)?\s+(day|week|month|hour|minute)s?\s+ago\b`),
		interval: func(now time.Time, m []string) Interval {
			n := parseCount(m[1], m[2], m[3])
			var start time.Time
			switch strings.ToLower(m[4]) {
			case "minute":
				start = now.Add(-time.Duration(n) * time.Minute)
			case "hour":
				start = now.Add(-time.Duration(n) * time.Hour)
			case "day":
				start = now.AddDate(0, 0, -n)
			case "week":
				start = now.AddDate(0, 0, -7*n)
			case "month":
				start = now.AddDate(0, -n, 0)
			}
			return Interval{Start: start, End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\brecent(?:ly)?\b`),
		interval: func(now time.Time, _ []string) Interval {
			return Interval{Start: now.AddDate(0, 0, -FewDays), End: now}
		},
	},
}

// leadIn trims connective fragments left dangling once the temporal phrase
// is removed, e.g. "notes from " in "notes from a few days ago".
var leadIn = regexp.MustCompile(`(?i)\s+(from|since|in|during|of)\s*$`)

// Extract parses query for a temporal phrase relative to now. Matching is
// first-rule-wins in declaration order, so the more specific "N days ago"
// style phrases are tried before the bare "recently" fallback.
func Extract(query string, now time.Time) Result {
	now = now.UTC()
	for _, r := range rules {
		loc := r.re.FindStringSubmatchIndex(query)
		if loc == nil {
			continue
		}
		m := r.re.FindStringSubmatch(query)
		iv := r.interval(now, m)
		cleaned := query[:loc[0]] + query[loc[1]:]
		cleaned = leadIn.ReplaceAllString(strings.TrimRight(cleaned, " "), "")
		cleaned = collapseSpaces(cleaned)
		return Result{
			CleanedQuery: cleaned,
			Interval:     &iv,
			Phrase:       strings.TrimSpace(query[loc[0]:loc[1]]),
		}
	}
	return Result{CleanedQuery: query}
}

func parseCount(digits, vague, word string) int {
	if digits != "" {
		n, err := strconv.Atoi(digits)
		if err == nil && n > 0 {
			return n
		}
		return 1
	}
	for _, w := range []string{vague, word} {
		if n, ok := wordNumbers[strings.ToLower(w)]; ok {
			return n
		}
	}
	return 1
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
