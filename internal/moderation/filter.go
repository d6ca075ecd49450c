// Package moderation provides the read-only checks consulted before any room
// action: mutual block relations, account standing, and banned-content
// filtering. All checks are pure reads and safe for concurrent use from many
// pipeline invocations.
package moderation

import (
	"strings"
	"unicode/utf8"
)

// FilterResult describes the outcome of a content check.
type FilterResult struct {
	Blocked bool
	Reason  string // "empty", "too_long", "banned_term", "spam_pattern"
	Term    string // the term or pattern that triggered the block
	// Clean is the trimmed content, set only when the check passed.
	Clean string
}

// Filter screens message content against a configurable banned-term list and
// a small set of flood heuristics. Matching is case-insensitive substring
// matching: a banned term anywhere inside the content blocks it.
type Filter struct {
	terms    []string // lowercased banned terms
	maxChars int
}

// NewFilter creates a Filter with the given banned terms and maximum content
// length in characters.
func NewFilter(terms []string, maxChars int) *Filter {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}
	return &Filter{terms: lowered, maxChars: maxChars}
}

// Check validates message content. Leading and trailing whitespace is
// trimmed before any other rule is applied; the trimmed text is returned in
// FilterResult.Clean on success so callers persist exactly what was checked.
func (f *Filter) Check(text string) FilterResult {
	trimmed := strings.TrimSpace(text)

	if trimmed == "" {
		return FilterResult{Blocked: true, Reason: "empty"}
	}
	if utf8.RuneCountInString(trimmed) > f.maxChars {
		return FilterResult{Blocked: true, Reason: "too_long"}
	}
	if !utf8.ValidString(trimmed) {
		return FilterResult{Blocked: true, Reason: "invalid_utf8"}
	}

	lower := strings.ToLower(trimmed)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return FilterResult{Blocked: true, Reason: "banned_term", Term: term}
		}
	}

	if name, flooded := checkFlood(trimmed); flooded {
		return FilterResult{Blocked: true, Reason: "spam_pattern", Term: name}
	}

	return FilterResult{Clean: trimmed}
}

// checkFlood applies the flood heuristics in order; the first match wins.
func checkFlood(text string) (string, bool) {
	if hasCharFlood(text) {
		return "char_flood", true
	}
	if hasWordFlood(text) {
		return "word_flood", true
	}
	return "", false
}

// hasCharFlood returns true if text contains 8 or more consecutive identical
// characters. RE2 has no backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 8

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 4 or more times
// consecutively (case-insensitive), whitespace-delimited.
func hasWordFlood(text string) bool {
	const threshold = 4

	words := strings.Fields(text)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
