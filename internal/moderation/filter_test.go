package moderation

import (
	"strings"
	"testing"
)

func testFilter() *Filter {
	return NewFilter([]string{"scamcoin", "free money"}, 1000)
}

// ---------------------------------------------------------------------------
// Test: Clean content passes and is trimmed
// ---------------------------------------------------------------------------

func TestFilter_CleanContent(t *testing.T) {
	f := testFilter()

	result := f.Check("  I found your backpack near the library  ")
	if result.Blocked {
		t.Fatalf("expected clean content to pass, blocked with reason %q", result.Reason)
	}
	if result.Clean != "I found your backpack near the library" {
		t.Errorf("expected trimmed content, got %q", result.Clean)
	}
}

// ---------------------------------------------------------------------------
// Test: Empty and whitespace-only content
// ---------------------------------------------------------------------------

func TestFilter_EmptyContent(t *testing.T) {
	f := testFilter()

	for _, input := range []string{"", "   ", "\n\t  "} {
		result := f.Check(input)
		if !result.Blocked {
			t.Errorf("expected %q to be blocked", input)
			continue
		}
		if result.Reason != "empty" {
			t.Errorf("expected reason %q for %q, got %q", "empty", input, result.Reason)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Length limit counts runes, not bytes
// ---------------------------------------------------------------------------

func TestFilter_TooLong(t *testing.T) {
	f := NewFilter(nil, 10)

	result := f.Check(strings.Repeat("ab ", 10))
	if !result.Blocked || result.Reason != "too_long" {
		t.Fatalf("expected too_long, got %+v", result)
	}
}

func TestFilter_LengthCountsRunes(t *testing.T) {
	f := NewFilter(nil, 10)

	// Ten multi-byte runes are within the limit even though the byte count
	// is far larger.
	result := f.Check("ありがとうございました")
	if result.Blocked && result.Reason == "too_long" {
		t.Fatalf("expected 10-rune content to pass the limit, got %+v", result)
	}
}

// ---------------------------------------------------------------------------
// Test: Banned terms match case-insensitively as substrings
// ---------------------------------------------------------------------------

func TestFilter_BannedTerm(t *testing.T) {
	f := testFilter()

	tests := []struct {
		input string
		term  string
	}{
		{"buy SCAMCOIN now", "scamcoin"},
		{"totally free money here", "free money"},
		{"embeddedscamcoinword", "scamcoin"},
	}

	for _, tt := range tests {
		result := f.Check(tt.input)
		if !result.Blocked {
			t.Errorf("expected %q to be blocked", tt.input)
			continue
		}
		if result.Reason != "banned_term" {
			t.Errorf("expected reason banned_term for %q, got %q", tt.input, result.Reason)
		}
		if result.Term != tt.term {
			t.Errorf("expected term %q for %q, got %q", tt.term, tt.input, result.Term)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Flood heuristics
// ---------------------------------------------------------------------------

func TestFilter_CharFlood(t *testing.T) {
	f := testFilter()

	result := f.Check("heyyyyyyyy")
	if !result.Blocked || result.Reason != "spam_pattern" {
		t.Fatalf("expected spam_pattern for char flood, got %+v", result)
	}

	// Seven repeats stay below the threshold.
	result = f.Check("heyyyyyyy there")
	if result.Blocked {
		t.Errorf("expected 7 repeats to pass, got %+v", result)
	}
}

func TestFilter_WordFlood(t *testing.T) {
	f := testFilter()

	result := f.Check("please please please please")
	if !result.Blocked || result.Reason != "spam_pattern" {
		t.Fatalf("expected spam_pattern for word flood, got %+v", result)
	}

	result = f.Check("please please please answer")
	if result.Blocked {
		t.Errorf("expected 3 repeats to pass, got %+v", result)
	}
}
