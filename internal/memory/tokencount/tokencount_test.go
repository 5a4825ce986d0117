package tokencount

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   \n\t ", 0},
		{"hi", 1},
		{"one two three", 3},
		{strings.Repeat("a", 40), 10},
	}
	for _, tc := range cases {
		if got := Estimate(tc.text); got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestCountNonZeroForText(t *testing.T) {
	t.Parallel()
	// Works with or without a live tiktoken encoding.
	if got := Count("the quick brown fox jumps over the lazy dog"); got < 5 {
		t.Fatalf("Count = %d, want at least the word count ballpark", got)
	}
	if got := Count(""); got != 0 {
		t.Fatalf("Count(\"\") = %d", got)
	}
}

func TestTruncateShortensLongText(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	short := Truncate(long, 10)
	if len(short) >= len(long) {
		t.Fatalf("truncation did not shorten: %d >= %d", len(short), len(long))
	}
	if !strings.HasSuffix(short, "...") {
		t.Fatalf("missing ellipsis: %q", short[len(short)-8:])
	}

	if got := Truncate("tiny", 100); got != "tiny" {
		t.Fatalf("short text modified: %q", got)
	}
	if got := Truncate(long, 0); got != long {
		t.Fatalf("maxTokens 0 should be a no-op")
	}
}
