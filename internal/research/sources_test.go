package research

import (
	"strings"
	"testing"
	"time"
)

func TestWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"fresh", now.Add(-24 * time.Hour), true},
		{"exactly window old", now.Add(-RecencyWindow), true},
		{"one second past window", now.Add(-RecencyWindow - time.Second), false},
		{"future", now.Add(time.Second), false},
		{"now itself", now, true},
		{"zero", time.Time{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WithinWindow(now, tc.ts); got != tc.want {
				t.Fatalf("WithinWindow(%v) = %v, want %v", tc.ts, got, tc.want)
			}
		})
	}
}

func TestNormalizeExternalURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://example.com/a", "https://example.com/a"},
		{"http://example.com", "http://example.com"},
		{"example.com/x", "https://example.com/x"},
		{"  www.example.com/path  ", "https://www.example.com/path"},
		{"ftp://example.com/file", ""},
		{"javascript:alert(1)", ""},
		{"https://", ""},
		{"", ""},
		{"   ", ""},
	}

	for _, tc := range cases {
		if got := NormalizeExternalURL(tc.in); got != tc.want {
			t.Errorf("NormalizeExternalURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeExternalURL_Idempotent(t *testing.T) {
	inputs := []string{"example.com/x", "https://example.com/a?b=c", "www.tiktok.com/@u/video/123"}
	for _, in := range inputs {
		once := NormalizeExternalURL(in)
		twice := NormalizeExternalURL(once)
		if once != twice {
			t.Errorf("normalization not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}

func TestBuildQueryVariants(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	variants := BuildQueryVariants("cottagecore revival", now)

	if len(variants) != 5 {
		t.Fatalf("expected 5 variants, got %d: %v", len(variants), variants)
	}
	for _, v := range variants {
		if !strings.HasPrefix(v, "cottagecore revival") {
			t.Errorf("variant %q does not start with the base query", v)
		}
	}
	if variants[0] != "cottagecore revival" {
		t.Errorf("first variant should be the base query, got %q", variants[0])
	}
	if !strings.Contains(variants[1], "2026") {
		t.Errorf("expected current year in variant, got %q", variants[1])
	}
	if !strings.Contains(variants[4], "2025 2026") {
		t.Errorf("expected previous and current year in aesthetic variant, got %q", variants[4])
	}
}

func TestBuildQueryVariants_Dedupes(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	variants := BuildQueryVariants("q", now)

	seen := map[string]bool{}
	for _, v := range variants {
		if seen[v] {
			t.Fatalf("duplicate variant %q", v)
		}
		seen[v] = true
	}
}

func TestDedupeSources_LaterWinsRegardlessOfOrder(t *testing.T) {
	older := RecentSource{URL: "https://a.com", Title: "old", PublishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := RecentSource{URL: "https://a.com", Title: "new", PublishedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}

	forward := DedupeSources([]RecentSource{older, newer})
	reversed := DedupeSources([]RecentSource{newer, older})

	if len(forward) != 1 || len(reversed) != 1 {
		t.Fatalf("expected a single source, got %d and %d", len(forward), len(reversed))
	}
	if forward[0].Title != "new" || reversed[0].Title != "new" {
		t.Errorf("later PublishedAt should win in both orders, got %q and %q", forward[0].Title, reversed[0].Title)
	}
}

func TestDedupeSources_TieLongerSnippetWins(t *testing.T) {
	when := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	short := RecentSource{URL: "https://a.com", Snippet: "short", PublishedAt: when}
	long := RecentSource{URL: "https://a.com", Snippet: "much longer snippet", PublishedAt: when}

	out := DedupeSources([]RecentSource{short, long})
	if len(out) != 1 {
		t.Fatalf("expected a single source, got %d", len(out))
	}
	if out[0].Snippet != "much longer snippet" {
		t.Errorf("longer snippet should win on a timestamp tie, got %q", out[0].Snippet)
	}
}

func TestDedupeSources_PreservesFirstSeenOrder(t *testing.T) {
	sources := []RecentSource{
		{URL: "https://a.com", PublishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{URL: "https://b.com", PublishedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{URL: "https://a.com", PublishedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{URL: "https://c.com", PublishedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)},
	}

	out := DedupeSources(sources)
	if len(out) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(out))
	}
	wantOrder := []string{"https://a.com", "https://b.com", "https://c.com"}
	for i, u := range wantOrder {
		if out[i].URL != u {
			t.Errorf("position %d: got %q, want %q", i, out[i].URL, u)
		}
	}
}

func TestClampSnippet(t *testing.T) {
	if got := clampSnippet(""); got != "No snippet provided." {
		t.Errorf("empty snippet: got %q", got)
	}
	if got := clampSnippet("   "); got != "No snippet provided." {
		t.Errorf("whitespace snippet: got %q", got)
	}
	long := strings.Repeat("x", 800)
	if got := clampSnippet(long); len(got) != maxSnippetLen {
		t.Errorf("long snippet not clamped, len = %d", len(got))
	}
	if got := clampSnippet("fine"); got != "fine" {
		t.Errorf("short snippet altered: %q", got)
	}
}
