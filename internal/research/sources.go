package research

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// RecencyWindow is the rolling acceptance horizon for trend evidence. No
// signal older than this may reach synthesis.
const RecencyWindow = 365 * 24 * time.Hour

// RecentSource is one recency-valid search hit after URL normalization.
type RecentSource struct {
	URL         string
	Title       string
	PublishedAt time.Time
	Snippet     string
}

const maxSnippetLen = 500

var hasSchemePattern = regexp.MustCompile(`(?i)^https?://`)

// WithinWindow reports whether ts falls inside the recency window ending at
// now. Exactly window-old is valid; older, unparseable (zero), and future
// timestamps are not.
func WithinWindow(now, ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	age := now.Sub(ts)
	return age >= 0 && age <= RecencyWindow
}

// NormalizeExternalURL resolves protocol-less hosts to https and rejects
// non-http(s) schemes. Returns "" for anything unusable. Idempotent.
func NormalizeExternalURL(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	candidate := trimmed
	if !hasSchemePattern.MatchString(candidate) {
		if strings.Contains(candidate, "://") {
			return ""
		}
		candidate = "https://" + candidate
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	if parsed.Host == "" {
		return ""
	}
	return parsed.String()
}

// BuildQueryVariants derives the fixed set of recency/context query variants,
// deduplicated by exact string. Every variant starts with the input query.
func BuildQueryVariants(searchQuery string, now time.Time) []string {
	year := now.UTC().Year()
	candidates := []string{
		searchQuery,
		fmt.Sprintf("%s tiktok microtrend %d", searchQuery, year),
		fmt.Sprintf("%s tiktok emerging sound %d", searchQuery, year),
		fmt.Sprintf("%s creator trend report %d", searchQuery, year),
		fmt.Sprintf("%s tiktok aesthetic breakdown %d %d", searchQuery, year-1, year),
	}

	seen := map[string]bool{}
	variants := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		query := strings.TrimSpace(candidate)
		if query == "" || seen[query] {
			continue
		}
		seen[query] = true
		variants = append(variants, query)
	}
	return variants
}

// DedupeSources collapses sources by URL. The later PublishedAt wins
// regardless of input order; on an exact timestamp tie the longer snippet
// wins. Commutative for distinct timestamps.
func DedupeSources(sources []RecentSource) []RecentSource {
	order := make([]string, 0, len(sources))
	byURL := map[string]RecentSource{}

	for _, source := range sources {
		existing, ok := byURL[source.URL]
		if !ok {
			byURL[source.URL] = source
			order = append(order, source.URL)
			continue
		}
		switch {
		case source.PublishedAt.After(existing.PublishedAt):
			byURL[source.URL] = source
		case source.PublishedAt.Equal(existing.PublishedAt) && len(source.Snippet) > len(existing.Snippet):
			byURL[source.URL] = source
		}
	}

	deduped := make([]RecentSource, 0, len(order))
	for _, u := range order {
		deduped = append(deduped, byURL[u])
	}
	return deduped
}

func clampSnippet(text string) string {
	snippet := strings.TrimSpace(text)
	if len(snippet) > maxSnippetLen {
		snippet = snippet[:maxSnippetLen]
	}
	if snippet == "" {
		return "No snippet provided."
	}
	return snippet
}
