// Package research implements the trend research tool: recency-bounded
// search fan-out, source normalization, and schema-constrained trend
// synthesis with a raw-search fallback.
package research

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trendlab/trendlab/internal/exa"
	"github.com/trendlab/trendlab/internal/llm"
)

// TrendItem is one synthesized, URL-attributed trend signal.
type TrendItem struct {
	TrendName     string `json:"trend_name"`
	VisualVibe    string `json:"visual_vibe"`
	AudioOrSlang  string `json:"audio_or_slang"`
	SourceURL     string `json:"source_url"`
	ObservedAtISO string `json:"observed_at_iso"`
	WhyItsViral   string `json:"why_its_viral"`
}

// Result is the research tool's output for one query.
type Result struct {
	Trends []TrendItem `json:"trends"`
}

// Searcher is the raw trend-search capability boundary.
type Searcher interface {
	Search(ctx context.Context, query string, opts exa.Options) ([]exa.Result, error)
}

type Config struct {
	// ResultCount is the per-search-call result budget.
	ResultCount int
	// MaxTrends caps the synthesized items returned per research call.
	MaxTrends int
}

// Tool answers one search query with recency-valid, deduplicated trend
// signals. A failed query variant contributes an empty result set; the tool
// itself never fails on a sub-call.
type Tool struct {
	searcher   Searcher
	structured llm.StructuredProvider
	cfg        Config
	log        *logrus.Logger
	now        func() time.Time
}

func NewTool(searcher Searcher, structured llm.StructuredProvider, cfg Config, log *logrus.Logger) *Tool {
	if cfg.ResultCount <= 0 {
		cfg.ResultCount = 10
	}
	if cfg.MaxTrends <= 0 {
		cfg.MaxTrends = 15
	}
	if log == nil {
		log = logrus.New()
	}
	return &Tool{
		searcher:   searcher,
		structured: structured,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

func (t *Tool) Research(ctx context.Context, searchQuery string) (Result, error) {
	now := t.now()
	cutoff := now.Add(-RecencyWindow)
	variants := BuildQueryVariants(searchQuery, now)

	var mu sync.Mutex
	var pool []RecentSource
	group, groupCtx := errgroup.WithContext(ctx)
	for _, variant := range variants {
		variant := variant
		group.Go(func() error {
			sources := t.searchRecentSources(groupCtx, variant, cutoff, now)
			mu.Lock()
			pool = append(pool, sources...)
			mu.Unlock()
			// A failed or empty variant never blocks the others.
			return nil
		})
	}
	_ = group.Wait()

	pool = DedupeSources(pool)
	if len(pool) == 0 {
		return Result{Trends: []TrendItem{}}, nil
	}

	allowed := map[string]bool{}
	for _, source := range pool {
		allowed[source.URL] = true
	}

	trends := t.filterTrends(t.synthesizeTrends(ctx, searchQuery, pool), allowed, now)
	if len(trends) == 0 {
		trends = t.filterTrends(t.rawSearchTrends(ctx, searchQuery, pool), allowed, now)
	}
	return Result{Trends: trends}, nil
}

// searchRecentSources issues one date-filtered search and, when that yields
// nothing usable, retries without the filter. A missing publish date counts
// as "observed now" only when the server already enforced recency.
func (t *Tool) searchRecentSources(ctx context.Context, query string, cutoff, now time.Time) []RecentSource {
	attempts := []struct {
		opts               exa.Options
		serverDateFiltered bool
	}{
		{
			opts: exa.Options{
				StartPublishedDate: cutoff.UTC().Format(time.RFC3339),
				NumResults:         t.cfg.ResultCount,
			},
			serverDateFiltered: true,
		},
		{
			opts:               exa.Options{NumResults: t.cfg.ResultCount},
			serverDateFiltered: false,
		},
	}

	for _, attempt := range attempts {
		rows, err := t.searcher.Search(ctx, query, attempt.opts)
		if err != nil {
			t.log.Debugf("search variant failed: %q: %v", query, err)
			continue
		}
		sources := make([]RecentSource, 0, len(rows))
		for _, row := range rows {
			if source, ok := toRecentSource(row, attempt.serverDateFiltered, now); ok {
				sources = append(sources, source)
			}
		}
		if len(sources) > 0 {
			return sources
		}
	}
	return nil
}

func toRecentSource(row exa.Result, serverDateFiltered bool, now time.Time) (RecentSource, bool) {
	normalizedURL := NormalizeExternalURL(row.URL)
	if normalizedURL == "" {
		return RecentSource{}, false
	}

	observedAt := row.PublishedAt
	if observedAt.IsZero() {
		if !serverDateFiltered {
			return RecentSource{}, false
		}
		observedAt = now
	}
	if !WithinWindow(now, observedAt) {
		return RecentSource{}, false
	}

	title := strings.TrimSpace(row.Title)
	if title == "" {
		title = normalizedURL
	}

	return RecentSource{
		URL:         normalizedURL,
		Title:       title,
		PublishedAt: observedAt,
		Snippet:     clampSnippet(row.Snippet),
	}, true
}

const synthesisSystemPrompt = "Find 10-15 SPECIFIC viral TikTok aesthetics from the last 12 months only. " +
	"Discard anything older than 365 days. Return JSON with 'trend_name', 'visual_vibe', 'audio_or_slang', " +
	"'source_url', 'observed_at_iso', and 'why_its_viral'. Field 'audio_or_slang' must be a specific currently " +
	"trending TikTok song in this format: 'Song Title - Artist (version/remix if relevant)'. " +
	"Use ONLY source URLs present in the provided source list. Avoid generic 'discover' pages."

const rawFallbackSystemPrompt = "Extract viral TikTok trend signals from the provided sources. " +
	"STRICT: last 12 months only, use only these URLs. Every item must cite one of the listed URLs verbatim " +
	"and carry its observed ISO date."

// synthesizeTrends runs the structured synthesis pass. Failure is swallowed;
// the caller falls through to the raw-search pass.
func (t *Tool) synthesizeTrends(ctx context.Context, searchQuery string, pool []RecentSource) []TrendItem {
	return t.generateTrends(ctx, synthesisSystemPrompt, searchQuery, pool)
}

// rawSearchTrends is the last-resort extraction over the same source pool
// with a stricter instruction. Failure here, too, just yields nothing.
func (t *Tool) rawSearchTrends(ctx context.Context, searchQuery string, pool []RecentSource) []TrendItem {
	return t.generateTrends(ctx, rawFallbackSystemPrompt, searchQuery, pool)
}

func (t *Tool) generateTrends(ctx context.Context, system, searchQuery string, pool []RecentSource) []TrendItem {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "SEARCH QUERY: %s\n\nSOURCES (the only allowed evidence):\n", searchQuery)
	for _, source := range pool {
		fmt.Fprintf(&prompt, "- URL: %s\n  TITLE: %s\n  PUBLISHED: %s\n  SNIPPET: %s\n",
			source.URL, source.Title, source.PublishedAt.UTC().Format(time.RFC3339), source.Snippet)
	}

	var result Result
	err := t.structured.GenerateObject(ctx, system,
		[]llm.Message{llm.TextMessage("user", prompt.String())},
		llm.Schema{
			Name:       "TrendSynthesis",
			Definition: trendSynthesisSchema,
		},
		&result,
	)
	if err != nil {
		t.log.Debugf("trend synthesis failed for %q: %v", searchQuery, err)
		return nil
	}
	return result.Trends
}

// filterTrends drops items citing URLs outside the allowed pool or dated
// outside the recency window, dedupes by (url, lowercased trend name), and
// caps the result.
func (t *Tool) filterTrends(items []TrendItem, allowed map[string]bool, now time.Time) []TrendItem {
	seen := map[string]bool{}
	filtered := make([]TrendItem, 0, len(items))
	for _, item := range items {
		normalizedURL := NormalizeExternalURL(item.SourceURL)
		if normalizedURL == "" || !allowed[normalizedURL] {
			continue
		}
		observedAt, err := time.Parse(time.RFC3339, item.ObservedAtISO)
		if err != nil {
			observedAt, err = time.Parse("2006-01-02", item.ObservedAtISO)
		}
		if err != nil || !WithinWindow(now, observedAt) {
			continue
		}

		key := normalizedURL + "|" + strings.ToLower(strings.TrimSpace(item.TrendName))
		if seen[key] {
			continue
		}
		seen[key] = true

		item.SourceURL = normalizedURL
		item.ObservedAtISO = observedAt.UTC().Format(time.RFC3339)
		filtered = append(filtered, item)
		if len(filtered) >= t.cfg.MaxTrends {
			break
		}
	}
	return filtered
}

var trendSynthesisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"trends": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"trend_name": map[string]any{"type": "string"},
					"visual_vibe": map[string]any{
						"type":        "string",
						"description": "Lighting, framing, and editing style",
					},
					"audio_or_slang": map[string]any{
						"type":        "string",
						"description": "Specific currently trending TikTok song in format 'Song Title - Artist (version/remix if relevant)'",
					},
					"source_url": map[string]any{"type": "string"},
					"observed_at_iso": map[string]any{
						"type":        "string",
						"description": "ISO 8601 date for when this trend signal was observed or published (must be within the last 12 months).",
					},
					"why_its_viral": map[string]any{"type": "string"},
				},
				"required": []string{
					"trend_name", "source_url", "visual_vibe",
					"audio_or_slang", "observed_at_iso", "why_its_viral",
				},
			},
		},
	},
	"required": []string{"trends"},
}
