package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/trendlab/trendlab/internal/research"
	"github.com/trendlab/trendlab/internal/vision"
)

var urlPattern = regexp.MustCompile(`(?i)(https?://[^\s"'<>)]+|www\.[^\s"'<>)]+)`)

func cleanURLToken(value string) string {
	return strings.TrimRight(value, ".,!?;:")
}

// extractURLs pulls normalized, deduplicated URLs out of free text,
// preserving first-seen order.
func extractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	seen := map[string]bool{}
	urls := make([]string, 0, len(matches))
	for _, match := range matches {
		normalized := research.NormalizeExternalURL(cleanURLToken(strings.TrimSpace(match)))
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		urls = append(urls, normalized)
	}
	return urls
}

func normalizeLink(link TikTokLink, defaultContext string) (TikTokLink, bool) {
	normalizedURL := research.NormalizeExternalURL(link.URL)
	if normalizedURL == "" {
		return TikTokLink{}, false
	}
	context := strings.TrimSpace(link.TrendContext)
	if context == "" {
		context = defaultContext
	}
	return TikTokLink{URL: normalizedURL, TrendContext: context}, true
}

// EnsureDiverseIdeaLinks is the deterministic repair pass on a synthesized
// or refined strategy: every idea ends with 1-3 source links, and distinct
// ideas are biased toward distinct primary evidence. Best effort — when the
// pool has fewer distinct URLs than ideas, first links may repeat. Never
// fabricates a URL not already present in the strategy or its evidence text.
func EnsureDiverseIdeaLinks(strategy TrendStrategy) TrendStrategy {
	poolSeen := map[string]bool{}
	var linkPool []TikTokLink
	for _, link := range strategy.TikTokLinks {
		normalized, ok := normalizeLink(link, "Supporting source")
		if !ok || poolSeen[normalized.URL] {
			continue
		}
		poolSeen[normalized.URL] = true
		linkPool = append(linkPool, normalized)
	}

	usedPrimaryURLs := map[string]bool{}
	contentIdeas := make([]ContentIdea, 0, len(strategy.ContentIdeas))

	for _, idea := range strategy.ContentIdeas {
		mergedSeen := map[string]bool{}
		var merged []TikTokLink
		for _, link := range idea.SourceLinks {
			normalized, ok := normalizeLink(link, "Supporting source")
			if !ok || mergedSeen[normalized.URL] {
				continue
			}
			mergedSeen[normalized.URL] = true
			merged = append(merged, normalized)
		}
		for _, evidenceURL := range extractURLs(idea.SourceEvidence) {
			if mergedSeen[evidenceURL] {
				continue
			}
			mergedSeen[evidenceURL] = true
			merged = append(merged, TikTokLink{URL: evidenceURL, TrendContext: "Mentioned in source evidence"})
		}

		if len(merged) == 0 && len(linkPool) > 0 {
			injected := linkPool[0]
			for _, candidate := range linkPool {
				if !usedPrimaryURLs[candidate.URL] {
					injected = candidate
					break
				}
			}
			merged = append(merged, injected)
			mergedSeen[injected.URL] = true
		}

		if len(merged) > 0 && usedPrimaryURLs[merged[0].URL] {
			for _, candidate := range linkPool {
				if !usedPrimaryURLs[candidate.URL] && !mergedSeen[candidate.URL] {
					merged = append(merged, candidate)
					break
				}
			}
		}

		if len(merged) > 3 {
			merged = merged[:3]
		}
		if len(merged) > 0 {
			usedPrimaryURLs[merged[0].URL] = true
		}

		idea.SourceLinks = merged
		contentIdeas = append(contentIdeas, idea)
	}

	strategy.ContentIdeas = contentIdeas
	return strategy
}

// BuildFallbackResearchQueries derives broadened queries deterministically
// from the image analysis for the escalation pass.
func BuildFallbackResearchQueries(analysis vision.ImageAnalysis) []string {
	keywords := analysis.VisualKeywords
	if len(keywords) > 4 {
		keywords = keywords[:4]
	}
	candidates := []string{
		fmt.Sprintf("%s TikTok microtrend", analysis.AestheticStyle),
		fmt.Sprintf("%s creator trend TikTok", analysis.BrandArchetype),
		fmt.Sprintf("%s viral TikTok format", strings.Join(keywords, " ")),
		fmt.Sprintf("%s audience TikTok trend report", analysis.MarketSegment),
	}

	seen := map[string]bool{}
	queries := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		query := strings.TrimSpace(candidate)
		if query == "" || seen[query] {
			continue
		}
		seen[query] = true
		queries = append(queries, query)
	}
	return queries
}

var trendStrategySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"strategicBrief": map[string]any{"type": "string"},
		"contentIdeas": map[string]any{
			"type":     "array",
			"minItems": 3,
			"maxItems": 3,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string"},
					"tiktok_script": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"hook": map[string]any{
								"type":        "string",
								"description": "The first 1.5 seconds that stop the scroll",
							},
							"visual_direction": map[string]any{
								"type":        "string",
								"description": "Camera angle, lighting type (e.g. high-contrast), and editing pace",
							},
							"audio_spec": map[string]any{
								"type":        "string",
								"description": "The specific viral sound or ASMR trigger to use",
							},
						},
						"required": []string{"hook", "visual_direction", "audio_spec"},
					},
					"source_evidence": map[string]any{"type": "string"},
					"sourceLinks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"url":          map[string]any{"type": "string"},
								"trendContext": map[string]any{"type": "string"},
							},
							"required": []string{"url", "trendContext"},
						},
					},
					"cultural_context": map[string]any{
						"type":        "string",
						"description": "Why does this specific sub-culture care about this?",
					},
				},
				"required": []string{"title", "tiktok_script", "source_evidence", "cultural_context"},
			},
		},
		"tiktokLinks": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":          map[string]any{"type": "string"},
					"trendContext": map[string]any{"type": "string"},
				},
				"required": []string{"url", "trendContext"},
			},
		},
		"reasoning": map[string]any{"type": "string"},
	},
	"required": []string{"strategicBrief", "contentIdeas", "tiktokLinks", "reasoning"},
}
