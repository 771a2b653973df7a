// Package exa is the HTTP client for the Exa search API, the system's
// trend-signal source.
package exa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const defaultBaseURL = "https://api.exa.ai"

type Config struct {
	APIKey  string
	BaseURL string
}

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Options tune one search call. StartPublishedDate, when set, asks the
// server to date-filter results itself.
type Options struct {
	StartPublishedDate string
	IncludeDomains     []string
	NumResults         int
}

// Result is one raw search hit. PublishedAt is zero when the provider sent
// no usable date under any of its historical field names.
type Result struct {
	URL         string
	Title       string
	Snippet     string
	PublishedAt time.Time
}

// publishedAtKeys is the ordered list of field names the provider has used
// for publish dates over time. Compatibility shim; try each in sequence.
var publishedAtKeys = []string{"publishedDate", "published_date", "published_at", "createdDate"}

func (c *Client) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	numResults := opts.NumResults
	if numResults <= 0 {
		numResults = 10
	}
	payload := map[string]any{
		"query":      query,
		"type":       "neural",
		"numResults": numResults,
		"text":       true,
	}
	if opts.StartPublishedDate != "" {
		payload["startPublishedDate"] = opts.StartPublishedDate
	}
	if len(opts.IncludeDomains) > 0 {
		payload["includeDomains"] = opts.IncludeDomains
	}

	var parsed struct {
		Results []map[string]any `json:"results"`
	}
	if err := c.post(ctx, "/search", payload, &parsed); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, row := range parsed.Results {
		url, _ := row["url"].(string)
		if strings.TrimSpace(url) == "" {
			continue
		}
		result := Result{
			URL:         strings.TrimSpace(url),
			Title:       stringField(row, "title"),
			Snippet:     firstStringField(row, "text", "highlight"),
			PublishedAt: extractPublishedAt(row),
		}
		results = append(results, result)
	}
	return results, nil
}

var tiktokVideoPattern = regexp.MustCompile(`(?i)/video/\d+`)

// VideoLink is one tiktok.com video hit, tagged with the query that found it.
type VideoLink struct {
	URL          string `json:"url"`
	TrendContext string `json:"trendContext"`
}

func (c *Client) SearchTikTokVideoLinks(ctx context.Context, query string) ([]VideoLink, error) {
	results, err := c.Search(ctx, query+" site:tiktok.com video", Options{
		IncludeDomains: []string{"tiktok.com"},
		NumResults:     10,
	})
	if err != nil {
		return nil, err
	}

	links := make([]VideoLink, 0, len(results))
	for _, result := range results {
		if !strings.Contains(strings.ToLower(result.URL), "tiktok.com") {
			continue
		}
		if !tiktokVideoPattern.MatchString(result.URL) {
			continue
		}
		links = append(links, VideoLink{
			URL:          result.URL,
			TrendContext: "TikTok link found for query: " + query,
		})
	}
	return links, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("search request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func extractPublishedAt(row map[string]any) time.Time {
	for _, key := range publishedAtKeys {
		raw, ok := row[key].(string)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
		if ts, err := dateparse.ParseAny(raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func stringField(row map[string]any, key string) string {
	value, _ := row[key].(string)
	return strings.TrimSpace(value)
}

func firstStringField(row map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := stringField(row, key); value != "" {
			return value
		}
	}
	return ""
}
