package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	defaultSearchCount  = 5
	maxSearchCount      = 10
	searchTimeout       = 30 * time.Second
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
)

type searchResult struct {
	Title       string
	URL         string
	Description string
}

// searchProvider abstracts a web search backend. Providers are tried in
// order; the first success wins.
type searchProvider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]searchResult, error)
}

// WebSearchTool searches the web. Brave is used when an API key is set,
// falling back to DuckDuckGo's HTML endpoint.
type WebSearchTool struct {
	providers []searchProvider
	cache     *webCache
}

// NewWebSearchTool builds the search tool. braveAPIKey may be empty.
func NewWebSearchTool(braveAPIKey string) *WebSearchTool {
	var providers []searchProvider
	if braveAPIKey != "" {
		providers = append(providers, &braveProvider{
			apiKey: braveAPIKey,
			client: &http.Client{Timeout: searchTimeout},
		})
	}
	providers = append(providers, &duckDuckGoProvider{
		client: &http.Client{Timeout: searchTimeout},
	})
	return &WebSearchTool{
		providers: providers,
		cache:     newWebCache(webCacheEntries, webCacheTTL),
	}
}

func (t *WebSearchTool) Name() string { return "WebSearch" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results (1-10)",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	count := defaultSearchCount
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		count = int(c)
	}

	key := fmt.Sprintf("search:%s:%d", query, count)
	if cached, ok := t.cache.get(key); ok {
		return BriefResult(cached, "Search (cached)")
	}

	var lastErr error
	for _, p := range t.providers {
		results, err := p.Search(ctx, query, count)
		if err != nil {
			slog.Warn("search provider failed", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		formatted := formatResults(query, results, p.Name())
		t.cache.set(key, formatted)
		return BriefResult(formatted, fmt.Sprintf("Searched %q (%d results)", query, len(results)))
	}
	return ErrorResult(fmt.Sprintf("all search providers failed: %v", lastErr))
}

func formatResults(query string, results []searchResult, provider string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for: %s (via %s)\n\n", query, provider)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&b, "   %s\n", r.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// duckDuckGoProvider scrapes the HTML results page; no API key required.
type duckDuckGoProvider struct {
	client *http.Client
}

func (p *duckDuckGoProvider) Name() string { return "duckduckgo" }

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
)

func (p *duckDuckGoProvider) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	links := ddgLinkRe.FindAllStringSubmatch(string(body), count+5)
	snippets := ddgSnippetRe.FindAllStringSubmatch(string(body), count+5)

	var results []searchResult
	for i := 0; i < len(links) && i < count; i++ {
		results = append(results, searchResult{
			Title:       strings.TrimSpace(reTag.ReplaceAllString(links[i][2], "")),
			URL:         unwrapDDGRedirect(links[i][1]),
			Description: snippetAt(snippets, i),
		})
	}
	return results, nil
}

func snippetAt(snippets [][]string, i int) string {
	if i >= len(snippets) {
		return ""
	}
	return strings.TrimSpace(reTag.ReplaceAllString(snippets[i][1], ""))
}

// unwrapDDGRedirect extracts the target URL from DDG's uddg= redirect wrapper.
func unwrapDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	u, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	idx := strings.Index(u, "uddg=")
	if idx < 0 {
		return raw
	}
	target := u[idx+5:]
	if amp := strings.Index(target, "&"); amp >= 0 {
		target = target[:amp]
	}
	return target
}

// braveProvider uses the Brave Search API.
type braveProvider struct {
	apiKey string
	client *http.Client
}

func (p *braveProvider) Name() string { return "brave" }

func (p *braveProvider) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d", resp.StatusCode)
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]searchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, searchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return results, nil
}
