package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	WebSearchToolName = "web_search"

	defaultBraveBaseURL      = "https://api.search.brave.com"
	defaultDuckDuckGoBaseURL = "https://html.duckduckgo.com"
	defaultSearchTimeout     = 10 * time.Second
	defaultSearchResults     = 5
	maxSearchResults         = 10
	maxSearchBodyBytes       = 2 << 20

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type searchHit struct {
	Title   string
	URL     string
	Snippet string
}

// searchBackend queries one web search service.
type searchBackend interface {
	label() string
	search(ctx context.Context, query string, count int) ([]searchHit, error)
}

type braveBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func (b *braveBackend) label() string { return "" }

func (b *braveBackend) search(ctx context.Context, query string, count int) ([]searchHit, error) {
	q := url.Values{"q": {query}, "count": {strconv.Itoa(count)}}
	body, err := fetch(ctx, b.client, b.baseURL+"/res/v1/web/search?"+q.Encode(), map[string]string{
		"Accept":               "application/json",
		"X-Subscription-Token": b.apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("brave search: decode response: %w", err)
	}

	hits := make([]searchHit, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		hits = append(hits, searchHit{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return hits, nil
}

// duckDuckGoBackend scrapes the keyless HTML endpoint.
type duckDuckGoBackend struct {
	baseURL string
	client  *http.Client
}

var (
	ddgResultLink = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippet    = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTag       = regexp.MustCompile(`<[^>]+>`)
)

func (b *duckDuckGoBackend) label() string { return "DuckDuckGo" }

func (b *duckDuckGoBackend) search(ctx context.Context, query string, count int) ([]searchHit, error) {
	body, err := fetch(ctx, b.client, b.baseURL+"/html/?"+url.Values{"q": {query}}.Encode(), map[string]string{
		"User-Agent": browserUserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("duckduckgo search: %w", err)
	}
	return parseDuckDuckGo(string(body), count), nil
}

// parseDuckDuckGo pairs result links with snippets by position and unwraps
// the redirect links DuckDuckGo puts around every target.
func parseDuckDuckGo(page string, count int) []searchHit {
	links := ddgResultLink.FindAllStringSubmatch(page, count)
	snippets := ddgSnippet.FindAllStringSubmatch(page, count)

	hits := make([]searchHit, 0, len(links))
	for i, m := range links {
		hit := searchHit{Title: plainText(m[2]), URL: unwrapRedirect(html.UnescapeString(m[1]))}
		if i < len(snippets) {
			hit.Snippet = plainText(snippets[i][1])
		}
		hits = append(hits, hit)
	}
	return hits
}

func unwrapRedirect(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return link
}

func plainText(fragment string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTag.ReplaceAllString(fragment, "")))
}

func fetch(ctx context.Context, client *http.Client, endpoint string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// WebSearchTool is the router's external retrieval capability.
type WebSearchTool struct {
	backend    searchBackend
	maxResults int
	client     *http.Client
}

type WebSearchToolOptions struct {
	BraveAPIKey          string
	BraveMaxResults      int
	BraveEnabled         bool
	DuckDuckGoMaxResults int
	DuckDuckGoEnabled    bool
	// BaseURL overrides the backend endpoint, mainly for tests.
	BaseURL string
	Timeout time.Duration
}

// NewWebSearchTool prefers Brave when it has a key and falls back to
// DuckDuckGo. It returns nil when no backend is enabled.
func NewWebSearchTool(opts WebSearchToolOptions) *WebSearchTool {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSearchTimeout
	}
	client := &http.Client{Timeout: timeout}
	baseURL := func(def string) string {
		if b := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); b != "" {
			return b
		}
		return def
	}

	t := &WebSearchTool{client: client, maxResults: defaultSearchResults}
	limit := 0
	switch {
	case opts.BraveEnabled && opts.BraveAPIKey != "":
		t.backend = &braveBackend{apiKey: opts.BraveAPIKey, baseURL: baseURL(defaultBraveBaseURL), client: client}
		limit = opts.BraveMaxResults
	case opts.DuckDuckGoEnabled:
		t.backend = &duckDuckGoBackend{baseURL: baseURL(defaultDuckDuckGoBaseURL), client: client}
		limit = opts.DuckDuckGoMaxResults
	default:
		return nil
	}
	if limit > 0 {
		t.maxResults = limit
	}
	return t
}

func (t *WebSearchTool) Name() string { return WebSearchToolName }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets from search results."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of results (1-10)",
				"minimum":     1.0,
				"maximum":     float64(maxSearchResults),
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, _ := args["query"].(string)
	if query = strings.TrimSpace(query); query == "" {
		return ErrorResult("query is required")
	}
	count := t.maxResults
	if c, ok := args["count"].(float64); ok && c >= 1 && c <= maxSearchResults {
		count = int(c)
	}

	hits, err := t.backend.search(ctx, query, count)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err)).WithError(err)
	}
	out := formatHits(query, t.backend.label(), hits, count)
	return &ToolResult{ForLLM: out, ForUser: out}
}

func (t *WebSearchTool) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func formatHits(query, via string, hits []searchHit, count int) string {
	if len(hits) == 0 {
		return "No results for: " + query
	}
	var b strings.Builder
	b.WriteString("Results for: " + query)
	if via != "" {
		b.WriteString(" (via " + via + ")")
	}
	for i, h := range hits {
		if i == count {
			break
		}
		fmt.Fprintf(&b, "\n%d. %s\n   %s", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			b.WriteString("\n   " + h.Snippet)
		}
	}
	return b.String()
}
