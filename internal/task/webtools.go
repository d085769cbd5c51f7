package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AllowedTools builds the tool set for the agent loop from an operator
// allowlist. Only web_search and web_fetch are ever eligible; anything else
// in the allowlist is ignored.
func AllowedTools(allowlist []string, searchAPIKey string) []Tool {
	var tools []Tool
	for _, name := range allowlist {
		switch name {
		case "web_search":
			tools = append(tools, NewWebSearchTool(searchAPIKey))
		case "web_fetch":
			tools = append(tools, NewWebFetchTool())
		}
	}
	return tools
}

const fetchBodyLimit = 100 * 1024

// WebFetchTool retrieves a URL and returns the leading part of its body.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: 20 * time.Second}}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Definition() ToolDef {
	return ToolDef{
		Name:        "web_fetch",
		Description: "Fetch a URL over HTTP(S) and return the response body as text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "The URL to fetch."},
			},
			"required": []string{"url"},
		},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return "", fmt.Errorf("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid url: %s", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", u.String(), err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: status %d", u.String(), resp.StatusCode)
	}
	return string(body), nil
}

// WebSearchTool queries the Brave web search API.
type WebSearchTool struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewWebSearchTool(apiKey string) *WebSearchTool {
	return &WebSearchTool{
		apiKey:   apiKey,
		endpoint: "https://api.search.brave.com/res/v1/web/search",
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Definition() ToolDef {
	return ToolDef{
		Name:        "web_search",
		Description: "Search the web and return the top results as titles, URLs, and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "The search query."},
			},
			"required": []string{"query"},
		},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("missing query")
	}
	if t.apiKey == "" {
		return "", fmt.Errorf("web_search is not configured on this node")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search: status %d", resp.StatusCode)
	}

	var doc struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("search: decode: %w", err)
	}

	var b strings.Builder
	for i, r := range doc.Web.Results {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	if b.Len() == 0 {
		return "no results", nil
	}
	return strings.TrimSpace(b.String()), nil
}
