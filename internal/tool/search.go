package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultSearchEndpoint = "https://api.duckduckgo.com/"
	defaultSearchResults  = 5
	searchTimeout         = 15 * time.Second
	searchMaxBytes        = 512 * 1024
	searchUserAgent       = "pingcrew/1.0"
)

// WebSearchTool looks a query up with the DuckDuckGo Instant Answer API,
// which needs no key.
type WebSearchTool struct {
	endpoint   string
	client     *http.Client
	maxResults int
	logger     *slog.Logger
}

type WebSearchConfig struct {
	Endpoint   string       // default: the public Instant Answer API
	HTTPClient *http.Client // default: 15s timeout
	MaxResults int          // related topics to include (default 5)
	Logger     *slog.Logger
}

func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultSearchEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: searchTimeout}
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultSearchResults
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSearchTool{
		endpoint:   cfg.Endpoint,
		client:     cfg.HTTPClient,
		maxResults: cfg.MaxResults,
		logger:     cfg.Logger,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for information. Returns a summary with sources. Use for current events, facts, or anything you're unsure about."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return Schema(map[string]Param{
		"query": {Type: "string", Description: "Search query to look up on the web"},
	}, "query")
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(StringArg(args, "query"))
	if query == "" {
		return "", fmt.Errorf("missing argument: query")
	}

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", searchUserAgent)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, searchMaxBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var ddg ddgResponse
	if err := json.Unmarshal(body, &ddg); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	t.logger.Debug("web search done", "query", query, "duration", time.Since(start))

	return t.summarize(query, ddg), nil
}

func (t *WebSearchTool) summarize(query string, ddg ddgResponse) string {
	var results []string
	if ddg.Abstract != "" {
		results = append(results, fmt.Sprintf("## %s\n%s\nSource: %s", ddg.Heading, ddg.Abstract, ddg.AbstractURL))
	}
	if ddg.Answer != "" {
		results = append(results, "Answer: "+ddg.Answer)
	}

	topics := 0
	for _, topic := range ddg.flatTopics() {
		if topics >= t.maxResults {
			break
		}
		if topic.Text == "" {
			continue
		}
		line := "- " + topic.Text
		if topic.FirstURL != "" {
			line += " (" + topic.FirstURL + ")"
		}
		results = append(results, line)
		topics++
	}

	if len(results) == 0 {
		return fmt.Sprintf("No instant results found for: %s. Try a more specific query.", query)
	}
	return strings.Join(results, "\n\n")
}

type ddgResponse struct {
	Abstract      string     `json:"Abstract"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	Answer        string     `json:"Answer"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

// ddgTopic is either a result or a named group of results.
type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Name     string     `json:"Name"`
	Topics   []ddgTopic `json:"Topics"`
}

func (r ddgResponse) flatTopics() []ddgTopic {
	var out []ddgTopic
	for _, t := range r.RelatedTopics {
		if len(t.Topics) > 0 {
			out = append(out, t.Topics...)
			continue
		}
		out = append(out, t)
	}
	return out
}
