// Package tools provides the built-in research tools: web and news search,
// SEC filing retrieval, Yahoo Finance headlines, and a calculator.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/pkg/types"
)

const (
	serperBaseURL = "https://google.serper.dev"
	topResults    = 4
)

var searchInputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["query"],
	"properties": {
		"query": {"type": "string", "description": "The query to search for"}
	}
}`)

// SerperTool queries the Serper.dev API. The same implementation backs both
// the web search and the news search, differing only in endpoint and the
// response key holding the results.
type SerperTool struct {
	name        string
	description string
	endpoint    string
	resultsKey  string
	apiKey      string
	baseURL     string
	client      *http.Client
}

// NewSearchInternet creates the general web search tool.
func NewSearchInternet(apiKey string, client *http.Client) *SerperTool {
	return newSerper(apiKey, client, "search_internet",
		"Search the internet about a given topic and return relevant results",
		"/search", "organic")
}

// NewSearchNews creates the news search tool.
func NewSearchNews(apiKey string, client *http.Client) *SerperTool {
	return newSerper(apiKey, client, "search_news",
		"Search news about a company, stock or any other topic and return relevant results",
		"/news", "news")
}

func newSerper(apiKey string, client *http.Client, name, description, endpoint, resultsKey string) *SerperTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &SerperTool{
		name:        name,
		description: description,
		endpoint:    endpoint,
		resultsKey:  resultsKey,
		apiKey:      apiKey,
		baseURL:     serperBaseURL,
		client:      client,
	}
}

func (t *SerperTool) Name() string                 { return t.name }
func (t *SerperTool) Description() string          { return t.description }
func (t *SerperTool) InputSchema() json.RawMessage { return searchInputSchema }
func (t *SerperTool) Timeout() time.Duration       { return 20 * time.Second }

func (t *SerperTool) Invoke(ctx context.Context, args types.Record) (types.Record, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, tool.Permanent(t.name, fmt.Errorf("missing query argument"))
	}

	payload, _ := json.Marshal(map[string]string{"q": query})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, tool.Permanent(t.name, err)
	}
	req.Header.Set("X-API-KEY", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(t.name, resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, tool.Transient(t.name, fmt.Errorf("decode response: %w", err))
	}

	var raw []map[string]interface{}
	if data, ok := body[t.resultsKey]; ok {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, tool.Transient(t.name, fmt.Errorf("decode results: %w", err))
		}
	}

	results := make([]types.Record, 0, topResults)
	var text bytes.Buffer
	for _, item := range raw {
		if len(results) >= topResults {
			break
		}
		title, _ := item["title"].(string)
		link, _ := item["link"].(string)
		snippet, _ := item["snippet"].(string)
		if title == "" || link == "" || snippet == "" {
			continue
		}
		results = append(results, types.Record{
			"title":   title,
			"link":    link,
			"snippet": snippet,
		})
		fmt.Fprintf(&text, "Title: %s\nLink: %s\nSnippet: %s\n-----------------\n", title, link, snippet)
	}

	return types.Record{
		"results": results,
		"content": text.String(),
	}, nil
}

// classifyStatus maps an HTTP status to a tool error. Rate limits, request
// timeouts, and server errors are transient; other non-2xx codes are not.
func classifyStatus(toolName string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return tool.Transient(toolName, fmt.Errorf("upstream status %d", status))
	default:
		return tool.Permanent(toolName, fmt.Errorf("upstream status %d", status))
	}
}
