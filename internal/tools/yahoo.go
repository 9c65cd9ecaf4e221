package tools

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/pkg/types"
)

const yahooFeedURL = "https://feeds.finance.yahoo.com/rss/2.0/headline"

var yahooInputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["symbol"],
	"properties": {
		"symbol": {"type": "string", "description": "The stock ticker to fetch news for, e.g. AAPL"}
	}
}`)

// YahooNewsTool fetches recent headlines for a ticker from the Yahoo Finance
// RSS feed.
type YahooNewsTool struct {
	feedURL string
	client  *http.Client
}

// NewYahooNews creates the Yahoo Finance headlines tool.
func NewYahooNews(client *http.Client) *YahooNewsTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &YahooNewsTool{feedURL: yahooFeedURL, client: client}
}

func (t *YahooNewsTool) Name() string { return "yahoo_finance_news" }

func (t *YahooNewsTool) Description() string {
	return "Fetch recent news headlines about a company or stock from Yahoo Finance"
}

func (t *YahooNewsTool) InputSchema() json.RawMessage { return yahooInputSchema }
func (t *YahooNewsTool) Timeout() time.Duration       { return 20 * time.Second }

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

func (t *YahooNewsTool) Invoke(ctx context.Context, args types.Record) (types.Record, error) {
	symbol, _ := args["symbol"].(string)
	if symbol == "" {
		return nil, tool.Permanent(t.Name(), fmt.Errorf("missing symbol argument"))
	}

	query := url.Values{
		"s":      {strings.ToUpper(symbol)},
		"region": {"US"},
		"lang":   {"en-US"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.feedURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, tool.Permanent(t.Name(), err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(t.Name(), resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	var feed rssFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, tool.Transient(t.Name(), fmt.Errorf("decode feed: %w", err))
	}

	items := feed.Channel.Items
	if len(items) > topResults {
		items = items[:topResults]
	}

	articles := make([]types.Record, 0, len(items))
	var text strings.Builder
	for _, item := range items {
		articles = append(articles, types.Record{
			"title":     item.Title,
			"link":      item.Link,
			"summary":   item.Description,
			"published": item.PubDate,
		})
		fmt.Fprintf(&text, "Title: %s\nLink: %s\nSummary: %s\n-----------------\n", item.Title, item.Link, item.Description)
	}

	return types.Record{
		"symbol":   strings.ToUpper(symbol),
		"articles": articles,
		"content":  text.String(),
	}, nil
}
