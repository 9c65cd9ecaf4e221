package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/pkg/types"
)

const (
	secQueryURL = "https://api.sec-api.io"

	// chunking parameters for filing text retrieval
	chunkSize    = 1000
	chunkOverlap = 150
	topChunks    = 4
)

var filingInputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["ticker", "question"],
	"properties": {
		"ticker": {"type": "string", "description": "The stock ticker, e.g. AAPL"},
		"question": {"type": "string", "description": "The question to answer from the filing"}
	}
}`)

// FilingTool fetches the latest SEC filing of a given form type for a ticker
// and extracts the passages most relevant to a question. The filing index
// comes from sec-api.io; the document itself is fetched from EDGAR, which
// requires a contact identity in the User-Agent.
type FilingTool struct {
	formType string
	apiKey   string
	contact  string
	queryURL string
	client   *http.Client
}

// NewSearch10K creates the annual-report retrieval tool.
func NewSearch10K(apiKey, contact string, client *http.Client) *FilingTool {
	return newFiling("10-K", apiKey, contact, client)
}

// NewSearch10Q creates the quarterly-report retrieval tool.
func NewSearch10Q(apiKey, contact string, client *http.Client) *FilingTool {
	return newFiling("10-Q", apiKey, contact, client)
}

func newFiling(formType, apiKey, contact string, client *http.Client) *FilingTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &FilingTool{
		formType: formType,
		apiKey:   apiKey,
		contact:  contact,
		queryURL: secQueryURL,
		client:   client,
	}
}

func (t *FilingTool) Name() string {
	if t.formType == "10-K" {
		return "search_10k"
	}
	return "search_10q"
}

func (t *FilingTool) Description() string {
	period := "year's"
	if t.formType == "10-Q" {
		period = "quarter's"
	}
	return fmt.Sprintf("Search information from the latest %s form for a given stock, e.g. what was last %s revenue", t.formType, period)
}

func (t *FilingTool) InputSchema() json.RawMessage { return filingInputSchema }
func (t *FilingTool) Timeout() time.Duration       { return 60 * time.Second }

func (t *FilingTool) Invoke(ctx context.Context, args types.Record) (types.Record, error) {
	ticker, _ := args["ticker"].(string)
	question, _ := args["question"].(string)
	if ticker == "" || question == "" {
		return nil, tool.Permanent(t.Name(), fmt.Errorf("missing ticker or question argument"))
	}

	link, filedAt, err := t.latestFiling(ctx, ticker)
	if err != nil {
		return nil, err
	}

	text, err := t.fetchDocument(ctx, link)
	if err != nil {
		return nil, err
	}

	passages := relevantPassages(text, question, topChunks)
	return types.Record{
		"ticker":   strings.ToUpper(ticker),
		"form":     t.formType,
		"url":      link,
		"filed_at": filedAt,
		"content":  strings.Join(passages, "\n\n"),
	}, nil
}

// latestFiling queries the sec-api.io index for the most recent filing of
// this form type.
func (t *FilingTool) latestFiling(ctx context.Context, ticker string) (link, filedAt string, err error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"query_string": map[string]string{
				"query": fmt.Sprintf("ticker:%s AND formType:%q", strings.ToUpper(ticker), t.formType),
			},
		},
		"from": "0",
		"size": "1",
		"sort": []map[string]interface{}{{"filedAt": map[string]string{"order": "desc"}}},
	}
	payload, _ := json.Marshal(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.queryURL, bytes.NewReader(payload))
	if err != nil {
		return "", "", tool.Permanent(t.Name(), err)
	}
	req.Header.Set("Authorization", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if err := classifyStatus(t.Name(), resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return "", "", err
	}

	var body struct {
		Filings []struct {
			LinkToFilingDetails string `json:"linkToFilingDetails"`
			FiledAt             string `json:"filedAt"`
		} `json:"filings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", tool.Transient(t.Name(), fmt.Errorf("decode filings: %w", err))
	}
	if len(body.Filings) == 0 {
		return "", "", tool.Permanent(t.Name(), fmt.Errorf("no %s filing found for ticker %q", t.formType, ticker))
	}
	if body.Filings[0].LinkToFilingDetails == "" {
		return "", "", tool.Permanent(t.Name(), fmt.Errorf("filing for %q has no document link", ticker))
	}
	return body.Filings[0].LinkToFilingDetails, body.Filings[0].FiledAt, nil
}

// fetchDocument downloads the filing HTML from EDGAR and strips the markup.
func (t *FilingTool) fetchDocument(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", tool.Permanent(t.Name(), err)
	}
	// EDGAR rejects requests without a declared contact identity.
	req.Header.Set("User-Agent", t.contact)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := classifyStatus(t.Name(), resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return "", err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", tool.Transient(t.Name(), fmt.Errorf("read document: %w", err))
	}
	return stripHTML(string(raw)), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t\r]+`)
	blankRe  = regexp.MustCompile(`\n{2,}`)
)

func stripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")
	text = blankRe.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// relevantPassages splits the text into overlapping chunks and ranks them by
// keyword overlap with the question.
func relevantPassages(text, question string, limit int) []string {
	chunks := splitChunks(text, chunkSize, chunkOverlap)
	if len(chunks) == 0 {
		return nil
	}

	keywords := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(question)) {
		word = strings.Trim(word, ".,?!:;\"'()")
		if len(word) > 2 {
			keywords[word] = true
		}
	}

	type scored struct {
		index int
		score int
	}
	ranked := make([]scored, 0, len(chunks))
	for i, chunk := range chunks {
		lower := strings.ToLower(chunk)
		score := 0
		for word := range keywords {
			score += strings.Count(lower, word)
		}
		ranked = append(ranked, scored{index: i, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if limit > len(ranked) {
		limit = len(ranked)
	}
	top := ranked[:limit]
	// Present passages in document order.
	sort.Slice(top, func(i, j int) bool { return top[i].index < top[j].index })

	out := make([]string, 0, limit)
	for _, s := range top {
		out = append(out, chunks[s.index])
	}
	return out
}

func splitChunks(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
