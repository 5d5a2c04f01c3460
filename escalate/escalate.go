// Package escalate is the AI extraction tier: retained markup from sources
// the deterministic tiers gave up on is sanitized, converted to markdown,
// and shipped in one batch to an extraction service.
package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/shopscout/shopscout/extract"
	"github.com/shopscout/shopscout/scout"
	"github.com/shopscout/shopscout/source"
)

// maxMarkdownBytes caps one document's markdown payload. Listing pages are
// front-loaded; the products sit in the first fraction of the document.
const maxMarkdownBytes = 60 << 10

// defaultConfidence is assigned when the service omits a confidence score.
const defaultConfidence = 0.7

// Client calls a remote extraction service with batched documents.
type Client struct {
	endpoint string
	http     *http.Client
	policy   *bluemonday.Policy
	conv     *converter.Converter
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the given service endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		policy:   bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type batchDocument struct {
	Source   string `json:"source"`
	BaseURL  string `json:"base_url"`
	Markdown string `json:"markdown"`
}

type batchRequest struct {
	Query     string          `json:"query"`
	Documents []batchDocument `json:"documents"`
}

type batchResult struct {
	Source     string              `json:"source"`
	Items      []extract.Candidate `json:"items"`
	Confidence float64             `json:"confidence"`
	Error      string              `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchResult `json:"results"`
}

// ExtractBatch converts every retained document to markdown and posts the
// whole batch in one request. The returned map has an entry for every
// request's source; a transport failure becomes a per-source error result
// rather than a partial map.
func (c *Client) ExtractBatch(ctx context.Context, reqs []scout.EscalationRequest, query string) map[string]scout.EscalationResult {
	out := make(map[string]scout.EscalationResult, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	payload := batchRequest{Query: query, Documents: make([]batchDocument, 0, len(reqs))}
	for _, req := range reqs {
		payload.Documents = append(payload.Documents, batchDocument{
			Source:   req.Source.ID,
			BaseURL:  req.Source.BaseURL,
			Markdown: c.toMarkdown(req.Markup, req.Source.BaseURL),
		})
	}

	failAll := func(err error) map[string]scout.EscalationResult {
		for _, req := range reqs {
			out[req.Source.ID] = scout.EscalationResult{Err: err}
		}
		return out
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failAll(fmt.Errorf("escalate: marshal batch: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return failAll(fmt.Errorf("escalate: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return failAll(fmt.Errorf("escalate: post batch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failAll(fmt.Errorf("escalate: service returned %d", resp.StatusCode))
	}

	var decoded batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return failAll(fmt.Errorf("escalate: decode response: %w", err))
	}

	for _, res := range decoded.Results {
		if res.Error != "" {
			out[res.Source] = scout.EscalationResult{Err: fmt.Errorf("escalate: %s: %s", res.Source, res.Error)}
			continue
		}
		conf := res.Confidence
		if conf <= 0 {
			conf = defaultConfidence
		}
		items := res.Items
		for i := range items {
			items[i].Method = extract.MethodAI
			if items[i].Confidence <= 0 {
				items[i].Confidence = conf
			}
		}
		out[res.Source] = scout.EscalationResult{Items: items, Confidence: conf}
	}

	// Sources the service did not answer for count as errors; the caller
	// must get exactly one result per request.
	for _, req := range reqs {
		if _, ok := out[req.Source.ID]; !ok {
			out[req.Source.ID] = scout.EscalationResult{Err: fmt.Errorf("escalate: no result for %s", req.Source.ID)}
		}
	}

	c.logger.Debug("escalate: batch complete",
		"documents", len(reqs), "elapsed", time.Since(start).Round(time.Millisecond))
	return out
}

// Extract runs one retained document through the service: a batch of one,
// for callers outside the orchestrator's deferred batch pass.
func (c *Client) Extract(ctx context.Context, markup []byte, src source.Source, query string) scout.EscalationResult {
	results := c.ExtractBatch(ctx, []scout.EscalationRequest{{Source: src, Markup: markup}}, query)
	if res, ok := results[src.ID]; ok {
		return res
	}
	return scout.EscalationResult{Err: fmt.Errorf("escalate: no result for %s", src.ID)}
}

// toMarkdown sanitizes raw markup and converts it to size-capped markdown.
// Conversion failure falls back to the sanitized text.
func (c *Client) toMarkdown(markup []byte, baseURL string) string {
	clean := c.policy.Sanitize(string(markup))
	md, err := c.conv.ConvertString(clean, converter.WithDomain(baseURL))
	if err != nil || strings.TrimSpace(md) == "" {
		md = clean
	}
	md = strings.TrimSpace(md)
	if len(md) > maxMarkdownBytes {
		md = md[:maxMarkdownBytes]
	}
	return md
}
