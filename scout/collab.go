package scout

import (
	"context"
	"time"

	"github.com/shopscout/shopscout/extract"
	"github.com/shopscout/shopscout/source"
)

// APIStatus classifies a native API attempt.
type APIStatus int

const (
	// APISuccess: the API answered with items.
	APISuccess APIStatus = iota

	// APINoItems: the API answered cleanly but found nothing. The chain
	// falls through to fetching; the page may disagree with the catalogue.
	APINoItems

	// APINotSupported: no API integration exists for this source. The chain
	// falls through to fetching.
	APINotSupported

	// APIFailure: the API errored. The chain falls through to fetching.
	APIFailure
)

// APIResult is the outcome of a native API call.
type APIResult struct {
	Status APIStatus
	Items  []extract.Candidate
	Err    error
}

// NativeAPI integrates sources that expose a JSON search endpoint, which
// beats scraping whenever available.
type NativeAPI interface {
	Search(ctx context.Context, src source.Source, query string) APIResult
}

// StaticFetcher issues plain HTTP GETs.
type StaticFetcher interface {
	Get(ctx context.Context, url string, hdr map[string]string) (int, []byte, error)
}

// Renderer produces post-hydration markup through a real browser.
type Renderer interface {
	Render(ctx context.Context, url, locale, waitSelector string, timeout time.Duration) ([]byte, error)
}

// EscalationRequest is one source's retained markup handed to the AI tier.
type EscalationRequest struct {
	Source source.Source
	Markup []byte
}

// EscalationResult is the AI tier's answer for one source.
type EscalationResult struct {
	Items      []extract.Candidate
	Confidence float64
	Err        error
}

// AIExtractor is the deferred, batched escalation tier for sources whose
// deterministic extraction came up empty.
type AIExtractor interface {
	ExtractBatch(ctx context.Context, reqs []EscalationRequest, query string) map[string]EscalationResult
}

// ResultCache stores the last good extraction per (query, source, locale).
type ResultCache interface {
	Get(ctx context.Context, query, sourceID, locale string, ttl time.Duration) (items []extract.Candidate, stale, found bool, err error)
	Set(ctx context.Context, query, sourceID, locale string, items []extract.Candidate) error
}
