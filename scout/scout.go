// Package scout runs the per-source acquisition chain and streams progress
// events while results arrive.
//
// Each source climbs an escalation ladder ordered by cost: native API,
// static fetch, rendered primary URL, rendered alternates, and finally a
// deferred, batched AI pass over retained markup. Sources run in fixed-size
// batches; every attempted source reports exactly one outcome to the health
// monitor per run.
package scout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopscout/shopscout/extract"
	"github.com/shopscout/shopscout/health"
	"github.com/shopscout/shopscout/source"
)

// Config holds the orchestrator's tunables.
type Config struct {
	// BatchSize is how many sources run concurrently.
	BatchSize int

	// FastTimeout bounds native API calls and static fetches.
	FastTimeout time.Duration

	// RenderTimeout bounds the primary rendered attempt.
	RenderTimeout time.Duration

	// AlternateTimeout bounds each rendered alternate URL.
	AlternateTimeout time.Duration

	// EscalateTimeout bounds the whole AI escalation batch.
	EscalateTimeout time.Duration

	// CacheTTL is the freshness horizon for cached fallbacks.
	CacheTTL time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		BatchSize:        4,
		FastTimeout:      4 * time.Second,
		RenderTimeout:    10 * time.Second,
		AlternateTimeout: 8 * time.Second,
		EscalateTimeout:  15 * time.Second,
		CacheTTL:         15 * time.Minute,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FastTimeout <= 0 {
		c.FastTimeout = d.FastTimeout
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = d.RenderTimeout
	}
	if c.AlternateTimeout <= 0 {
		c.AlternateTimeout = d.AlternateTimeout
	}
	if c.EscalateTimeout <= 0 {
		c.EscalateTimeout = d.EscalateTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
}

// Orchestrator coordinates the collaborators for one deployment. Safe for
// concurrent Run calls; all mutable state lives in the run.
type Orchestrator struct {
	health    *health.Monitor
	extractor *extract.Extractor
	api       NativeAPI
	fetcher   StaticFetcher
	renderer  Renderer
	ai        AIExtractor
	cache     ResultCache
	cfg       Config
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides the tunables.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithNativeAPI plugs in API integrations.
func WithNativeAPI(api NativeAPI) Option {
	return func(o *Orchestrator) { o.api = api }
}

// WithRenderer plugs in the browser tier.
func WithRenderer(r Renderer) Option {
	return func(o *Orchestrator) { o.renderer = r }
}

// WithAIExtractor plugs in the escalation tier.
func WithAIExtractor(ai AIExtractor) Option {
	return func(o *Orchestrator) { o.ai = ai }
}

// WithCache plugs in the result cache.
func WithCache(c ResultCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator. The health monitor, extractor, and static
// fetcher are mandatory; the other tiers degrade gracefully when absent.
func New(mon *health.Monitor, ex *extract.Extractor, fetcher StaticFetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		health:    mon,
		extractor: ex,
		fetcher:   fetcher,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.defaults()
	return o
}

// outcome is the internal result of one source's chain.
type outcome struct {
	src source.Source

	// event to emit for this source, zero Kind means none yet.
	event   Event
	emitted bool

	// health reporting, deferred for escalated sources.
	fetched     bool
	itemCount   int
	fingerprint string
	recorded    bool

	// retained markup for the AI pass.
	retained []byte
}

// Run executes one query across sources and returns the event stream. The
// channel is buffered and closed after the Completed event, which is always
// last. Cancelling ctx stops the run at the next batch boundary.
func (o *Orchestrator) Run(ctx context.Context, query, locale string, sources []source.Source) <-chan Event {
	events := make(chan Event, 2*len(sources)+4)
	go o.run(ctx, query, locale, sources, events)
	return events
}

func (o *Orchestrator) run(ctx context.Context, query, locale string, sources []source.Source, events chan<- Event) {
	defer close(events)
	start := time.Now()

	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	emit(Event{Kind: EventStarted, SourceCount: len(sources)})

	outcomes := make([]*outcome, 0, len(sources))
	successCount := 0

	// Batched concurrency: the next batch starts only when the whole
	// previous batch has finished.
	for i := 0; i < len(sources); i += o.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := i + o.cfg.BatchSize
		if end > len(sources) {
			end = len(sources)
		}
		batch := sources[i:end]

		results := make([]*outcome, len(batch))
		done := make(chan int, len(batch))
		for j, src := range batch {
			go func(j int, src source.Source) {
				defer func() { done <- j }()
				results[j] = o.runSource(ctx, query, locale, src)
			}(j, src)
		}
		for range batch {
			<-done
		}

		for _, out := range results {
			if out == nil {
				continue
			}
			outcomes = append(outcomes, out)
			if out.emitted {
				if out.event.Kind == EventResult {
					successCount++
				}
				emit(out.event)
			}
		}
	}

	// Deferred AI pass over everything that retained markup.
	var pending []*outcome
	for _, out := range outcomes {
		if !out.recorded && out.retained != nil {
			pending = append(pending, out)
		}
	}
	if len(pending) > 0 && ctx.Err() == nil {
		successCount += o.escalate(ctx, query, locale, pending, emit)
	} else {
		// No AI tier ran; settle the pending sources as failures.
		for _, out := range pending {
			o.settleFailure(ctx, query, locale, out, "all extraction tiers exhausted", emit)
			if out.event.Kind == EventResult {
				successCount++
			}
		}
	}

	emit(Event{
		Kind:            EventCompleted,
		SuccessCount:    successCount,
		TotalCount:      len(sources),
		DisabledSources: o.health.DisabledSources(),
	})
	o.logger.Info("scout: run complete",
		"query", query, "sources", len(sources), "succeeded", successCount,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// runSource climbs the chain for one source. It never returns nil and never
// panics; a panicking tier counts as a failed tier.
func (o *Orchestrator) runSource(ctx context.Context, query, locale string, src source.Source) *outcome {
	out := &outcome{src: src}
	log := o.logger.With("source", src.ID, "query", query)

	if !o.health.ShouldAttempt(src.ID) {
		out.event = Event{Kind: EventSkipped, Source: src.ID, Reason: "circuit open"}
		out.emitted = true
		out.recorded = true // skipped sources report nothing
		log.Debug("scout: skipped, circuit open")
		return out
	}

	// Tier: native API.
	if src.HasAPI && o.api != nil {
		res := o.tryAPI(ctx, src, query)
		switch res.Status {
		case APISuccess:
			o.settleSuccess(ctx, query, locale, out, res.Items, extract.AverageConfidence(res.Items), false)
			return out
		case APINoItems:
			// The catalogue answered cleanly but empty; the page may still
			// disagree, so keep climbing before settling.
			out.fetched = true
			log.Debug("scout: native api returned no items")
		default:
			log.Debug("scout: native api unavailable", "status", int(res.Status), "error", res.Err)
		}
	}

	// Tier: static fetch, pointless for sources that require a browser.
	if !src.RequiresRendering {
		if items, markup, ok := o.tryStatic(ctx, src, query, locale, out); ok {
			o.settleSuccess(ctx, query, locale, out, items, extract.AverageConfidence(items), false)
			return out
		} else if markup != nil {
			out.retained = markup
		}
	}

	// Tier: rendered primary.
	if o.renderer != nil {
		if items, markup, ok := o.tryRender(ctx, src, src.SearchFor(query), locale, o.cfg.RenderTimeout, out); ok {
			o.settleSuccess(ctx, query, locale, out, items, extract.AverageConfidence(items), false)
			return out
		} else if markup != nil {
			out.retained = markup
		}

		// Tier: rendered alternates.
		for _, alt := range src.AlternateURLs {
			if ctx.Err() != nil {
				break
			}
			url := src.Expand(alt, query)
			if items, markup, ok := o.tryRender(ctx, src, url, locale, o.cfg.AlternateTimeout, out); ok {
				o.settleSuccess(ctx, query, locale, out, items, extract.AverageConfidence(items), false)
				return out
			} else if markup != nil {
				out.retained = markup
			}
		}
	}

	if out.retained != nil && o.ai != nil {
		// Health outcome and event deferred to the escalation pass.
		log.Debug("scout: retaining markup for escalation", "bytes", len(out.retained))
		return out
	}

	o.settleFailure(ctx, query, locale, out, "all extraction tiers exhausted", nil)
	return out
}

// tryAPI calls the native API under the fast timeout with panic isolation.
func (o *Orchestrator) tryAPI(ctx context.Context, src source.Source, query string) (res APIResult) {
	defer o.recoverTier(src.ID, "native-api", func() {
		res = APIResult{Status: APIFailure, Err: fmt.Errorf("scout: native api panicked")}
	})
	ctx, cancel := context.WithTimeout(ctx, o.cfg.FastTimeout)
	defer cancel()
	res = o.api.Search(ctx, src, query)
	// Validate what came back; API integrations are code too.
	res.Items = o.extractor.Finalize(res.Items)
	if res.Status == APISuccess && len(res.Items) == 0 {
		res.Status = APINoItems
	}
	return res
}

// tryStatic fetches the search page statically and extracts. Returns the
// markup for retention when extraction found nothing in a fetched page.
func (o *Orchestrator) tryStatic(ctx context.Context, src source.Source, query, locale string, out *outcome) (items []extract.Candidate, markup []byte, ok bool) {
	defer o.recoverTier(src.ID, "static-fetch", func() { items, markup, ok = nil, nil, false })

	ctx, cancel := context.WithTimeout(ctx, o.cfg.FastTimeout)
	defer cancel()

	hdr := map[string]string{}
	if locale != "" {
		hdr["Accept-Language"] = locale
	}
	status, body, err := o.fetcher.Get(ctx, src.SearchFor(query), hdr)
	if err != nil {
		o.logger.Debug("scout: static fetch failed", "source", src.ID, "error", err)
		return nil, nil, false
	}
	if status < 200 || status >= 300 || len(body) == 0 {
		o.logger.Debug("scout: static fetch rejected", "source", src.ID, "status", status)
		return nil, nil, false
	}
	out.fetched = true

	cands, fp := o.extractor.Extract(body, src)
	if fp != "" {
		out.fingerprint = fp
	}
	if len(cands) == 0 {
		return nil, body, false
	}
	return cands, nil, true
}

// tryRender renders a URL and extracts, with panic isolation.
func (o *Orchestrator) tryRender(ctx context.Context, src source.Source, url, locale string, timeout time.Duration, out *outcome) (items []extract.Candidate, markup []byte, ok bool) {
	defer o.recoverTier(src.ID, "render", func() { items, markup, ok = nil, nil, false })

	body, err := o.renderer.Render(ctx, url, locale, src.WaitSelector, timeout)
	if err != nil {
		o.logger.Debug("scout: render failed", "source", src.ID, "url", url, "error", err)
		return nil, nil, false
	}
	out.fetched = true

	cands, fp := o.extractor.Extract(body, src)
	if fp != "" {
		out.fingerprint = fp
	}
	if len(cands) == 0 {
		return nil, body, false
	}
	return cands, nil, true
}

// escalate runs the batched AI pass and settles every pending source.
// Returns how many of them succeeded.
func (o *Orchestrator) escalate(ctx context.Context, query, locale string, pending []*outcome, emit func(Event)) int {
	reqs := make([]EscalationRequest, 0, len(pending))
	for _, out := range pending {
		reqs = append(reqs, EscalationRequest{Source: out.src, Markup: out.retained})
	}

	// Only the AI call runs under the escalation deadline. Settlement
	// (health persistence, the cache fallback read) must still work after
	// the deadline expires, so it keeps the run's context.
	escCtx, cancel := context.WithTimeout(ctx, o.cfg.EscalateTimeout)
	defer cancel()

	results := o.runEscalation(escCtx, reqs, query)

	succeeded := 0
	for _, out := range pending {
		res, ok := results[out.src.ID]
		if ok && res.Err == nil {
			if items := o.extractor.Finalize(res.Items); len(items) > 0 {
				o.health.RecordOutcome(ctx, out.src.ID, true, len(items), out.fingerprint)
				out.recorded = true
				o.saveCache(ctx, query, out.src.ID, locale, items)
				emit(Event{
					Kind:       EventResult,
					Source:     out.src.ID,
					Items:      items,
					Confidence: res.Confidence,
					AIDerived:  true,
				})
				succeeded++
				continue
			}
		}
		if ok && res.Err != nil {
			o.logger.Debug("scout: escalation failed", "source", out.src.ID, "error", res.Err)
		}
		o.settleFailure(ctx, query, locale, out, "ai escalation produced nothing", emit)
		if out.event.Kind == EventResult {
			succeeded++
		}
	}
	return succeeded
}

// runEscalation isolates AI tier panics.
func (o *Orchestrator) runEscalation(ctx context.Context, reqs []EscalationRequest, query string) (results map[string]EscalationResult) {
	defer o.recoverTier("batch", "escalate", func() { results = nil })
	return o.ai.ExtractBatch(ctx, reqs, query)
}

// settleSuccess records the health outcome, caches the items, and prepares
// the Result event.
func (o *Orchestrator) settleSuccess(ctx context.Context, query, locale string, out *outcome, items []extract.Candidate, conf float64, aiDerived bool) {
	o.health.RecordOutcome(ctx, out.src.ID, true, len(items), out.fingerprint)
	out.recorded = true
	o.saveCache(ctx, query, out.src.ID, locale, items)
	out.event = Event{
		Kind:       EventResult,
		Source:     out.src.ID,
		Items:      items,
		Confidence: conf,
		AIDerived:  aiDerived,
	}
	out.emitted = true
}

// settleFailure records the failure and falls back to cached results when
// any exist; emit may be nil when the caller emits the prepared event later.
func (o *Orchestrator) settleFailure(ctx context.Context, query, locale string, out *outcome, reason string, emit func(Event)) {
	o.health.RecordOutcome(ctx, out.src.ID, out.fetched, 0, out.fingerprint)
	out.recorded = true

	ev := Event{Kind: EventFailed, Source: out.src.ID, Reason: reason}
	if o.cache != nil {
		if items, _, found, err := o.cache.Get(ctx, query, out.src.ID, locale, o.cfg.CacheTTL); err == nil && found && len(items) > 0 {
			ev = Event{
				Kind:       EventResult,
				Source:     out.src.ID,
				Items:      items,
				Confidence: 0.5,
				FromCache:  true,
			}
		}
	}
	out.event = ev
	out.emitted = true
	if emit != nil {
		emit(ev)
		out.emitted = false // already delivered
	}
}

func (o *Orchestrator) saveCache(ctx context.Context, query, sourceID, locale string, items []extract.Candidate) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Set(ctx, query, sourceID, locale, items); err != nil {
		o.logger.Warn("scout: cache save failed", "source", sourceID, "error", err)
	}
}

// recoverTier converts a tier panic into a logged failure so one hostile
// page cannot take down the whole run.
func (o *Orchestrator) recoverTier(sourceID, tier string, onPanic func()) {
	if r := recover(); r != nil {
		o.logger.Error("scout: tier panicked", "source", sourceID, "tier", tier, "panic", r)
		onPanic()
	}
}
