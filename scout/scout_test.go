package scout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopscout/shopscout/extract"
	"github.com/shopscout/shopscout/health"
	"github.com/shopscout/shopscout/source"
)

// --- fakes ---

type fakeAPI struct {
	results map[string]APIResult
}

func (f *fakeAPI) Search(ctx context.Context, src source.Source, query string) APIResult {
	if res, ok := f.results[src.ID]; ok {
		return res
	}
	return APIResult{Status: APINotSupported}
}

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]string // source search URL -> body
	calls  []string
	err    error
	status int
	panics bool
}

func (f *fakeFetcher) Get(ctx context.Context, url string, hdr map[string]string) (int, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if f.panics {
		panic("fetcher exploded")
	}
	if f.err != nil {
		return 0, nil, f.err
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return status, []byte(f.pages[url]), nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (f *fakeRenderer) Render(ctx context.Context, url, locale, waitSelector string, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if body, ok := f.pages[url]; ok {
		return []byte(body), nil
	}
	return nil, fmt.Errorf("render failed for %s", url)
}

type fakeAI struct {
	mu      sync.Mutex
	batches [][]EscalationRequest
	results map[string]EscalationResult
}

func (f *fakeAI) ExtractBatch(ctx context.Context, reqs []EscalationRequest, query string) map[string]EscalationResult {
	f.mu.Lock()
	f.batches = append(f.batches, reqs)
	f.mu.Unlock()
	out := make(map[string]EscalationResult, len(reqs))
	for _, req := range reqs {
		if res, ok := f.results[req.Source.ID]; ok {
			out[req.Source.ID] = res
		} else {
			out[req.Source.ID] = EscalationResult{Err: fmt.Errorf("no fixture for %s", req.Source.ID)}
		}
	}
	return out
}

// stalledAI blocks until its context expires and returns nothing, the shape
// of an extraction service that never answers in time.
type stalledAI struct{}

func (stalledAI) ExtractBatch(ctx context.Context, reqs []EscalationRequest, query string) map[string]EscalationResult {
	<-ctx.Done()
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]extract.Candidate
	sets    int
}

func cacheKey(query, sourceID, locale string) string {
	return query + "|" + sourceID + "|" + locale
}

func (f *fakeCache) Get(ctx context.Context, query, sourceID, locale string, ttl time.Duration) ([]extract.Candidate, bool, bool, error) {
	// Like the real store, a dead context means no read.
	if err := ctx.Err(); err != nil {
		return nil, false, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items, ok := f.entries[cacheKey(query, sourceID, locale)]
	return items, false, ok, nil
}

func (f *fakeCache) Set(ctx context.Context, query, sourceID, locale string, items []extract.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string][]extract.Candidate)
	}
	f.entries[cacheKey(query, sourceID, locale)] = items
	f.sets++
	return nil
}

// --- helpers ---

const productPage = `<html><head><script type="application/ld+json">
{"@type":"ItemList","itemListElement":[
 {"item":{"@type":"Product","name":"Amul Toned Milk 500ml","offers":{"price":29}}},
 {"item":{"@type":"Product","name":"Nestle A+ Milk 1L","offers":{"price":78}}}
]}</script></head><body></body></html>`

const emptyPage = `<html><body><div id="root"><p>Loading your results</p></div></body></html>`

func newMonitor(t *testing.T) *health.Monitor {
	t.Helper()
	mon, err := health.NewMonitor(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return mon
}

func srcStatic(id string) source.Source {
	return source.Source{
		ID:        id,
		Name:      id,
		SearchURL: "https://" + id + ".example/s?q={query}",
		BaseURL:   "https://" + id + ".example",
	}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not close; got so far: %+v", out)
		}
	}
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func findEvent(events []Event, kind EventKind, sourceID string) (Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind && ev.Source == sourceID {
			return ev, true
		}
	}
	return Event{}, false
}

// --- tests ---

func TestRun_APISuccessAndCacheFallback(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()

	api := &fakeAPI{results: map[string]APIResult{
		"alpha": {Status: APISuccess, Items: []extract.Candidate{
			{Name: "Amul Toned Milk 500ml", Price: 29, Confidence: 0.9, Method: "native-api"},
		}},
	}}
	fetcher := &fakeFetcher{err: fmt.Errorf("connection refused")}
	cache := &fakeCache{entries: map[string][]extract.Candidate{
		cacheKey("milk", "beta", ""): {{Name: "Cached Milk 1L", Price: 60, Confidence: 0.8}},
	}}

	alpha := srcStatic("alpha")
	alpha.HasAPI = true
	beta := srcStatic("beta")

	o := New(mon, ex, fetcher, WithNativeAPI(api), WithCache(cache))
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{alpha, beta}))

	if events[0].Kind != EventStarted || events[0].SourceCount != 2 {
		t.Fatalf("first event: %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Kind != EventCompleted {
		t.Fatalf("last event: %+v", last)
	}
	if last.SuccessCount != 2 || last.TotalCount != 2 {
		t.Errorf("completed counts: got %d/%d, want 2/2", last.SuccessCount, last.TotalCount)
	}

	a, ok := findEvent(events, EventResult, "alpha")
	if !ok {
		t.Fatal("no result for alpha")
	}
	if a.FromCache || a.AIDerived || len(a.Items) != 1 {
		t.Errorf("alpha result: %+v", a)
	}

	b, ok := findEvent(events, EventResult, "beta")
	if !ok {
		t.Fatal("no result for beta")
	}
	if !b.FromCache {
		t.Error("beta result not marked from_cache")
	}
	if b.Confidence != 0.5 {
		t.Errorf("cache fallback confidence: got %v", b.Confidence)
	}

	// Health: alpha succeeded, beta failed.
	if mon.State("alpha") != health.Closed {
		t.Errorf("alpha state: %v", mon.State("alpha"))
	}
	if rec := mon.Record("beta"); rec.ConsecutiveFailures != 1 {
		t.Errorf("beta consecutive failures: got %d, want 1", rec.ConsecutiveFailures)
	}
}

func TestRun_StaticFetchSuccess(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()
	src := srcStatic("quickmart")
	fetcher := &fakeFetcher{pages: map[string]string{src.SearchFor("milk"): productPage}}
	cache := &fakeCache{}

	o := New(mon, ex, fetcher, WithCache(cache))
	events := collect(t, o.Run(context.Background(), "milk", "en-IN", []source.Source{src}))

	res, ok := findEvent(events, EventResult, "quickmart")
	if !ok {
		t.Fatalf("no result event: %+v", events)
	}
	if len(res.Items) != 2 {
		t.Errorf("items: got %d, want 2", len(res.Items))
	}
	if res.Confidence < 0.9 {
		t.Errorf("confidence: got %v", res.Confidence)
	}
	if cache.sets != 1 {
		t.Errorf("cache sets: got %d, want 1", cache.sets)
	}
	if rec := mon.Record("quickmart"); rec.SampleCount() != 1 {
		t.Errorf("health samples: got %v, want 1", rec.SampleCount())
	}
}

func TestRun_SkipsOpenCircuit(t *testing.T) {
	mon := newMonitor(t)
	for i := 0; i < 3; i++ {
		mon.RecordOutcome(context.Background(), "broken", false, 0, "")
	}
	ex := extract.New()
	fetcher := &fakeFetcher{}

	o := New(mon, ex, fetcher)
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{srcStatic("broken")}))

	skip, ok := findEvent(events, EventSkipped, "broken")
	if !ok {
		t.Fatalf("no skipped event: %+v", events)
	}
	if skip.Reason == "" {
		t.Error("skipped event missing reason")
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("fetcher called for skipped source: %v", fetcher.calls)
	}
	// Skipped sources report no outcome.
	if rec := mon.Record("broken"); rec.ConsecutiveFailures != 3 {
		t.Errorf("consecutive failures changed: got %d, want 3", rec.ConsecutiveFailures)
	}
	last := events[len(events)-1]
	if len(last.DisabledSources) != 1 || last.DisabledSources[0] != "broken" {
		t.Errorf("disabled sources: %v", last.DisabledSources)
	}
}

func TestRun_RenderFallbackChain(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()

	src := srcStatic("rendered")
	src.RequiresRendering = true
	src.AlternateURLs = []string{"https://rendered.example/search/{query}"}

	fetcher := &fakeFetcher{}
	renderer := &fakeRenderer{pages: map[string]string{
		"https://rendered.example/search/milk": productPage, // only the alternate works
	}}

	o := New(mon, ex, fetcher, WithRenderer(renderer))
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{src}))

	if len(fetcher.calls) != 0 {
		t.Errorf("static fetch attempted for rendering-required source: %v", fetcher.calls)
	}
	if len(renderer.calls) != 2 {
		t.Fatalf("render calls: got %v, want primary then alternate", renderer.calls)
	}
	if renderer.calls[0] != src.SearchFor("milk") {
		t.Errorf("primary render url: %q", renderer.calls[0])
	}

	res, ok := findEvent(events, EventResult, "rendered")
	if !ok {
		t.Fatalf("no result: %+v", events)
	}
	if len(res.Items) != 2 {
		t.Errorf("items: got %d", len(res.Items))
	}
}

func TestRun_EscalationSuccess(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()

	src := srcStatic("spa")
	fetcher := &fakeFetcher{pages: map[string]string{src.SearchFor("milk"): emptyPage}}
	ai := &fakeAI{results: map[string]EscalationResult{
		"spa": {
			Items:      []extract.Candidate{{Name: "Amul Toned Milk 500ml", Price: 29, Confidence: 0.7, Method: extract.MethodAI}},
			Confidence: 0.7,
		},
	}}
	cache := &fakeCache{}

	o := New(mon, ex, fetcher, WithAIExtractor(ai), WithCache(cache))
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{src}))

	res, ok := findEvent(events, EventResult, "spa")
	if !ok {
		t.Fatalf("no result: %+v", events)
	}
	if !res.AIDerived {
		t.Error("result not marked ai_derived")
	}
	if len(ai.batches) != 1 || len(ai.batches[0]) != 1 {
		t.Fatalf("batches: %+v", ai.batches)
	}
	if string(ai.batches[0][0].Markup) != emptyPage {
		t.Error("retained markup not handed to escalation")
	}

	// Exactly one health outcome, and it is a success.
	rec := mon.Record("spa")
	if rec.SampleCount() != 1 {
		t.Errorf("health samples: got %v, want 1", rec.SampleCount())
	}
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("escalation success recorded as failure: %+v", rec)
	}
	if cache.sets != 1 {
		t.Errorf("cache sets: got %d, want 1", cache.sets)
	}

	last := events[len(events)-1]
	if last.Kind != EventCompleted || last.SuccessCount != 1 {
		t.Errorf("completed: %+v", last)
	}
}

func TestRun_EscalationTimeoutStillFallsBackToCache(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()

	src := srcStatic("spa")
	fetcher := &fakeFetcher{pages: map[string]string{src.SearchFor("milk"): emptyPage}}
	cache := &fakeCache{entries: map[string][]extract.Candidate{
		cacheKey("milk", "spa", ""): {{Name: "Cached Milk 1L", Price: 60, Confidence: 0.8}},
	}}

	cfg := DefaultConfig()
	cfg.EscalateTimeout = 50 * time.Millisecond
	o := New(mon, ex, fetcher, WithConfig(cfg), WithAIExtractor(stalledAI{}), WithCache(cache))
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{src}))

	// The AI deadline expiring must not poison the settlement path: the
	// failure still degrades to the cached result.
	res, ok := findEvent(events, EventResult, "spa")
	if !ok {
		t.Fatalf("no cache-fallback result after escalation timeout: %+v", events)
	}
	if !res.FromCache || res.Confidence != 0.5 {
		t.Errorf("fallback result: %+v", res)
	}
	if _, ok := findEvent(events, EventFailed, "spa"); ok {
		t.Error("failed event emitted despite a fresh cache entry")
	}

	rec := mon.Record("spa")
	if rec.SampleCount() != 1 || rec.ConsecutiveFailures != 1 {
		t.Errorf("health record: %+v", rec)
	}
	last := events[len(events)-1]
	if last.Kind != EventCompleted || last.SuccessCount != 1 {
		t.Errorf("completed: %+v", last)
	}
}

func TestRun_APINoItemsFallsThroughToStaticFetch(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()

	src := srcStatic("alpha")
	src.HasAPI = true
	api := &fakeAPI{results: map[string]APIResult{
		"alpha": {Status: APINoItems},
	}}
	fetcher := &fakeFetcher{pages: map[string]string{src.SearchFor("milk"): productPage}}

	o := New(mon, ex, fetcher, WithNativeAPI(api))
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{src}))

	// An empty API answer is not the end of the chain; the page is still
	// tried and wins here.
	res, ok := findEvent(events, EventResult, "alpha")
	if !ok {
		t.Fatalf("no result after api returned no items: %+v", events)
	}
	if len(res.Items) != 2 || res.FromCache || res.AIDerived {
		t.Errorf("result: %+v", res)
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("fetcher calls: got %v, want the search page", fetcher.calls)
	}

	rec := mon.Record("alpha")
	if rec.SampleCount() != 1 || rec.ConsecutiveFailures != 0 {
		t.Errorf("health record: %+v", rec)
	}
}

func TestRun_EscalationFailureBecomesFailedEvent(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()

	src := srcStatic("spa")
	fetcher := &fakeFetcher{pages: map[string]string{src.SearchFor("milk"): emptyPage}}
	ai := &fakeAI{} // every source errors

	o := New(mon, ex, fetcher, WithAIExtractor(ai))
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{src}))

	failed, ok := findEvent(events, EventFailed, "spa")
	if !ok {
		t.Fatalf("no failed event: %+v", events)
	}
	if failed.Reason == "" {
		t.Error("failed event missing reason")
	}

	rec := mon.Record("spa")
	if rec.SampleCount() != 1 {
		t.Errorf("health samples: got %v, want exactly 1", rec.SampleCount())
	}
	if rec.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures: got %d, want 1", rec.ConsecutiveFailures)
	}
}

func TestRun_NoAITierSettlesRetainedAsFailure(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()

	src := srcStatic("spa")
	fetcher := &fakeFetcher{pages: map[string]string{src.SearchFor("milk"): emptyPage}}

	o := New(mon, ex, fetcher)
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{src}))

	if _, ok := findEvent(events, EventFailed, "spa"); !ok {
		t.Fatalf("no failed event: %+v", events)
	}
	if rec := mon.Record("spa"); rec.SampleCount() != 1 {
		t.Errorf("health samples: got %v, want 1", rec.SampleCount())
	}
}

func TestRun_PanickingTierIsContained(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()
	fetcher := &fakeFetcher{panics: true}

	o := New(mon, ex, fetcher)
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{srcStatic("hostile")}))

	if _, ok := findEvent(events, EventFailed, "hostile"); !ok {
		t.Fatalf("panicking tier did not settle as failure: %+v", events)
	}
	if events[len(events)-1].Kind != EventCompleted {
		t.Error("run did not complete after tier panic")
	}
}

func TestRun_BatchBarrier(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()

	var mu sync.Mutex
	inFlight, peak := 0, 0
	block := make(chan struct{})

	fetcher := &fetchFunc{fn: func(ctx context.Context, url string, hdr map[string]string) (int, []byte, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-block
		mu.Lock()
		inFlight--
		mu.Unlock()
		return 200, []byte(productPage), nil
	}}

	sources := make([]source.Source, 6)
	for i := range sources {
		sources[i] = srcStatic(fmt.Sprintf("s%d", i))
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	o := New(mon, ex, fetcher, WithConfig(cfg))

	events := o.Run(context.Background(), "milk", "", sources)

	// Release fetches as they arrive; the barrier means never more than the
	// batch size in flight at once.
	go func() {
		for i := 0; i < len(sources); i++ {
			block <- struct{}{}
		}
	}()
	all := collect(t, events)

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("concurrency peak: got %d, want <= 2", peak)
	}
	if got := len(eventsOfKind(all, EventResult)); got != 6 {
		t.Errorf("results: got %d, want 6", got)
	}
}

func TestRun_CompletedAlwaysLastAndStreamCloses(t *testing.T) {
	mon := newMonitor(t)
	ex := extract.New()
	src := srcStatic("quickmart")
	fetcher := &fakeFetcher{pages: map[string]string{src.SearchFor("milk"): productPage}}

	o := New(mon, ex, fetcher)
	events := collect(t, o.Run(context.Background(), "milk", "", []source.Source{src}))

	if len(events) < 2 {
		t.Fatalf("too few events: %+v", events)
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Kind == EventCompleted {
			t.Errorf("completed event at position %d of %d", i, len(events))
		}
	}
	if events[len(events)-1].Kind != EventCompleted {
		t.Errorf("last event: %+v", events[len(events)-1])
	}
}

// fetchFunc adapts a function to StaticFetcher.
type fetchFunc struct {
	fn func(ctx context.Context, url string, hdr map[string]string) (int, []byte, error)
}

func (f *fetchFunc) Get(ctx context.Context, url string, hdr map[string]string) (int, []byte, error) {
	return f.fn(ctx, url, hdr)
}
