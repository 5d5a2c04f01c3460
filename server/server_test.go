package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopscout/shopscout/extract"
	"github.com/shopscout/shopscout/health"
	"github.com/shopscout/shopscout/scout"
	"github.com/shopscout/shopscout/source"
)

type fakeRunner struct {
	events    []scout.Event
	lastQuery string
	lastLoc   string
}

func (f *fakeRunner) Run(ctx context.Context, query, locale string, sources []source.Source) <-chan scout.Event {
	f.lastQuery = query
	f.lastLoc = locale
	ch := make(chan scout.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func testServer(t *testing.T, runner Runner) *Server {
	t.Helper()
	mon, err := health.NewMonitor(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	sources := []source.Source{
		{ID: "quickmart", Name: "QuickMart", SearchURL: "https://quickmart.example/s?q={query}"},
		{ID: "grofast", Name: "GroFast", SearchURL: "https://grofast.example/s?q={query}", RequiresRendering: true},
	}
	return New(runner, mon, sources)
}

func TestHandleSearch_StreamsNDJSON(t *testing.T) {
	runner := &fakeRunner{events: []scout.Event{
		{Kind: scout.EventStarted, SourceCount: 2},
		{Kind: scout.EventResult, Source: "quickmart", Items: []extract.Candidate{{Name: "Milk 500ml", Price: 29}}, Confidence: 0.95},
		{Kind: scout.EventFailed, Source: "grofast", Reason: "all extraction tiers exhausted"},
		{Kind: scout.EventCompleted, SuccessCount: 1, TotalCount: 2},
	}}
	srv := httptest.NewServer(testServer(t, runner).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/search?q=milk&locale=en-IN")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type: %q", ct)
	}
	if runner.lastQuery != "milk" || runner.lastLoc != "en-IN" {
		t.Errorf("runner got query=%q locale=%q", runner.lastQuery, runner.lastLoc)
	}

	var lines []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 4 {
		t.Fatalf("lines: got %d, want 4", len(lines))
	}
	if lines[0]["kind"] != "started" {
		t.Errorf("first line kind: %v", lines[0]["kind"])
	}
	if lines[len(lines)-1]["kind"] != "completed" {
		t.Errorf("last line kind: %v", lines[len(lines)-1]["kind"])
	}
	if lines[1]["source"] != "quickmart" {
		t.Errorf("result line: %v", lines[1])
	}
}

func TestHandleSearch_MissingQuery(t *testing.T) {
	srv := httptest.NewServer(testServer(t, &fakeRunner{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/search")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestHandleSources(t *testing.T) {
	s := testServer(t, &fakeRunner{})
	// Trip grofast open.
	for i := 0; i < 3; i++ {
		s.health.RecordOutcome(context.Background(), "grofast", false, 0, "")
	}
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sources")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Sources []sourceStatus `json:"sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sources) != 2 {
		t.Fatalf("sources: got %d, want 2", len(body.Sources))
	}
	byID := map[string]sourceStatus{}
	for _, ss := range body.Sources {
		byID[ss.ID] = ss
	}
	if byID["quickmart"].State != "closed" {
		t.Errorf("quickmart state: %q", byID["quickmart"].State)
	}
	if byID["grofast"].State != "open" {
		t.Errorf("grofast state: %q", byID["grofast"].State)
	}
	if !byID["grofast"].RequiresRendering {
		t.Error("grofast requires_rendering lost")
	}
}

func TestHandleHealthz(t *testing.T) {
	srv := httptest.NewServer(testServer(t, &fakeRunner{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: %d", resp.StatusCode)
	}
	var m map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["status"] != "ok" {
		t.Errorf("status field: %q", m["status"])
	}
}
