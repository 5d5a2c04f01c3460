package escalate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopscout/shopscout/extract"
	"github.com/shopscout/shopscout/scout"
	"github.com/shopscout/shopscout/source"
)

func testReqs() []scout.EscalationRequest {
	return []scout.EscalationRequest{
		{
			Source: source.Source{ID: "quickmart", BaseURL: "https://quickmart.example"},
			Markup: []byte(`<html><body><div class="card"><h3>Amul Toned Milk 500ml</h3><span>₹29</span></div></body></html>`),
		},
		{
			Source: source.Source{ID: "grofast", BaseURL: "https://grofast.example"},
			Markup: []byte(`<html><body><p>Loading...</p></body></html>`),
		},
	}
}

func TestExtractBatch(t *testing.T) {
	var got batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type: %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(batchResponse{Results: []batchResult{
			{
				Source:     "quickmart",
				Items:      []extract.Candidate{{Name: "Amul Toned Milk 500ml", Price: 29}},
				Confidence: 0.8,
			},
			{Source: "grofast", Error: "no products found"},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	out := c.ExtractBatch(context.Background(), testReqs(), "milk")

	if got.Query != "milk" {
		t.Errorf("query: got %q", got.Query)
	}
	if len(got.Documents) != 2 {
		t.Fatalf("documents: got %d, want 2", len(got.Documents))
	}
	if got.Documents[0].Source != "quickmart" || got.Documents[0].BaseURL != "https://quickmart.example" {
		t.Errorf("document 0: %+v", got.Documents[0])
	}
	if !strings.Contains(got.Documents[0].Markdown, "Amul Toned Milk 500ml") {
		t.Errorf("markdown lost product text: %q", got.Documents[0].Markdown)
	}
	if strings.Contains(got.Documents[0].Markdown, "<div") {
		t.Errorf("markdown still contains markup: %q", got.Documents[0].Markdown)
	}

	qm := out["quickmart"]
	if qm.Err != nil {
		t.Fatalf("quickmart: %v", qm.Err)
	}
	if len(qm.Items) != 1 || qm.Items[0].Name != "Amul Toned Milk 500ml" {
		t.Errorf("quickmart items: %+v", qm.Items)
	}
	if qm.Items[0].Method != extract.MethodAI {
		t.Errorf("method: got %q, want %q", qm.Items[0].Method, extract.MethodAI)
	}
	if qm.Items[0].Confidence != 0.8 {
		t.Errorf("item confidence: got %v", qm.Items[0].Confidence)
	}
	if out["grofast"].Err == nil {
		t.Error("grofast service error not surfaced")
	}
}

func TestExtract_SingleDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got batchRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(got.Documents) != 1 || got.Documents[0].Source != "quickmart" {
			t.Errorf("documents: %+v", got.Documents)
		}
		json.NewEncoder(w).Encode(batchResponse{Results: []batchResult{
			{
				Source:     "quickmart",
				Items:      []extract.Candidate{{Name: "Amul Toned Milk 500ml", Price: 29}},
				Confidence: 0.8,
			},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	src := source.Source{ID: "quickmart", BaseURL: "https://quickmart.example"}
	res := c.Extract(context.Background(), testReqs()[0].Markup, src, "milk")
	if res.Err != nil {
		t.Fatalf("Extract: %v", res.Err)
	}
	if len(res.Items) != 1 || res.Items[0].Method != extract.MethodAI {
		t.Errorf("items: %+v", res.Items)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence: got %v", res.Confidence)
	}
}

func TestExtractBatch_TransportFailure(t *testing.T) {
	c := New("http://127.0.0.1:0/extract")
	out := c.ExtractBatch(context.Background(), testReqs(), "milk")
	if len(out) != 2 {
		t.Fatalf("results: got %d, want one per request", len(out))
	}
	for id, res := range out {
		if res.Err == nil {
			t.Errorf("%s: transport failure not reported", id)
		}
	}
}

func TestExtractBatch_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL)
	out := c.ExtractBatch(context.Background(), testReqs(), "milk")
	for id, res := range out {
		if res.Err == nil {
			t.Errorf("%s: 503 not reported as error", id)
		}
	}
}

func TestExtractBatch_MissingSourceInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(batchResponse{Results: []batchResult{
			{Source: "quickmart", Items: []extract.Candidate{{Name: "Milk", Price: 29}}},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	out := c.ExtractBatch(context.Background(), testReqs(), "milk")
	if out["quickmart"].Err != nil {
		t.Errorf("quickmart: %v", out["quickmart"].Err)
	}
	if out["quickmart"].Confidence != defaultConfidence {
		t.Errorf("default confidence not applied: %v", out["quickmart"].Confidence)
	}
	if out["grofast"].Err == nil {
		t.Error("unanswered source not reported as error")
	}
}

func TestExtractBatch_Empty(t *testing.T) {
	c := New("http://unused.example")
	out := c.ExtractBatch(context.Background(), nil, "milk")
	if len(out) != 0 {
		t.Errorf("empty batch produced %d results", len(out))
	}
}
