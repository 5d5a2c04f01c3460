// Package extract turns raw, possibly hostile, possibly malformed markup
// into confidence-scored product candidates without hand-maintained
// per-source selectors.
//
// Strategies form a tiered chain, most trustworthy first: learned-selector
// replay, structured product markup (JSON-LD, microdata, OpenGraph),
// embedded hydration-state scanning, and DOM heuristics. Later tiers run
// only while earlier ones are thin. Extraction is pure computation over an
// in-memory document; it never touches the network.
package extract

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopscout/shopscout/source"
)

// Config holds the extractor's tunables. The constants are empirically
// chosen; treat them as configuration, not invariants.
type Config struct {
	// MaxCandidates caps how many candidates one pass returns.
	MaxCandidates int

	// MinConfidence filters the final list.
	MinConfidence float64

	// EnoughCandidates stops tier escalation once this many de-duplicated
	// candidates have accumulated.
	EnoughCandidates int

	// LearnThreshold is the heuristic confidence at which a selector is
	// derived and cached.
	LearnThreshold float64

	// EvictAfterMisses evicts a learned selector after more than this many
	// consecutive empty replays.
	EvictAfterMisses int

	// FingerprintDepth bounds the structural fingerprint traversal.
	FingerprintDepth int
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		MaxCandidates:    15,
		MinConfidence:    0.5,
		EnoughCandidates: 5,
		LearnThreshold:   0.8,
		EvictAfterMisses: 3,
		FingerprintDepth: 10,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.EnoughCandidates <= 0 {
		c.EnoughCandidates = d.EnoughCandidates
	}
	if c.LearnThreshold <= 0 {
		c.LearnThreshold = d.LearnThreshold
	}
	if c.EvictAfterMisses <= 0 {
		c.EvictAfterMisses = d.EvictAfterMisses
	}
	if c.FingerprintDepth <= 0 {
		c.FingerprintDepth = d.FingerprintDepth
	}
}

// Extractor runs the tiered strategy chain and maintains the per-source
// learned-selector table. Safe for concurrent use; the selector table is
// the only mutable state and is guarded by a mutex.
type Extractor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	selectors map[string]*LearnedSelector
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithConfig overrides the tunables.
func WithConfig(cfg Config) Option {
	return func(e *Extractor) { e.cfg = cfg }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(e *Extractor) { e.now = fn }
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		now:       time.Now,
		selectors: make(map[string]*LearnedSelector),
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg.defaults()
	return e
}

// Extract runs the tiered chain over markup for one source. It returns at
// most MaxCandidates candidates, de-duplicated by normalized name, sorted
// by descending confidence with discovery order as the tie-break, filtered
// to MinConfidence — plus the document's structural fingerprint.
//
// Deterministic: identical markup and source metadata produce an identical
// ordered list.
func (e *Extractor) Extract(markup []byte, src source.Source) ([]Candidate, string) {
	doc := parseDoc(markup)
	if doc == nil {
		return nil, ""
	}
	fp := Fingerprint(doc, e.cfg.FingerprintDepth)

	var found []Candidate

	// Tier 1: learned-selector replay, the cheapest path.
	if sel := e.selectorFor(src.ID); sel != nil {
		found = append(found, e.replaySelector(doc, src.ID, sel, src)...)
	}

	// Tier 2: markup the page itself labels as product data. Always reached
	// when the learned tier under-produces.
	if len(e.finalize(found)) < e.cfg.EnoughCandidates {
		found = append(found, extractStructured(doc, src)...)
	}

	// Tier 3: hydration-state payloads.
	if len(e.finalize(found)) < e.cfg.EnoughCandidates {
		found = append(found, extractEmbeddedState(doc, src)...)
	}

	// Tier 4: DOM heuristics, plus selector learning from strong hits.
	if len(e.finalize(found)) < e.cfg.EnoughCandidates {
		hits := extractHeuristics(doc, src)
		for _, h := range hits {
			found = append(found, h.cand)
		}
		e.learnSelector(src.ID, hits)
	}

	out := e.finalize(found)
	e.logger.Debug("extract: pass complete",
		"source", src.ID, "raw", len(found), "returned", len(out), "fingerprint", fp)
	return out, fp
}

// finalize applies the output contract: clamp confidences, drop anything
// under the floor, de-duplicate by normalized name keeping the most
// confident occurrence, order deterministically, cap the list.
func (e *Extractor) finalize(found []Candidate) []Candidate {
	if len(found) == 0 {
		return nil
	}

	type indexed struct {
		c   Candidate
		idx int
	}
	items := make([]indexed, 0, len(found))
	for i, c := range found {
		c.Confidence = clamp01(c.Confidence)
		if c.Confidence < e.cfg.MinConfidence {
			continue
		}
		items = append(items, indexed{c: c, idx: i})
	}

	sort.SliceStable(items, func(a, b int) bool {
		if items[a].c.Confidence != items[b].c.Confidence {
			return items[a].c.Confidence > items[b].c.Confidence
		}
		return items[a].idx < items[b].idx
	})

	seen := make(map[string]bool, len(items))
	out := make([]Candidate, 0, e.cfg.MaxCandidates)
	for _, it := range items {
		key := normalizeName(it.c.Name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it.c)
		if len(out) == e.cfg.MaxCandidates {
			break
		}
	}
	return out
}

// Finalize applies the output contract to candidates produced outside the
// tier chain: native API integrations and the AI tier.
func (e *Extractor) Finalize(cands []Candidate) []Candidate {
	return e.finalize(cands)
}

// AverageConfidence over a candidate list; 0 for an empty list.
func AverageConfidence(cands []Candidate) float64 {
	if len(cands) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range cands {
		sum += c.Confidence
	}
	return sum / float64(len(cands))
}
