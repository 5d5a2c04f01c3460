package extract

import (
	"fmt"
	"regexp"
	"time"

	"golang.org/x/net/html"

	"github.com/shopscout/shopscout/source"
)

// LearnedSelector is a cached, replayable extraction rule for one source,
// derived from a high-confidence heuristic match. Replayed first on
// subsequent passes because it is by far the cheapest tier.
type LearnedSelector struct {
	Expr      string
	Successes int
	Failures  int
	// emptyStreak counts consecutive replays that matched nothing; the
	// selector is evicted once it exceeds the configured threshold.
	emptyStreak int
	CreatedAt   time.Time
}

// stableAttrs are identifying attributes preferred over class names when
// deriving a selector: test ids and explicit item identifiers survive
// redesigns that shuffle generated classes.
var stableAttrs = []string{
	"data-testid", "data-test", "data-qa", "data-cy",
	"data-product-id", "data-item-id", "data-sku",
}

// volatileClassRe flags generated class names: CSS-module hashes, utility
// suffixes, anything with digits.
var volatileClassRe = regexp.MustCompile(`\d|__|--[a-z0-9]{4,}$`)

// deriveSelector builds a replayable selector for a container element,
// preferring stable identifying attributes over volatile generated class
// names. Returns "" when nothing trustworthy is available; a bare tag
// selector would match half the page.
func deriveSelector(n *html.Node) string {
	for _, attr := range stableAttrs {
		if v := getAttr(n, attr); v != "" {
			return fmt.Sprintf("%s[%s=%s]", n.Data, attr, v)
		}
	}
	if id := getAttr(n, "id"); id != "" && !volatileClassRe.MatchString(id) {
		return fmt.Sprintf("%s#%s", n.Data, id)
	}
	for _, class := range classList(n) {
		if len(class) < 30 && !volatileClassRe.MatchString(class) {
			return fmt.Sprintf("%s.%s", n.Data, class)
		}
	}
	return ""
}

// selectorFor returns the learned selector for a source, or nil.
func (e *Extractor) selectorFor(sourceID string) *LearnedSelector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectors[sourceID]
}

// learnSelector derives and stores a selector from the best heuristic hit
// when it clears the learning threshold. One selector per source,
// overwritten on change.
func (e *Extractor) learnSelector(sourceID string, hits []hit) {
	var best *hit
	for i := range hits {
		if hits[i].cand.Confidence >= e.cfg.LearnThreshold {
			if best == nil || hits[i].cand.Confidence > best.cand.Confidence {
				best = &hits[i]
			}
		}
	}
	if best == nil {
		return
	}
	expr := deriveSelector(best.container)
	if expr == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.selectors[sourceID]; ok && cur.Expr == expr {
		return
	}
	e.selectors[sourceID] = &LearnedSelector{Expr: expr, CreatedAt: e.now()}
	e.logger.Debug("extract: learned selector", "source", sourceID, "selector", expr)
}

// replaySelector applies a learned selector and updates its counters.
// Eviction happens here: more than cfg.EvictAfterMisses consecutive empty
// replays means the source changed and the rule is stale.
func (e *Extractor) replaySelector(doc *html.Node, sourceID string, sel *LearnedSelector, src source.Source) []Candidate {
	var out []Candidate
	seen := make(map[*html.Node]bool)
	for _, n := range querySelectorAll(doc, sel.Expr) {
		if h, ok := candidateFromContainer(n, src, seen); ok {
			c := h.cand
			c.Method = MethodLearned
			out = append(out, c)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// The table may have been swapped under us; only update the live entry.
	cur, ok := e.selectors[sourceID]
	if !ok || cur.Expr != sel.Expr {
		return out
	}
	if len(out) > 0 {
		cur.Successes++
		cur.emptyStreak = 0
	} else {
		cur.Failures++
		cur.emptyStreak++
		if cur.emptyStreak > e.cfg.EvictAfterMisses {
			delete(e.selectors, sourceID)
			e.logger.Debug("extract: evicted stale selector",
				"source", sourceID, "selector", cur.Expr, "empty_replays", cur.emptyStreak)
		}
	}
	return out
}

// Selectors returns a copy of the learned-selector table, for inspection.
func (e *Extractor) Selectors() map[string]LearnedSelector {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]LearnedSelector, len(e.selectors))
	for id, sel := range e.selectors {
		out[id] = *sel
	}
	return out
}

// SetSelector seeds a learned selector directly. Intended for tests and for
// operators replaying a known-good rule.
func (e *Extractor) SetSelector(sourceID, expr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selectors[sourceID] = &LearnedSelector{Expr: expr, CreatedAt: e.now()}
}
