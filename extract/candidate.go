package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Extraction method tags attached to candidates.
const (
	MethodLearned    = "learned-selector"
	MethodStructured = "structured-data"
	MethodState      = "embedded-state"
	MethodHeuristic  = "dom-heuristic"
	MethodAI         = "ai"
)

// Candidate is one product found in markup. Immutable value: once returned
// the caller owns it, there is no backreference into the document.
type Candidate struct {
	Name string `json:"name"`

	// Price in currency units.
	Price float64 `json:"price"`

	// OriginalPrice is the pre-discount price, 0 when absent. Only accepted
	// when strictly greater than, and at most 3x, the selling price.
	OriginalPrice float64 `json:"original_price,omitempty"`

	ImageURL  string `json:"image_url,omitempty"`
	DetailURL string `json:"detail_url,omitempty"`

	// Confidence in [0,1]: how certain the extraction strategy is that this
	// is genuine product data.
	Confidence float64 `json:"confidence"`

	// Method is the extraction method tag.
	Method string `json:"method"`
}

// Price sanity bounds, in currency units.
const (
	minPrice = 1
	maxPrice = 50000
)

// uiChromeRe rejects names that are really page chrome: button labels,
// navigation, status text, and similar.
var uiChromeRe = regexp.MustCompile(`(?i)^(add to cart|add\+?|buy now|shop now|view (all|more|cart)|see (all|more)|search results?|showing results?|no results?( found)?|log ?in|sign ?(in|up)|notify me|out of stock|sold out|filters?|sort by|home|menu|back|next|previous|categories|my (cart|orders|account)|free delivery|delivery in .*)$`)

// durationRe rejects bare duration strings ("10-15 mins", "8 MINS") that
// quick-commerce grids scatter next to products.
var durationRe = regexp.MustCompile(`(?i)^\d+\s*[-–]?\s*\d*\s*(mins?|minutes?|hrs?|hours?|days?)\.?$`)

// validName applies the name sanity rules: length within [3,150] runes,
// at least one letter, not a UI-chrome phrase, not a bare duration.
func validName(name string) bool {
	name = strings.TrimSpace(name)
	n := len([]rune(name))
	if n < 3 || n > 150 {
		return false
	}
	hasLetter := false
	for _, r := range name {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return false
	}
	if uiChromeRe.MatchString(name) || durationRe.MatchString(name) {
		return false
	}
	return true
}

func validPrice(p float64) bool {
	return p >= minPrice && p <= maxPrice
}

// acceptOriginal decides whether a second amount qualifies as the original
// (pre-discount) price for the given selling price.
func acceptOriginal(price, original float64) bool {
	return original > price && original <= 3*price
}

// amountRe matches currency-formatted amounts: a recognised currency marker
// followed by digits with optional Indian or western grouping and decimals.
// The grouped alternative requires at least one comma group, otherwise it
// would win on plain digit runs and cut them off at three digits.
var amountRe = regexp.MustCompile(`(?:₹|Rs\.?\s*|INR\s+|MRP\s*:?\s*₹?|\$|€|£)\s*([0-9]{1,3}(?:,[0-9]{2,3})+(?:\.[0-9]{1,2})?|[0-9]+(?:\.[0-9]{1,2})?)`)

// findAmounts returns every currency-formatted amount in the text, in
// document order. Bare numbers without a currency marker are ignored; too
// much of a product grid is numeric (weights, counts, ratings) to trust
// them.
func findAmounts(text string) []float64 {
	matches := amountRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		if v, ok := parseAmount(m[1]); ok {
			out = append(out, v)
		}
	}
	return out
}

// parseAmount parses a numeric amount string, tolerating grouping commas.
func parseAmount(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parsePrice extracts the first plausible price from arbitrary text, with or
// without a currency marker.
func parsePrice(text string) (float64, bool) {
	if amounts := findAmounts(text); len(amounts) > 0 {
		if validPrice(amounts[0]) {
			return amounts[0], true
		}
		return 0, false
	}
	v, ok := parseAmount(strings.TrimSpace(text))
	if !ok || !validPrice(v) {
		return 0, false
	}
	return v, true
}

// normalizeName produces the dedup key for a candidate name: lowercase,
// punctuation stripped, whitespace collapsed.
func normalizeName(name string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
