package extract

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/shopscout/shopscout/source"
)

// confState applies to hydration-payload matches: strongly product-shaped
// but not explicitly labeled by the page.
const confState = 0.85

// stateWindow is how far past a matched name key the scan looks for a
// price-shaped sibling key.
const stateWindow = 600

var nameKeyRe = regexp.MustCompile(`"(?:name|title|product_name|productName|display_name|displayName|item_name|itemName)"\s*:\s*"((?:[^"\\]|\\.)+)"`)

var priceKeyRe = regexp.MustCompile(`"(?:price|selling_price|sellingPrice|sale_price|salePrice|offer_price|offerPrice|final_price|finalPrice|discounted_price|discountedPrice)"\s*:\s*"?([0-9]+(?:\.[0-9]+)?)`)

var mrpKeyRe = regexp.MustCompile(`"(?:mrp|original_price|originalPrice|list_price|listPrice|strike_price|strikePrice|max_retail_price)"\s*:\s*"?([0-9]+(?:\.[0-9]+)?)`)

var imageKeyRe = regexp.MustCompile(`"(?:image|image_url|imageUrl|img|thumbnail)"\s*:\s*"((?:[^"\\]|\\.)+)"`)

var urlKeyRe = regexp.MustCompile(`"(?:url|deeplink|product_url|productUrl|slug|link)"\s*:\s*"((?:[^"\\]|\\.)+)"`)

// extractEmbeddedState scans inlined application-state payloads
// (__NEXT_DATA__, window.__INITIAL_STATE__, and friends) for name+price
// shaped key pairs. It works on the raw script text with structural pattern
// matching; full JSON decoding is wasted effort on multi-megabyte blobs
// that are mostly not product data.
func extractEmbeddedState(doc *html.Node, src source.Source) []Candidate {
	var out []Candidate
	walkElements(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.Script {
			return true
		}
		typ := strings.ToLower(getAttr(n, "type"))
		if typ == "application/ld+json" { // handled by the structured tier
			return false
		}
		if n.FirstChild == nil {
			return false
		}
		body := n.FirstChild.Data
		if len(body) < 32 || !strings.Contains(body, "{") {
			return false
		}
		out = append(out, scanStatePayload(body, src)...)
		return false
	})
	return out
}

func scanStatePayload(body string, src source.Source) []Candidate {
	var out []Candidate
	for _, loc := range nameKeyRe.FindAllStringSubmatchIndex(body, -1) {
		name, ok := unescapeJSON(body[loc[2]:loc[3]])
		if !ok || !validName(name) {
			continue
		}

		end := loc[1] + stateWindow
		if end > len(body) {
			end = len(body)
		}
		window := body[loc[1]:end]

		pm := priceKeyRe.FindStringSubmatch(window)
		if pm == nil {
			continue
		}
		price, ok := parseAmount(pm[1])
		if !ok || !validPrice(price) {
			continue
		}

		c := Candidate{
			Name:       strings.TrimSpace(name),
			Price:      price,
			Confidence: confState,
			Method:     MethodState,
		}
		if mm := mrpKeyRe.FindStringSubmatch(window); mm != nil {
			if mrp, ok := parseAmount(mm[1]); ok && acceptOriginal(price, mrp) {
				c.OriginalPrice = mrp
			}
		}
		if im := imageKeyRe.FindStringSubmatch(window); im != nil {
			if u, ok := unescapeJSON(im[1]); ok && looksLikeImageURL(u) {
				c.ImageURL = src.ResolveURL(u)
			}
		}
		if um := urlKeyRe.FindStringSubmatch(window); um != nil {
			if u, ok := unescapeJSON(um[1]); ok && strings.ContainsAny(u, "/") {
				c.DetailURL = src.ResolveURL(u)
			}
		}
		out = append(out, c)
	}
	return out
}

// unescapeJSON decodes the escapes inside a JSON string literal body.
func unescapeJSON(s string) (string, bool) {
	if !strings.ContainsRune(s, '\\') {
		return s, true
	}
	unquoted, err := strconv.Unquote(`"` + s + `"`)
	if err != nil {
		return "", false
	}
	return unquoted, true
}

func looksLikeImageURL(u string) bool {
	u = strings.ToLower(u)
	if !strings.HasPrefix(u, "http") && !strings.HasPrefix(u, "//") && !strings.HasPrefix(u, "/") {
		return false
	}
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".webp", ".avif", ".gif"} {
		if strings.Contains(u, ext) {
			return true
		}
	}
	// CDN image paths frequently omit extensions.
	return strings.Contains(u, "image") || strings.Contains(u, "/img/") || strings.Contains(u, "cdn")
}
