package extract

import (
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/shopscout/shopscout/source"
)

// confStructured applies to semantic product markup: the source explicitly
// labeled this as product data.
const confStructured = 0.95

// extractStructured pulls candidates from markup the page itself labels as
// product data: JSON-LD Product/ItemList blocks, microdata itemprops, and
// social-preview (OpenGraph) product metadata.
func extractStructured(doc *html.Node, src source.Source) []Candidate {
	var out []Candidate
	out = append(out, extractJSONLD(doc, src)...)
	out = append(out, extractMicrodata(doc, src)...)
	out = append(out, extractOpenGraph(doc, src)...)
	return out
}

// --- JSON-LD ---

func extractJSONLD(doc *html.Node, src source.Source) []Candidate {
	var out []Candidate
	walkElements(doc, func(n *html.Node) bool {
		if n.DataAtom == atom.Script && strings.EqualFold(getAttr(n, "type"), "application/ld+json") {
			if n.FirstChild != nil {
				out = append(out, parseJSONLD(n.FirstChild.Data, src)...)
			}
			return false
		}
		return true
	})
	return out
}

func parseJSONLD(raw string, src source.Source) []Candidate {
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil
	}
	var out []Candidate
	collectLDNodes(data, func(obj map[string]any) {
		if c, ok := candidateFromLDProduct(obj, src); ok {
			out = append(out, c)
		}
	})
	return out
}

// collectLDNodes walks a decoded JSON-LD value: top-level arrays, @graph
// containers, ItemList elements, and nested item wrappers.
func collectLDNodes(data any, visit func(map[string]any)) {
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			collectLDNodes(item, visit)
		}
	case map[string]any:
		visit(v)
		if graph, ok := v["@graph"]; ok {
			collectLDNodes(graph, visit)
		}
		if elems, ok := v["itemListElement"]; ok {
			collectLDNodes(elems, visit)
		}
		if item, ok := v["item"]; ok {
			collectLDNodes(item, visit)
		}
	}
}

func candidateFromLDProduct(obj map[string]any, src source.Source) (Candidate, bool) {
	if !strings.EqualFold(ldString(obj["@type"]), "Product") {
		return Candidate{}, false
	}
	name := strings.TrimSpace(ldString(obj["name"]))
	if !validName(name) {
		return Candidate{}, false
	}

	price, original := ldOffer(obj["offers"])
	if price == 0 {
		price, _ = ldFloat(obj["price"])
	}
	if !validPrice(price) {
		return Candidate{}, false
	}

	c := Candidate{
		Name:       name,
		Price:      price,
		ImageURL:   src.ResolveURL(ldString(obj["image"])),
		DetailURL:  src.ResolveURL(ldString(obj["url"])),
		Confidence: confStructured,
		Method:     MethodStructured,
	}
	if acceptOriginal(price, original) {
		c.OriginalPrice = original
	}
	return c, true
}

// ldOffer extracts (price, originalPrice) from a JSON-LD offers value, which
// may be an object, an array of objects, or absent.
func ldOffer(offers any) (price, original float64) {
	switch v := offers.(type) {
	case []any:
		if len(v) > 0 {
			return ldOffer(v[0])
		}
	case map[string]any:
		if p, ok := ldFloat(v["price"]); ok {
			price = p
		} else if p, ok := ldFloat(v["lowPrice"]); ok {
			price = p
		}
		// Some feeds carry the strikethrough price alongside.
		for _, key := range []string{"highPrice", "listPrice", "originalPrice"} {
			if o, ok := ldFloat(v[key]); ok && o > 0 {
				original = o
				break
			}
		}
	}
	return price, original
}

// ldString extracts a string from a JSON-LD value that may be a string, an
// array of strings, or an object with @id/url.
func ldString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		if len(s) > 0 {
			return ldString(s[0])
		}
	case map[string]any:
		if id, ok := s["@id"].(string); ok {
			return id
		}
		if u, ok := s["url"].(string); ok {
			return u
		}
	}
	return ""
}

func ldFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		return parseAmount(n)
	}
	return 0, false
}

// --- microdata ---

func extractMicrodata(doc *html.Node, src source.Source) []Candidate {
	var out []Candidate
	walkElements(doc, func(n *html.Node) bool {
		if hasAttr(n, "itemscope") && strings.Contains(getAttr(n, "itemtype"), "schema.org/Product") {
			if c, ok := candidateFromItemscope(n, src); ok {
				out = append(out, c)
			}
			return false // nested products are rare and usually variants
		}
		return true
	})
	return out
}

func candidateFromItemscope(scope *html.Node, src source.Source) (Candidate, bool) {
	name := strings.TrimSpace(itempropValue(scope, "name"))
	if !validName(name) {
		return Candidate{}, false
	}
	price, ok := parseAmount(strings.TrimSpace(itempropValue(scope, "price")))
	if !ok {
		price, ok = parsePrice(itempropValue(scope, "price"))
	}
	if !ok || !validPrice(price) {
		return Candidate{}, false
	}

	c := Candidate{
		Name:       name,
		Price:      price,
		ImageURL:   src.ResolveURL(itempropValue(scope, "image")),
		DetailURL:  src.ResolveURL(itempropValue(scope, "url")),
		Confidence: confStructured,
		Method:     MethodStructured,
	}
	return c, true
}

// itempropValue finds the first itemprop=name descendant and returns its
// value: content attr for meta, src for images, href for links, text
// otherwise.
func itempropValue(scope *html.Node, prop string) string {
	n := firstElement(scope, func(n *html.Node) bool {
		return getAttr(n, "itemprop") == prop
	})
	if n == nil {
		return ""
	}
	if content := getAttr(n, "content"); content != "" {
		return content
	}
	switch n.DataAtom {
	case atom.Img:
		return getAttr(n, "src")
	case atom.A, atom.Link:
		return getAttr(n, "href")
	}
	return collectText(n)
}

// --- OpenGraph product metadata ---

func extractOpenGraph(doc *html.Node, src source.Source) []Candidate {
	meta := make(map[string]string)
	walkElements(doc, func(n *html.Node) bool {
		if n.DataAtom == atom.Meta {
			key := getAttr(n, "property")
			if key == "" {
				key = getAttr(n, "name")
			}
			if strings.HasPrefix(key, "og:") || strings.HasPrefix(key, "product:") {
				if _, seen := meta[key]; !seen {
					meta[key] = getAttr(n, "content")
				}
			}
		}
		return true
	})

	name := strings.TrimSpace(meta["og:title"])
	if !validName(name) {
		return nil
	}
	priceStr := meta["product:price:amount"]
	if priceStr == "" {
		priceStr = meta["og:price:amount"]
	}
	price, ok := parseAmount(priceStr)
	if !ok || !validPrice(price) {
		return nil
	}

	c := Candidate{
		Name:       name,
		Price:      price,
		ImageURL:   src.ResolveURL(meta["og:image"]),
		DetailURL:  src.ResolveURL(meta["og:url"]),
		Confidence: confStructured,
		Method:     MethodStructured,
	}
	return []Candidate{c}
}
