package extract

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/shopscout/shopscout/source"
)

// Compositional confidence bonuses for heuristic matches. A candidate needs
// a valid name and price to exist at all, so heuristic confidence starts at
// 0.6 and tops out at 1.0.
const (
	bonusName  = 0.3
	bonusPrice = 0.3
	bonusImage = 0.2
	bonusLink  = 0.2
)

// hit is a heuristic candidate still attached to its container, so the
// selector learner can derive a replayable rule from it.
type hit struct {
	cand      Candidate
	container *html.Node
}

// detailHrefRe matches common product-detail URL shapes: a path segment
// marking a product page, usually with an id or slug.
var detailHrefRe = regexp.MustCompile(`(?i)(/(?:product|products|item|items|p|pd|prn|dp|prod)/[^\s"']+|[-/]p[-/]\d+|[?&](?:pid|product_id|skuId)=)`)

// extractHeuristics runs the three DOM sub-strategies: repeated-structure
// grids, price-image proximity, and detail-link pattern matching. All three
// run; containers already claimed by an earlier sub-strategy are skipped.
func extractHeuristics(doc *html.Node, src source.Source) []hit {
	seen := make(map[*html.Node]bool)
	var out []hit

	for _, n := range repeatedStructures(doc) {
		if h, ok := candidateFromContainer(n, src, seen); ok {
			out = append(out, h)
		}
	}
	for _, n := range priceImageContainers(doc) {
		if h, ok := candidateFromContainer(n, src, seen); ok {
			out = append(out, h)
		}
	}
	for _, n := range detailLinkContainers(doc) {
		if h, ok := candidateFromContainer(n, src, seen); ok {
			out = append(out, h)
		}
	}
	return out
}

// --- sub-strategy a: repeated-structure detection ---

// structuralSignature groups siblings that render the same component: same
// tag, same child count, same leading classes.
func structuralSignature(n *html.Node) string {
	classes := classList(n)
	if len(classes) > 2 {
		classes = classes[:2]
	}
	return fmt.Sprintf("%s#%d.%s", n.Data, childElementCount(n), strings.Join(classes, "."))
}

// repeatedStructures finds groups of >= 3 structurally identical siblings
// that each contain both a currency-formatted amount and an image: the
// shape of a product grid.
func repeatedStructures(doc *html.Node) []*html.Node {
	var out []*html.Node
	walkElements(doc, func(parent *html.Node) bool {
		groups := make(map[string][]*html.Node)
		var order []string // first-seen signature order keeps output deterministic
		for c := parent.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			sig := structuralSignature(c)
			if _, ok := groups[sig]; !ok {
				order = append(order, sig)
			}
			groups[sig] = append(groups[sig], c)
		}
		for _, sig := range order {
			members := groups[sig]
			if len(members) < 3 {
				continue
			}
			qualified := 0
			for _, m := range members {
				if len(findAmounts(collectText(m))) > 0 && hasProductImage(m) {
					qualified++
				}
			}
			if qualified < 3 {
				continue
			}
			for _, m := range members {
				out = append(out, m)
			}
		}
		return true
	})
	return out
}

// --- sub-strategy b: price-image proximity ---

// priceImageContainers finds, for each plausible product image, the smallest
// enclosing container that also contains a currency-formatted amount.
func priceImageContainers(doc *html.Node) []*html.Node {
	var out []*html.Node
	walkElements(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.Img || !plausibleProductImage(n) {
			return true
		}
		container := n.Parent
		for depth := 0; container != nil && depth < 6; depth++ {
			if len(findAmounts(collectText(container))) > 0 {
				out = append(out, container)
				break
			}
			container = container.Parent
		}
		return true
	})
	return out
}

func plausibleProductImage(img *html.Node) bool {
	src := imageSrc(img)
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	for _, noise := range []string{"logo", "sprite", "icon", "banner", "placeholder", "avatar", ".svg"} {
		if strings.Contains(lower, noise) {
			return false
		}
	}
	return true
}

func imageSrc(img *html.Node) string {
	for _, key := range []string{"src", "data-src", "data-lazy-src", "srcset"} {
		if v := getAttr(img, key); v != "" {
			// srcset: take the first URL.
			if key == "srcset" {
				v = strings.Fields(v)[0]
			}
			return v
		}
	}
	return ""
}

func hasProductImage(n *html.Node) bool {
	img := firstElement(n, func(e *html.Node) bool {
		return e.DataAtom == atom.Img && imageSrc(e) != ""
	})
	return img != nil
}

// --- sub-strategy c: detail-link pattern matching ---

// detailLinkContainers scans for anchors whose href matches a product-detail
// URL shape and returns an enclosing container with a price, falling back to
// the anchor itself.
func detailLinkContainers(doc *html.Node) []*html.Node {
	var out []*html.Node
	walkElements(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.A || !detailHrefRe.MatchString(getAttr(n, "href")) {
			return true
		}
		container := n
		for depth := 0; depth < 4; depth++ {
			if len(findAmounts(collectText(container))) > 0 {
				break
			}
			if container.Parent == nil {
				break
			}
			container = container.Parent
		}
		out = append(out, container)
		return false // anchors inside anchors do not happen in valid HTML
	})
	return out
}

// --- candidate assembly ---

// candidateFromContainer builds a validated candidate from a container
// element. Containers (or their ancestors) already claimed by a previous
// hit are skipped so overlapping sub-strategies do not double-report.
func candidateFromContainer(n *html.Node, src source.Source, seen map[*html.Node]bool) (hit, bool) {
	if seen[n] {
		return hit{}, false
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if seen[p] {
			return hit{}, false
		}
	}

	name := containerName(n)
	if !validName(name) {
		return hit{}, false
	}

	amounts := findAmounts(collectText(n))
	if len(amounts) == 0 || !validPrice(amounts[0]) {
		return hit{}, false
	}
	price := amounts[0]

	conf := bonusName + bonusPrice
	c := Candidate{
		Name:   strings.TrimSpace(name),
		Price:  price,
		Method: MethodHeuristic,
	}

	for _, a := range amounts[1:] {
		if acceptOriginal(price, a) {
			c.OriginalPrice = a
			break
		}
	}

	if img := firstElement(n, func(e *html.Node) bool {
		return e.DataAtom == atom.Img && plausibleProductImage(e)
	}); img != nil {
		c.ImageURL = src.ResolveURL(imageSrc(img))
		conf += bonusImage
	}

	if a := firstElement(n, func(e *html.Node) bool {
		return e.DataAtom == atom.A && getAttr(e, "href") != ""
	}); a != nil {
		c.DetailURL = src.ResolveURL(getAttr(a, "href"))
		conf += bonusLink
	}

	c.Confidence = clamp01(conf)
	seen[n] = true
	return hit{cand: c, container: n}, true
}

// containerName picks the most name-shaped text in a container: an element
// whose class says it is the name, then a heading, then an image alt, then
// an anchor's text.
func containerName(n *html.Node) string {
	if e := firstElement(n, func(e *html.Node) bool {
		for _, c := range classList(e) {
			lc := strings.ToLower(c)
			if strings.Contains(lc, "name") || strings.Contains(lc, "title") {
				return true
			}
		}
		return false
	}); e != nil {
		if text := collectText(e); validName(text) {
			return text
		}
	}

	if h := firstElement(n, func(e *html.Node) bool {
		switch e.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			return true
		}
		return false
	}); h != nil {
		if text := collectText(h); validName(text) {
			return text
		}
	}

	if img := firstElement(n, func(e *html.Node) bool {
		return e.DataAtom == atom.Img && validName(getAttr(e, "alt"))
	}); img != nil {
		return getAttr(img, "alt")
	}

	if a := firstElement(n, func(e *html.Node) bool {
		return e.DataAtom == atom.A && validName(collectText(e))
	}); a != nil {
		return collectText(a)
	}
	return ""
}
