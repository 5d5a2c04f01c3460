package extract

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// maxFingerprintClasses bounds how many class names feed each token.
const maxFingerprintClasses = 3

// Fingerprint hashes the document's tag/class skeleton: a depth-bounded
// traversal emitting "tag[class,class]" tokens, independent of text content.
// Two renders of the same template with different products fingerprint
// identically; a redesign does not.
func Fingerprint(doc *html.Node, maxDepth int) string {
	if doc == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node, int)
	walk = func(n *html.Node, depth int) {
		if depth > maxDepth {
			return
		}
		if n.Type == html.ElementNode {
			b.WriteString(n.Data)
			if classes := classList(n); len(classes) > 0 {
				if len(classes) > maxFingerprintClasses {
					classes = classes[:maxFingerprintClasses]
				}
				sorted := append([]string(nil), classes...)
				sort.Strings(sorted)
				b.WriteByte('[')
				b.WriteString(strings.Join(sorted, ","))
				b.WriteByte(']')
			}
			b.WriteByte(';')
			depth++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth)
		}
	}
	walk(doc, 0)

	h := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", h[:16]) // 128-bit fingerprint is enough
}
