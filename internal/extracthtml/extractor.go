package extracthtml

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseDocument parses a whole HTML document into a queryable tree.
func ParseDocument(src string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ExtractHTML parses src and returns the positionally paired messages.
//
// Missing matches are not treated as errors; Result.Mismatch reports them and
// the returned slice is empty.
func ExtractHTML(src string, opts Options) ([]Pair, Result, error) {
	opts = opts.withDefaults()

	doc, err := ParseDocument(src)
	if err != nil {
		return nil, Result{}, err
	}

	queries, responses := SelectMessages(doc, opts.Selectors, opts.TextSeparator)
	pairs, dropQ, dropR := PairMessages(queries, responses)

	res := Result{
		Pairs:            len(pairs),
		Queries:          len(queries),
		Responses:        len(responses),
		DroppedQueries:   dropQ,
		DroppedResponses: dropR,
		Mismatch:         len(queries) == 0 || len(responses) == 0,
	}
	return pairs, res, nil
}

// SelectMessages evaluates both selectors against doc and returns the
// flattened text of every match, each list in document order.
func SelectMessages(doc *goquery.Document, sels Selectors, sep string) (queries, responses []string) {
	collect := func(selector string) []string {
		var out []string
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			out = append(out, MessageText(s, sep))
		})
		return out
	}
	return collect(sels.Query), collect(sels.Response)
}

// PairMessages zips queries and responses by index.
//
// Pairing is purely positional: the i-th query goes with the i-th response,
// up to the shorter list. Surplus entries of the longer list are discarded
// and only counted. If an export ever orders the two lists differently, pairs
// misalign without notice.
func PairMessages(queries, responses []string) (pairs []Pair, droppedQueries, droppedResponses int) {
	n := min(len(queries), len(responses))

	pairs = make([]Pair, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, Pair{
			Index:    i,
			Query:    queries[i],
			Response: responses[i],
		})
	}
	return pairs, len(queries) - n, len(responses) - n
}

// MessageText flattens the text content of every node in sel.
//
// Each descendant text node is trimmed, empty fragments are dropped, and the
// rest are joined with sep. Comments and the contents of script, style,
// template and ruby annotation elements are not message text.
func MessageText(sel *goquery.Selection, sep string) string {
	var parts []string
	for _, n := range sel.Nodes {
		collectText(n, &parts)
	}
	return strings.Join(parts, sep)
}

func collectText(n *html.Node, parts *[]string) {
	switch n.Type {
	case html.TextNode:
		if s := strings.TrimSpace(n.Data); s != "" {
			*parts = append(*parts, s)
		}
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Template, atom.Rt, atom.Rp:
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}
