package extracthtml

import (
	"fmt"
	"io"

	"github.com/PuerkitoBio/goquery"
)

// DebugPrintSelector prints either outer HTML or flattened text of every match
// for selector, each followed by a blank line. Text is flattened exactly as
// MessageText does with sep. It returns the match count.
//
// This backs the inspect_html command, used to find the right class names
// when the default selectors do not fit an export.
func DebugPrintSelector(w io.Writer, src, selector string, textOnly bool, sep string) (int, error) {
	if err := validateSelector("selector", selector); err != nil {
		return 0, err
	}
	doc, err := ParseDocument(src)
	if err != nil {
		return 0, err
	}

	var werr error
	matches := doc.Find(selector)
	matches.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var block string
		if textOnly {
			block = MessageText(s, sep)
		} else if out, err := goquery.OuterHtml(s); err == nil {
			block = out
		} else {
			block, _ = s.Html()
		}
		_, werr = fmt.Fprintf(w, "%s\n\n", block)
		return werr == nil
	})
	if werr != nil {
		return 0, fmt.Errorf("write match: %w", werr)
	}
	return matches.Length(), nil
}
