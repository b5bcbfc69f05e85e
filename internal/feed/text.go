package feed

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PlainText strips markup from a notice body and collapses whitespace.
func PlainText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return strings.Join(strings.Fields(html), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.Join(strings.Fields(html), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
