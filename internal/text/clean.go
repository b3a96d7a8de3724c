package text

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const blockElements = "p, div, section, article, h1, h2, h3, h4, h5, h6, li, tr, pre, blockquote, table, ul, ol, dt, dd"

// Storage-format nodes whose text is configuration, not content.
var droppedNodes = map[string]bool{
	"ac:parameter":   true,
	"ac:placeholder": true,
	"ri:attachment":  true,
}

// CleanHTML converts Confluence storage-format markup into plain text with one
// line per block element.
func CleanHTML(storage string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(storage))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, noscript").Remove()
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if droppedNodes[goquery.NodeName(s)] {
			s.Remove()
		}
	})

	doc.Find("br").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithNodes(textNode("\n"))
	})
	doc.Find("td, th").Each(func(_ int, s *goquery.Selection) {
		s.AppendNodes(textNode(" "))
	})
	doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.PrependNodes(textNode("\n"))
		s.AppendNodes(textNode("\n"))
	})

	return NormalizeWhitespace(doc.Text()), nil
}

// NormalizeWhitespace collapses runs of blanks inside lines and drops empty lines.
func NormalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func textNode(data string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: data}
}
