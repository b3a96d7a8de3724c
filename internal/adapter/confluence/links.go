package confluence

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"onboarding/apps/backend/internal/text"
)

var (
	pagePathPattern  = regexp.MustCompile(`/pages/(\d+)`)
	pageQueryPattern = regexp.MustCompile(`[?&]pageId=(\d+)`)
)

// minRawIDLen keeps short numbers in prose ("3 modules") from being read as
// page ids.
const minRawIDLen = 5

// ExtractPageIDs finds page ids referenced by s: /pages/{id} and pageId=
// links, in anchors or plain text, and bare numeric ids. Order of first
// appearance is kept and duplicates are dropped.
func ExtractPageIDs(s string) []string {
	var ids []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	scanLinks := func(text string) {
		for _, m := range pagePathPattern.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
		for _, m := range pageQueryPattern.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
	}

	plain := s
	if strings.Contains(s, "<") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
				href, _ := a.Attr("href")
				scanLinks(href)
			})
		}
		if cleaned, err := text.CleanHTML(s); err == nil {
			plain = cleaned
		}
	}

	scanLinks(plain)
	for _, field := range strings.FieldsFunc(plain, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == '(' || r == ')'
	}) {
		field = strings.TrimRight(field, ".:")
		if len(field) >= minRawIDLen && isDigits(field) {
			add(field)
		}
	}
	return ids
}

// ParsePageRef turns a linked page entry, either a page URL or a bare id,
// into a page id.
func ParsePageRef(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref != "" && isDigits(ref) {
		return ref, true
	}
	if m := pagePathPattern.FindStringSubmatch(ref); m != nil {
		return m[1], true
	}
	if m := pageQueryPattern.FindStringSubmatch(ref); m != nil {
		return m[1], true
	}
	return "", false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
