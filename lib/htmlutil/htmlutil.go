package htmlutil

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

type Anchor struct {
	Name string
	Url  *url.URL
	// Selection is the anchor element itself, kept so callers can inspect its attributes
	// and ancestors.
	Selection *goquery.Selection
}

var innerWhitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// NormalizeText strips non-printable characters and collapses whitespace.
func NormalizeText(text string) string {
	text = removeNonPrintable(text)
	text = strings.TrimSpace(text)
	text = innerWhitespace.ReplaceAllString(text, " ")
	return text
}

var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:"}

func skipHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// GetAnchors resolves every anchor in `sel` against `base`, anchors with unparsable,
// fragment-only or non-navigational (javascript:, mailto:, ...) hrefs are left out.
func GetAnchors(base *url.URL, sel *goquery.Selection) []Anchor {
	anchors := []Anchor{}
	sel.Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if skipHref(href) {
			return
		}

		link, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			link = base.ResolveReference(link)
		}
		link.Fragment = ""

		name := ""
		if len(a.Nodes) > 0 {
			name = NormalizeText(GetText(a.Nodes[0]))
		}

		anchors = append(anchors, Anchor{
			Name:      name,
			Url:       link,
			Selection: a,
		})
	})

	return anchors
}
