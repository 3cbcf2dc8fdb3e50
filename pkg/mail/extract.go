package mail

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/html"
)

// DefaultCodePattern matches a standalone 4 to 8 digit verification code.
var DefaultCodePattern = regexp.MustCompile(`\b(\d{4,8})\b`)

// Link is an anchor found in an HTML body.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// ExtractCode returns the first match of pattern in text. When pattern has
// a capture group the first group is returned. A nil pattern means
// DefaultCodePattern.
func ExtractCode(text string, pattern *regexp.Regexp) (string, bool) {
	if pattern == nil {
		pattern = DefaultCodePattern
	}
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	if len(m) > 1 && m[1] != "" {
		return m[1], true
	}
	return m[0], true
}

// ExtractLinks returns every http(s) anchor of an HTML body in document
// order.
func ExtractLinks(rawHTML string) ([]Link, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var links []Link
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
					links = append(links, Link{URL: href, Text: collapse(textOf(n))})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}

// FindLink returns the first link whose URL matches the glob pattern. An
// empty pattern returns the first link.
func FindLink(links []Link, pattern string) (Link, bool, error) {
	if pattern == "" {
		if len(links) == 0 {
			return Link{}, false, nil
		}
		return links[0], true, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return Link{}, false, fmt.Errorf("invalid link pattern '%s': %w", pattern, err)
	}
	for _, l := range links {
		if g.Match(l.URL) {
			return l, true, nil
		}
	}
	return Link{}, false, nil
}

var plainURL = regexp.MustCompile(`https?://[^\s<>"']+`)

// LinksFromMessage returns anchors of the HTML part, falling back to bare
// URLs in the text part.
func LinksFromMessage(msg *Message) ([]Link, error) {
	if msg.HTML != "" {
		links, err := ExtractLinks(msg.HTML)
		if err != nil || len(links) > 0 {
			return links, err
		}
	}
	var links []Link
	for _, u := range plainURL.FindAllString(msg.Text, -1) {
		links = append(links, Link{URL: strings.TrimRight(u, ".,;)")})
	}
	return links, nil
}

// HTMLToText renders the visible text of an HTML body, one line per block
// element, dropping scripts, styles and other noise.
func HTMLToText(rawHTML string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	var b strings.Builder
	renderText(doc, &b)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = collapse(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n"), nil
}

func renderText(n *html.Node, b *strings.Builder) {
	if n.Type == html.CommentNode {
		return
	}
	if n.Type == html.ElementNode && isSkippedElement(n.Data) {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	block := n.Type == html.ElementNode && (isBlockElement(n.Data) || n.Data == "br")
	if block {
		b.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(c, b)
	}
	if block {
		b.WriteString("\n")
	}
}

func textOf(n *html.Node) string {
	var b strings.Builder
	renderText(n, &b)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// isSkippedElement returns true for elements whose content is never shown
func isSkippedElement(tagName string) bool {
	switch strings.ToLower(tagName) {
	case "script", "style", "noscript", "iframe", "embed", "object", "svg", "head":
		return true
	}
	return false
}

// isBlockElement returns true for block-level elements
func isBlockElement(tagName string) bool {
	switch strings.ToLower(tagName) {
	case "div", "p", "section", "article", "header", "footer", "main",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li",
		"table", "tr", "td", "th", "blockquote", "pre":
		return true
	}
	return false
}
