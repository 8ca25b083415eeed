package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/pagesmith/crawler/internal/crawler"
)

// renderMarkdown walks the selection's nodes and emits a markdown rendition
// of the visible content. The dialect is deliberately plain: ATX headings,
// fenced code blocks, pipe tables, and inline emphasis/links.
func renderMarkdown(sel *goquery.Selection, baseURL string) string {
	var r markdownRenderer
	r.baseURL = baseURL
	for _, node := range sel.Nodes {
		r.walk(node)
	}
	return tidyMarkdown(r.sb.String())
}

type markdownRenderer struct {
	sb        strings.Builder
	baseURL   string
	listDepth int
	ordinal   []int
}

var skippedElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"iframe":   {},
	"svg":      {},
	"head":     {},
}

func (r *markdownRenderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.writeText(n.Data)
		return
	case html.ElementNode:
		if _, skip := skippedElements[n.Data]; skip {
			return
		}
		r.element(n)
		return
	}
	r.children(n)
}

func (r *markdownRenderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
}

func (r *markdownRenderer) element(n *html.Node) {
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(n.Data[1] - '0')
		r.block()
		r.sb.WriteString(strings.Repeat("#", level) + " ")
		r.children(n)
		r.newline()
	case "p", "div", "section", "article", "main", "header", "footer", "aside", "nav", "figure", "figcaption":
		r.block()
		r.children(n)
		r.newline()
	case "br":
		r.newline()
	case "hr":
		r.block()
		r.sb.WriteString("---")
		r.newline()
	case "strong", "b":
		r.inlineWrap(n, "**")
	case "em", "i":
		r.inlineWrap(n, "*")
	case "code":
		// Inline code only; block code is handled by pre.
		r.sb.WriteString("`" + textOf(n) + "`")
	case "pre":
		r.block()
		r.sb.WriteString("```\n")
		r.sb.WriteString(strings.TrimRight(textOf(n), "\n"))
		r.sb.WriteString("\n```")
		r.newline()
	case "blockquote":
		r.block()
		quoted := strings.TrimSpace(textOf(n))
		for _, line := range strings.Split(quoted, "\n") {
			r.sb.WriteString("> " + strings.TrimSpace(line) + "\n")
		}
	case "a":
		r.anchor(n)
	case "img":
		r.image(n)
	case "ul", "ol":
		r.list(n)
	case "li":
		// Reached only for stray li outside a list.
		r.block()
		r.sb.WriteString("- ")
		r.children(n)
		r.newline()
	case "table":
		r.table(n)
	default:
		r.children(n)
	}
}

func (r *markdownRenderer) anchor(n *html.Node) {
	href := crawler.ResolveLink(attr(n, "href"), r.baseURL)
	text := strings.TrimSpace(textOf(n))
	switch {
	case text == "" && href == "":
	case href == "":
		r.sb.WriteString(text)
	case text == "":
		r.sb.WriteString(fmt.Sprintf("[%s](%s)", href, href))
	default:
		r.sb.WriteString(fmt.Sprintf("[%s](%s)", text, href))
	}
}

func (r *markdownRenderer) image(n *html.Node) {
	src := crawler.ResolveLink(attr(n, "src"), r.baseURL)
	if src == "" {
		return
	}
	r.sb.WriteString(fmt.Sprintf("![%s](%s)", attr(n, "alt"), src))
}

func (r *markdownRenderer) list(n *html.Node) {
	ordered := n.Data == "ol"
	if r.listDepth == 0 {
		r.block()
	} else {
		r.newline()
	}
	r.listDepth++
	r.ordinal = append(r.ordinal, 0)
	indent := strings.Repeat("  ", r.listDepth-1)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "li" {
			continue
		}
		r.ordinal[len(r.ordinal)-1]++
		if ordered {
			r.sb.WriteString(fmt.Sprintf("%s%d. ", indent, r.ordinal[len(r.ordinal)-1]))
		} else {
			r.sb.WriteString(indent + "- ")
		}
		r.listItem(c)
		r.newline()
	}
	r.ordinal = r.ordinal[:len(r.ordinal)-1]
	r.listDepth--
}

// listItem renders li children inline except nested lists.
func (r *markdownRenderer) listItem(li *html.Node) {
	for c := li.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "ul" || c.Data == "ol") {
			r.list(c)
			continue
		}
		r.walk(c)
	}
}

func (r *markdownRenderer) table(n *html.Node) {
	rows := collectRows(n)
	if len(rows) == 0 {
		return
	}
	r.block()
	for i, row := range rows {
		r.sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		if i == 0 {
			seps := make([]string, len(row))
			for j := range seps {
				seps[j] = "---"
			}
			r.sb.WriteString("| " + strings.Join(seps, " | ") + " |\n")
		}
	}
}

func collectRows(table *html.Node) [][]string {
	var rows [][]string
	var walkRows func(*html.Node)
	walkRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, strings.Join(strings.Fields(textOf(c)), " "))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkRows(c)
		}
	}
	walkRows(table)
	return rows
}

func (r *markdownRenderer) inlineWrap(n *html.Node, marker string) {
	text := strings.TrimSpace(textOf(n))
	if text == "" {
		return
	}
	r.sb.WriteString(marker + text + marker)
}

func (r *markdownRenderer) writeText(data string) {
	text := collapseWhitespace(data)
	if strings.TrimSpace(text) == "" {
		return
	}
	// Avoid gluing words together across tag boundaries.
	if r.sb.Len() > 0 && !strings.HasSuffix(r.sb.String(), "\n") &&
		!strings.HasSuffix(r.sb.String(), " ") && !strings.HasPrefix(text, " ") {
		last := r.sb.String()[r.sb.Len()-1]
		if last != '(' && last != '[' && last != '#' && last != '-' && last != '.' {
			r.sb.WriteString(" ")
		}
	}
	r.sb.WriteString(strings.TrimSpace(text))
}

// block ensures a blank line before a new block element.
func (r *markdownRenderer) block() {
	s := r.sb.String()
	switch {
	case s == "" || strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		r.sb.WriteString("\n")
	default:
		r.sb.WriteString("\n\n")
	}
}

func (r *markdownRenderer) newline() {
	if !strings.HasSuffix(r.sb.String(), "\n") {
		r.sb.WriteString("\n")
	}
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode {
			if _, skip := skippedElements[n.Data]; skip {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var (
	wsRun      = regexp.MustCompile(`[ \t\r\n]+`)
	blankRun   = regexp.MustCompile(`\n{3,}`)
	trailingWS = regexp.MustCompile(`[ \t]+\n`)
)

func collapseWhitespace(s string) string {
	return wsRun.ReplaceAllString(s, " ")
}

func tidyMarkdown(s string) string {
	s = trailingWS.ReplaceAllString(s, "\n")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
