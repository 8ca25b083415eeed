// Package extract converts fetched HTML into the structured content record
// consumed by the document pipeline: metadata, a markdown body, outgoing
// links, and element counts.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagesmith/crawler/internal/crawler"
)

// Link is one outgoing link discovered on a page, in document order.
type Link struct {
	URL        string
	AnchorText string
}

// Content is the result of parsing one HTML document.
type Content struct {
	Title          string
	Description    string
	Author         string
	PublishedAt    string
	Markdown       string
	Links          []Link
	WordCount      int
	ImageCount     int
	CodeBlockCount int
	TableCount     int
	StructuredData []string
}

// Parse extracts structured content from an HTML body. Relative links are
// resolved against finalURL (the post-redirect address).
func Parse(body []byte, finalURL string) (Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Content{}, fmt.Errorf("parse html: %w", err)
	}

	c := Content{
		Title:       firstNonEmpty(strings.TrimSpace(doc.Find("title").First().Text()), metaContent(doc, `meta[property="og:title"]`)),
		Description: firstNonEmpty(metaContent(doc, `meta[name="description"]`), metaContent(doc, `meta[property="og:description"]`)),
		Author:      firstNonEmpty(metaContent(doc, `meta[name="author"]`), metaContent(doc, `meta[property="article:author"]`)),
		PublishedAt: publishedDate(doc),
	}

	c.Links = collectLinks(doc, finalURL)
	c.ImageCount = doc.Find("body img").Length()
	c.CodeBlockCount = doc.Find("body pre").Length()
	c.TableCount = doc.Find("body table").Length()

	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			c.StructuredData = append(c.StructuredData, text)
		}
	})

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	c.Markdown = renderMarkdown(root, finalURL)
	c.WordCount = countWords(root.Text())

	return c, nil
}

func collectLinks(doc *goquery.Document, finalURL string) []Link {
	var links []Link
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := crawler.ResolveLink(href, finalURL)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, Link{
			URL:        resolved,
			AnchorText: strings.TrimSpace(s.Text()),
		})
	})
	return links
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func publishedDate(doc *goquery.Document) string {
	for _, sel := range []string{
		`meta[property="article:published_time"]`,
		`meta[name="date"]`,
		`meta[name="publish-date"]`,
		`meta[itemprop="datePublished"]`,
	} {
		if v := metaContent(doc, sel); v != "" {
			return v
		}
	}
	if dt, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		return strings.TrimSpace(dt)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func countWords(text string) int {
	return len(strings.Fields(text))
}
