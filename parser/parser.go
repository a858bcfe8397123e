// Package parser turns fetched GitBook pages into PageContent and resolves
// the assets and titles they carry.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/gitbook2pdf/models"
)

// contentSelectors are tried in order; the first match is the page body.
var contentSelectors = []string{
	"article",
	"main",
	"div.content",
	"div.article-content",
	"div.markdown-section",
	`div[role="main"]`,
	"body",
}

// chromeSelectors match navigation and other non-content blocks.
const chromeSelectors = "nav, .summary, .book-summary, .table-of-contents, script, style, noscript"

// Extract parses a fetched page into its main content and image references. Image URLs are made absolute against pageURL.
func Extract(pageURL string, body []byte) (*models.PageContent, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html for %s: %w", pageURL, err)
	}

	content := &models.PageContent{
		URL:   pageURL,
		Title: NormalizeText(doc.Find("title").First().Text()),
	}

	var root *goquery.Selection
	for _, sel := range contentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			root = found
			break
		}
	}
	if root == nil {
		return content, nil
	}

	root.Find(chromeSelectors).Remove()

	content.AssetURLs = imageURLs(base, root)

	html, err := goquery.OuterHtml(root)
	if err != nil {
		return nil, fmt.Errorf("render content for %s: %w", pageURL, err)
	}
	if goquery.NodeName(root) == "body" {
		html, err = root.Html()
		if err != nil {
			return nil, fmt.Errorf("render content for %s: %w", pageURL, err)
		}
	}
	content.Body = strings.TrimSpace(html)
	return content, nil
}

// ErrEmptyPage indicates extraction found nothing worth assembling.
var ErrEmptyPage = errors.New("page has no content")

// ValidatePage ensures extraction produced something worth assembling.
func ValidatePage(p *models.PageContent) error {
	if p == nil {
		return fmt.Errorf("page is nil")
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("page missing url")
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%s: %w", p.URL, ErrEmptyPage)
	}
	return nil
}

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// imageURLs returns the absolute source of every <img>, in document order.
// Inline data: URIs are left alone.
func imageURLs(base *url.URL, sel *goquery.Selection) []string {
	var out []string
	sel.Find("img").Each(func(_ int, img *goquery.Selection) {
		if abs, ok := Absolute(base, ImageSource(img)); ok {
			out = append(out, abs)
		}
	})
	return out
}

// ImageSource returns the src of img, falling back to the data-src and first
// srcset candidate lazy-loading themes use instead.
func ImageSource(img *goquery.Selection) string {
	if src := strings.TrimSpace(img.AttrOr("src", "")); src != "" {
		return src
	}
	if src := strings.TrimSpace(img.AttrOr("data-src", "")); src != "" {
		return src
	}
	srcset := strings.TrimSpace(img.AttrOr("srcset", ""))
	first, _, _ := strings.Cut(srcset, ",")
	if fields := strings.Fields(first); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// Absolute resolves ref against base. It reports false for empty refs and
// data: URIs.
func Absolute(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(strings.ToLower(ref), "data:") {
		return "", false
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}
