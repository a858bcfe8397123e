// Package document merges fetched pages into one ordered composite.
package document

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/aluiziolira/gitbook2pdf/models"
	"github.com/aluiziolira/gitbook2pdf/parser"
)

// Section is one table of contents entry with its rewritten body.
type Section struct {
	ID          string
	Title       string
	Depth       int
	URL         string
	Body        string
	Placeholder bool
	Failure     models.ErrorKind
}

// Document is the ordered composite handed to a renderer.
type Document struct {
	Title         string
	Sections      []Section
	MissingAssets int
}

// Assemble walks tree depth-first and emits one section per page. Failed
// pages become placeholders; image sources are rewritten to local
// identifiers and links to other pages of the book become anchors.
func Assemble(tree *models.PageNode, contents map[string]*models.PageContent, assets models.AssetLookup) *Document {
	doc := &Document{Title: tree.Title}
	titles := parser.NewTitleRegistry()
	ids := make(map[string]int)

	pages := tree.Pages()
	anchors := make(map[string]string, len(pages))
	tocTitles := make([]string, len(pages))
	sections := make([]Section, 0, len(pages))
	for i, node := range pages {
		title := node.Title
		if title == "" {
			if c := contents[node.URL]; c != nil && c.Title != "" {
				title = c.Title
			} else {
				title = node.URL
			}
		}
		tocTitles[i] = title
		title = titles.Disambiguate(title)
		id := uniqueID(ids, slugify(title))
		if _, ok := anchors[node.URL]; !ok {
			anchors[node.URL] = id
		}
		sections = append(sections, Section{
			ID:      id,
			Title:   title,
			Depth:   node.Depth,
			URL:     node.URL,
			Failure: node.Failure,
		})
	}

	// Section ids are all reserved above, so body ids scoped below can
	// never take one of them.
	for i, node := range pages {
		sec := &sections[i]
		content := contents[node.URL]
		if node.Status != models.StatusFetched || content == nil {
			sec.Placeholder = true
			sec.Body = placeholder(node)
			continue
		}
		r := &rewriter{
			sectionID: sec.ID,
			ids:       ids,
			anchors:   anchors,
			assets:    assets,
		}
		sec.Body = r.rewrite(content, tocTitles[i])
		doc.MissingAssets += r.missing
	}

	doc.Sections = sections
	return doc
}

func placeholder(node *models.PageNode) string {
	reason := string(node.Failure)
	if reason == "" {
		reason = "not fetched"
	}
	href := html.EscapeString(node.URL)
	return fmt.Sprintf(`<p class="missing-page">This page could not be retrieved (%s): <a href="%s">%s</a></p>`,
		html.EscapeString(reason), href, href)
}

// rewriter rewrites one page body during the assembly walk.
type rewriter struct {
	sectionID string
	ids       map[string]int
	anchors   map[string]string
	assets    models.AssetLookup

	// page-local id -> document id
	scoped  map[string]string
	missing int
}

// rewrite returns the page body with local image sources, in-book anchors,
// absolute external links and element ids scoped to the section. The first
// heading is dropped when it only repeats the table of contents title.
func (r *rewriter) rewrite(content *models.PageContent, tocTitle string) string {
	base, err := url.Parse(content.URL)
	if err != nil {
		return content.Body
	}
	dom, err := goquery.NewDocumentFromReader(strings.NewReader(content.Body))
	if err != nil {
		return content.Body
	}
	body := dom.Find("body")

	if first := body.Find("h1, h2, h3, h4, h5, h6").First(); first.Length() > 0 {
		if parser.SimilarTitle(first.Text(), tocTitle) {
			first.Remove()
		}
	}

	r.scoped = make(map[string]string)
	body.Find("[id]").Each(func(_ int, el *goquery.Selection) {
		local := strings.TrimSpace(el.AttrOr("id", ""))
		if local == "" {
			el.RemoveAttr("id")
			return
		}
		id := uniqueID(r.ids, r.sectionID+"--"+slugify(local))
		if _, ok := r.scoped[local]; !ok {
			r.scoped[local] = id
		}
		el.SetAttr("id", id)
	})

	body.Find("img").Each(func(_ int, img *goquery.Selection) {
		r.image(base, img)
	})

	self := *base
	self.Fragment = ""
	body.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" {
			return
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		frag := u.Fragment
		u.Fragment = ""
		if u.String() == self.String() {
			if id, ok := r.scoped[frag]; ok {
				a.SetAttr("href", "#"+id)
				return
			}
		}
		if id, ok := r.anchors[u.String()]; ok {
			a.SetAttr("href", "#"+id)
			return
		}
		u.Fragment = frag
		a.SetAttr("href", u.String())
	})

	out, err := body.Html()
	if err != nil {
		return content.Body
	}
	return strings.TrimSpace(out)
}

func (r *rewriter) image(base *url.URL, img *goquery.Selection) {
	src := parser.ImageSource(img)
	if strings.HasPrefix(strings.ToLower(src), "data:") {
		return
	}
	abs, ok := parser.Absolute(base, src)
	if ok && r.assets != nil {
		if local, found := r.assets.Lookup(abs); found {
			img.SetAttr("src", local)
			img.RemoveAttr("data-src")
			img.RemoveAttr("srcset")
			return
		}
	}
	r.missing++
	alt := strings.TrimSpace(img.AttrOr("alt", ""))
	label := "Image unavailable"
	if alt != "" {
		label += ": " + alt
	}
	img.ReplaceWithHtml(fmt.Sprintf(`<p class="missing-image">[%s]</p>`, html.EscapeString(label)))
}

var nonSlug = regexp.MustCompile(`[^\p{L}\p{N}]+`)

func slugify(title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		return "section"
	}
	return slug
}

func uniqueID(seen map[string]int, id string) string {
	seen[id]++
	if seen[id] == 1 {
		return id
	}
	for n := seen[id]; ; n++ {
		candidate := id + "-" + strconv.Itoa(n)
		if seen[candidate] == 0 {
			seen[candidate] = 1
			return candidate
		}
	}
}
