package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/aluiziolira/gitbook2pdf/config"
	"github.com/aluiziolira/gitbook2pdf/models"
	"github.com/aluiziolira/gitbook2pdf/parser"
)

// ErrNoTableOfContents is wrapped in ErrDiscovery when no strategy found
// any in-scope page.
var ErrNoTableOfContents = errors.New("no table of contents found")

// navSelectors locate the table of contents container, in priority order.
var navSelectors = []string{"nav", "div.summary", "ul.summary", "div.book-summary"}

// Discoverer builds the PageNode tree before any content fetch starts.
type Discoverer struct {
	cfg       *config.Config
	collector *colly.Collector
	transport http.RoundTripper
	fetcher   *Fetcher
	logger    *slog.Logger
}

// NewDiscoverer returns a discoverer that shares the fetcher's transport,
// proxy included.
func NewDiscoverer(cfg *config.Config, fetcher *Fetcher) *Discoverer {
	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	c.MaxBodySize = int(cfg.MaxBodySize)

	return &Discoverer{
		cfg:       cfg,
		collector: c,
		transport: fetcher.Transport(),
		fetcher:   fetcher,
		logger:    fetcher.logger,
	}
}

// tocEntry is a flat navigation link before the tree is built.
type tocEntry struct {
	url   string
	title string
	level int
}

// Discover fetches rootURL and returns the table of contents tree. The root
// node is marked Fetched; every other node is Pending.
func (d *Discoverer) Discover(ctx context.Context, rootURL string) (*models.PageNode, error) {
	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, ErrDiscovery{URL: rootURL, Err: ErrMalformedURL{URL: rootURL, Err: err}}
	}
	root.Fragment = ""
	scope := newScope(root)

	body, err := d.get(ctx, root.String())
	if err != nil {
		return nil, ErrDiscovery{URL: rootURL, Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, ErrDiscovery{URL: rootURL, Err: fmt.Errorf("parse root page: %w", err)}
	}

	tree := &models.PageNode{
		URL:    root.String(),
		Title:  parser.NormalizeText(doc.Find("title").First().Text()),
		Status: models.StatusFetched,
	}
	if tree.Title == "" {
		tree.Title = root.Host
	}

	strategies := []struct {
		name string
		run  func() []tocEntry
	}{
		{"navigation", func() []tocEntry { return navEntries(doc, root, scope, navSelectors) }},
		{"SUMMARY.md", func() []tocEntry { return d.summaryMarkdown(ctx, scope) }},
		{"summary.html", func() []tocEntry { return d.summaryPage(ctx, scope, "summary.html") }},
		{"toc.html", func() []tocEntry { return d.summaryPage(ctx, scope, "toc.html") }},
		{"root links", func() []tocEntry { return flatEntries(doc, root, scope) }},
	}

	for _, strategy := range strategies {
		if ctx.Err() != nil {
			return nil, ErrDiscovery{URL: rootURL, Err: ctx.Err()}
		}
		entries := strategy.run()
		if len(entries) == 0 {
			d.logger.Debug("toc strategy found nothing", slog.String("strategy", strategy.name))
			continue
		}
		buildTree(tree, entries)
		d.logger.Info("table of contents discovered",
			slog.String("strategy", strategy.name),
			slog.Int("pages", len(tree.Pages())),
		)
		return tree, nil
	}

	return nil, ErrDiscovery{URL: rootURL, Err: ErrNoTableOfContents}
}

// get fetches one URL through colly, retrying transient failures with the
// fetcher's backoff.
func (d *Discoverer) get(ctx context.Context, target string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		body, err := d.visit(ctx, target)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !Retryable(err) || attempt > d.cfg.MaxRetries {
			return nil, err
		}
		if !wait(ctx, d.fetcher.backoff(attempt)) {
			return nil, ctx.Err()
		}
	}
}

func (d *Discoverer) visit(ctx context.Context, target string) ([]byte, error) {
	c := d.collector.Clone()
	c.WithTransport(&contextTransport{base: d.transport, ctx: ctx})

	var body []byte
	var failure error

	c.OnRequest(func(r *colly.Request) {
		d.fetcher.requests.Add(1)
		d.logger.Debug("discovery request", slog.String("url", r.URL.String()))
	})
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		if status >= 300 {
			failure = ErrHTTPStatus{Status: status}
			return
		}
		failure = classifyError(err, 0, d.fetcher.proxy)
	})

	if err := c.Visit(target); err != nil && failure == nil {
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return nil, ErrDisallowed{URL: target}
		}
		return nil, classifyError(err, 0, d.fetcher.proxy)
	}
	if failure != nil {
		return nil, failure
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return body, nil
}

// summaryMarkdown reads GitBook's SUMMARY.md: nested markdown lists of links.
func (d *Discoverer) summaryMarkdown(ctx context.Context, s scope) []tocEntry {
	base := s.dirURL()
	target := base.ResolveReference(&url.URL{Path: "SUMMARY.md"})
	body, err := d.get(ctx, target.String())
	if err != nil {
		d.logger.Debug("SUMMARY.md unavailable", slog.Any("error", err))
		return nil
	}
	return parseSummaryMarkdown(body, base, s)
}

func (d *Discoverer) summaryPage(ctx context.Context, s scope, name string) []tocEntry {
	base := s.dirURL()
	target := base.ResolveReference(&url.URL{Path: name})
	body, err := d.get(ctx, target.String())
	if err != nil {
		d.logger.Debug("summary page unavailable", slog.String("page", name), slog.Any("error", err))
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	return navEntries(doc, target, s, append(append([]string{}, navSelectors...), "body"))
}

// navEntries returns the links of the first container that has any in-scope
// link. Level is the count of li/ul/ol ancestors below the container.
func navEntries(doc *goquery.Document, base *url.URL, s scope, selectors []string) []tocEntry {
	for _, sel := range selectors {
		var entries []tocEntry
		doc.Find(sel).EachWithBreak(func(_ int, container *goquery.Selection) bool {
			entries = containerEntries(container, base, s)
			return len(entries) == 0
		})
		if len(entries) > 0 {
			return entries
		}
	}
	return nil
}

func containerEntries(container *goquery.Selection, base *url.URL, s scope) []tocEntry {
	seen := make(map[string]struct{})
	var entries []tocEntry
	container.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs, ok := s.resolve(base, href)
		if !ok {
			return
		}
		title := parser.NormalizeText(a.Text())
		if title == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		level := a.ParentsUntilSelection(container).Filter("li, ul, ol").Length()
		entries = append(entries, tocEntry{url: abs, title: title, level: level})
	})
	return entries
}

// flatEntries is the last resort: every in-scope link of the page at one
// level, except the page itself.
func flatEntries(doc *goquery.Document, base *url.URL, s scope) []tocEntry {
	entries := containerEntries(doc.Selection, base, s)
	out := entries[:0]
	for _, e := range entries {
		if e.url == s.root.String() {
			continue
		}
		e.level = 1
		out = append(out, e)
	}
	return out
}

func parseSummaryMarkdown(src []byte, base *url.URL, s scope) []tocEntry {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	seen := make(map[string]struct{})
	var entries []tocEntry
	var walkList func(list ast.Node, level int)
	walkList = func(list ast.Node, level int) {
		for item := list.FirstChild(); item != nil; item = item.NextSibling() {
			for child := item.FirstChild(); child != nil; child = child.NextSibling() {
				if nested, ok := child.(*ast.List); ok {
					walkList(nested, level+1)
					continue
				}
				link := firstLink(child)
				if link == nil {
					continue
				}
				href := markdownTarget(string(link.Destination))
				abs, ok := s.resolve(base, href)
				if !ok {
					continue
				}
				title := parser.NormalizeText(inlineText(link, src))
				if title == "" {
					continue
				}
				if _, dup := seen[abs]; dup {
					continue
				}
				seen[abs] = struct{}{}
				entries = append(entries, tocEntry{url: abs, title: title, level: level})
			}
		}
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if list, ok := node.(*ast.List); ok {
			walkList(list, 1)
		}
	}
	return entries
}

func firstLink(n ast.Node) *ast.Link {
	var found *ast.Link
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if link, ok := node.(*ast.Link); ok {
			found = link
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := node.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// markdownTarget maps SUMMARY.md destinations to the pages GitBook builds:
// README.md becomes index.html and other .md files become .html.
func markdownTarget(dest string) string {
	dest = strings.TrimSpace(dest)
	frag := ""
	if i := strings.IndexByte(dest, '#'); i >= 0 {
		dest, frag = dest[:i], dest[i:]
	}
	switch {
	case strings.EqualFold(path.Base(dest), "README.md"):
		dest = strings.TrimSuffix(dest, path.Base(dest)) + "index.html"
	case strings.HasSuffix(strings.ToLower(dest), ".md"):
		dest = dest[:len(dest)-len(".md")] + ".html"
	}
	return dest + frag
}

// buildTree attaches entries under root. Each entry becomes a child of the
// nearest preceding entry with a smaller level.
func buildTree(root *models.PageNode, entries []tocEntry) {
	type frame struct {
		level int
		node  *models.PageNode
	}
	var stack []frame

	for _, e := range entries {
		for len(stack) > 0 && stack[len(stack)-1].level >= e.level {
			stack = stack[:len(stack)-1]
		}
		parent := root
		if len(stack) > 0 {
			parent = stack[len(stack)-1].node
		}
		node := &models.PageNode{
			URL:    e.url,
			Title:  e.title,
			Depth:  parent.Depth + 1,
			Status: models.StatusPending,
		}
		parent.Children = append(parent.Children, node)
		stack = append(stack, frame{level: e.level, node: node})
	}
}

// scope limits discovery to the root's host and directory.
type scope struct {
	root *url.URL
	dir  string
}

func newScope(root *url.URL) scope {
	dir := root.Path
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir)
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
	}
	return scope{root: root, dir: dir}
}

func (s scope) dirURL() *url.URL {
	u := *s.root
	u.Path = s.dir
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

// resolve returns the absolute, fragment-free form of href when it points
// at a page inside the book.
func (s scope) resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"mailto:", "javascript:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.EqualFold(u.Host, s.root.Host) {
		return "", false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, s.dir) && p+"/" != s.dir {
		return "", false
	}
	return u.String(), true
}

// contextTransport aborts in-flight discovery requests when ctx ends while
// keeping colly's own request deadline.
type contextTransport struct {
	base http.RoundTripper
	ctx  context.Context
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(t.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releaseBody struct {
	io.ReadCloser
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
