package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/gitbook2pdf/models"
)

const navRoot = `<html><head><title>Sample Book</title></head><body>
<div class="book-summary"><nav><ul class="summary">
  <li><a href="index.html">Introduction</a></li>
  <li><a href="setup/">Setup</a>
    <ul>
      <li><a href="setup/install.html">Install</a></li>
      <li><a href="setup/configure.html#top">Configure</a>
        <ul><li><a href="setup/advanced.html">Advanced</a></li></ul>
      </li>
    </ul>
  </li>
  <li><a href="usage.html">Usage</a></li>
  <li><a href="usage.html#again">Usage duplicate</a></li>
  <li><a href="#anchor">Anchor</a></li>
  <li><a href="mailto:team@example.com">Mail</a></li>
  <li><a href="https://github.com/example/book">GitHub</a></li>
  <li><a href="/other/outside.html">Outside</a></li>
  <li><a href="empty.html">   </a></li>
</ul></nav></div>
<div class="markdown-section"><p>Welcome</p></div>
</body></html>`

func newTestDiscoverer(t *testing.T, root string, transport http.RoundTripper) *Discoverer {
	t.Helper()
	cfg := testConfig(root)
	f := newTestFetcher(t, cfg, transport)
	return NewDiscoverer(cfg, f)
}

func flatten(root *models.PageNode) []string {
	var out []string
	for _, n := range root.Pages() {
		out = append(out, strings.Repeat("-", n.Depth)+n.Title)
	}
	return out
}

func TestDiscoverNavigationTree(t *testing.T) {
	const root = "http://book.test/docs/"
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", root, httpmock.NewStringResponder(http.StatusOK, navRoot))

	tree, err := newTestDiscoverer(t, root, transport).Discover(context.Background(), root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if tree.Title != "Sample Book" || tree.Status != models.StatusFetched {
		t.Fatalf("root = %q/%v", tree.Title, tree.Status)
	}

	got := strings.Join(flatten(tree), "|")
	want := "-Introduction|-Setup|--Install|--Configure|---Advanced|-Usage"
	if got != want {
		t.Fatalf("tree = %s\nwant  %s", got, want)
	}

	for _, n := range tree.Pages() {
		if n.Status != models.StatusPending {
			t.Fatalf("%s status = %v, want pending", n.URL, n.Status)
		}
		if strings.Contains(n.URL, "#") {
			t.Fatalf("fragment kept in %s", n.URL)
		}
	}
	if tree.Children[1].Children[1].URL != "http://book.test/docs/setup/configure.html" {
		t.Fatalf("configure url = %s", tree.Children[1].Children[1].URL)
	}
}

func TestDiscoverIsStable(t *testing.T) {
	const root = "http://book.test/docs/"
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", root, httpmock.NewStringResponder(http.StatusOK, navRoot))
	d := newTestDiscoverer(t, root, transport)

	first, err := d.Discover(context.Background(), root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	second, err := d.Discover(context.Background(), root)
	if err != nil {
		t.Fatalf("discover again: %v", err)
	}
	if strings.Join(flatten(first), "|") != strings.Join(flatten(second), "|") {
		t.Fatalf("discovery order changed between runs")
	}
}

func TestDiscoverSummaryMarkdownFallback(t *testing.T) {
	const root = "http://book.test/guide/"
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", root,
		httpmock.NewStringResponder(http.StatusOK, `<html><head><title>Guide</title></head><body><p>no nav here</p></body></html>`))
	transport.RegisterResponder("GET", root+"SUMMARY.md", httpmock.NewStringResponder(http.StatusOK, `# Summary

* [Introduction](README.md)
* [Basics](basics/README.md)
    * [Types](basics/types.md)
    * [Control *flow*](basics/flow.md#loops)
* [External](https://elsewhere.example/x.md)
`))

	tree, err := newTestDiscoverer(t, root, transport).Discover(context.Background(), root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	got := strings.Join(flatten(tree), "|")
	if got != "-Introduction|-Basics|--Types|--Control flow" {
		t.Fatalf("tree = %s", got)
	}
	urls := []string{
		"http://book.test/guide/index.html",
		"http://book.test/guide/basics/index.html",
		"http://book.test/guide/basics/types.html",
		"http://book.test/guide/basics/flow.html",
	}
	for i, n := range tree.Pages() {
		if n.URL != urls[i] {
			t.Fatalf("page %d url = %s, want %s", i, n.URL, urls[i])
		}
	}
}

func TestDiscoverFlatFallback(t *testing.T) {
	const root = "http://book.test/"
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", root, httpmock.NewStringResponder(http.StatusOK,
		`<html><body><p><a href="a.html">A</a> <a href="b.html">B</a> <a href="/">Home</a></p></body></html>`))
	for _, name := range []string{"SUMMARY.md", "summary.html", "toc.html"} {
		transport.RegisterResponder("GET", root+name, httpmock.NewStringResponder(http.StatusNotFound, ""))
	}

	tree, err := newTestDiscoverer(t, root, transport).Discover(context.Background(), root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := strings.Join(flatten(tree), "|"); got != "-A|-B" {
		t.Fatalf("tree = %s", got)
	}
}

func TestDiscoverErrors(t *testing.T) {
	const root = "http://book.test/"

	t.Run("root unreachable", func(t *testing.T) {
		transport := httpmock.NewMockTransport()
		transport.RegisterResponder("GET", root, httpmock.NewStringResponder(http.StatusNotFound, ""))

		_, err := newTestDiscoverer(t, root, transport).Discover(context.Background(), root)
		var discErr ErrDiscovery
		if !errors.As(err, &discErr) {
			t.Fatalf("expected ErrDiscovery, got %v", err)
		}
		if KindOf(err) != models.KindHTTPError {
			t.Fatalf("kind = %q, want http_error", KindOf(err))
		}
	})

	t.Run("no table of contents", func(t *testing.T) {
		transport := httpmock.NewMockTransport()
		transport.RegisterResponder("GET", root, httpmock.NewStringResponder(http.StatusOK, `<html><body><p>empty</p></body></html>`))
		for _, name := range []string{"SUMMARY.md", "summary.html", "toc.html"} {
			transport.RegisterResponder("GET", root+name, httpmock.NewStringResponder(http.StatusNotFound, ""))
		}

		_, err := newTestDiscoverer(t, root, transport).Discover(context.Background(), root)
		if !errors.Is(err, ErrNoTableOfContents) {
			t.Fatalf("expected ErrNoTableOfContents, got %v", err)
		}
	})
}

func TestScopeResolve(t *testing.T) {
	root, _ := url.Parse("https://book.test/docs/intro.html")
	s := newScope(root)

	tests := []struct {
		href string
		want string
		ok   bool
	}{
		{href: "setup.html", want: "https://book.test/docs/setup.html", ok: true},
		{href: "./a/b.html#x", want: "https://book.test/docs/a/b.html", ok: true},
		{href: "/docs/", want: "https://book.test/docs/", ok: true},
		{href: "/blog/post.html"},
		{href: "https://other.test/docs/x.html"},
		{href: "#top"},
		{href: "javascript:void(0)"},
		{href: "tel:123"},
		{href: ""},
	}

	for _, tt := range tests {
		got, ok := s.resolve(root, tt.href)
		if ok != tt.ok || got != tt.want {
			t.Errorf("resolve(%q) = %q,%v want %q,%v", tt.href, got, ok, tt.want, tt.ok)
		}
	}
}
