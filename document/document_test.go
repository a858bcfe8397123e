package document

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/aluiziolira/gitbook2pdf/models"
)

type lookup map[string]string

func (l lookup) Lookup(url string) (string, bool) {
	id, ok := l[url]
	return id, ok
}

func fixture() (*models.PageNode, map[string]*models.PageContent, lookup) {
	intro := &models.PageNode{URL: "https://b.test/intro.html", Title: "Introduction", Depth: 1, Status: models.StatusFetched}
	setup := &models.PageNode{URL: "https://b.test/setup.html", Title: "Setup", Depth: 1, Status: models.StatusFetched}
	install := &models.PageNode{URL: "https://b.test/setup/install.html", Title: "Overview", Depth: 2, Status: models.StatusFetched}
	usage := &models.PageNode{URL: "https://b.test/usage.html", Title: "Overview", Depth: 2, Status: models.StatusFailed, Failure: models.KindTimeout}
	setup.Children = []*models.PageNode{install, usage}

	root := &models.PageNode{URL: "https://b.test/", Title: "Book", Status: models.StatusFetched,
		Children: []*models.PageNode{intro, setup}}

	contents := map[string]*models.PageContent{
		intro.URL:   {URL: intro.URL, Body: `<article><h1>Introduction</h1><p>See <a href="setup.html#step">setup</a> and <a href="https://other.test/x">other</a>.</p><img src="img/a.png" alt="diagram"></article>`},
		setup.URL:   {URL: setup.URL, Body: `<article><h2>Before you begin</h2><p>Relative <a href="../docs/faq.html">faq</a></p><img src="missing.png" alt="gone"></article>`},
		install.URL: {URL: install.URL, Body: `<article><p>Install steps</p></article>`},
	}
	assets := lookup{"https://b.test/img/a.png": "assets/0123456789abcdef.png"}
	return root, contents, assets
}

func TestAssembleOrderAndPlaceholders(t *testing.T) {
	root, contents, assets := fixture()
	doc := Assemble(root, contents, assets)

	if len(doc.Sections) != 4 {
		t.Fatalf("sections = %d, want 4", len(doc.Sections))
	}
	want := []string{"Introduction", "Setup", "Overview", "Overview (2)"}
	for i, s := range doc.Sections {
		if s.Title != want[i] {
			t.Fatalf("section %d title = %q, want %q", i, s.Title, want[i])
		}
	}
	if doc.Title != "Book" {
		t.Fatalf("document title = %q", doc.Title)
	}

	failed := doc.Sections[3]
	if !failed.Placeholder || failed.Failure != models.KindTimeout {
		t.Fatalf("failed section = %+v", failed)
	}
	if !strings.Contains(failed.Body, "could not be retrieved") || !strings.Contains(failed.Body, "https://b.test/usage.html") {
		t.Fatalf("placeholder body = %q", failed.Body)
	}

	ids := map[string]bool{}
	for _, s := range doc.Sections {
		if ids[s.ID] {
			t.Fatalf("duplicate id %s", s.ID)
		}
		ids[s.ID] = true
	}
}

func TestAssembleRewritesBodies(t *testing.T) {
	root, contents, assets := fixture()
	doc := Assemble(root, contents, assets)

	intro := doc.Sections[0].Body
	for _, want := range []string{
		`src="assets/0123456789abcdef.png"`,
		`href="#` + doc.Sections[1].ID + `"`,
		`href="https://other.test/x"`,
	} {
		if !strings.Contains(intro, want) {
			t.Errorf("intro body missing %s:\n%s", want, intro)
		}
	}
	if strings.Contains(intro, "<h1>") {
		t.Errorf("heading repeating the title should be dropped:\n%s", intro)
	}

	setup := doc.Sections[1].Body
	for _, want := range []string{"Before you begin", `href="https://b.test/docs/faq.html"`, `class="missing-image"`, "gone"} {
		if !strings.Contains(setup, want) {
			t.Errorf("setup body missing %s:\n%s", want, setup)
		}
	}
	if doc.MissingAssets != 1 {
		t.Fatalf("missing assets = %d, want 1", doc.MissingAssets)
	}
}

var idAttr = regexp.MustCompile(`\sid="([^"]*)"`)

func TestAssembleScopesBodyIDs(t *testing.T) {
	guide := &models.PageNode{URL: "https://b.test/guide.html", Title: "Guide", Depth: 1, Status: models.StatusFetched}
	setup := &models.PageNode{URL: "https://b.test/setup.html", Title: "Setup", Depth: 1, Status: models.StatusFetched}
	root := &models.PageNode{URL: "https://b.test/", Title: "Book", Children: []*models.PageNode{guide, setup}}
	contents := map[string]*models.PageContent{
		guide.URL: {URL: guide.URL, Body: `<article><p><a href="#setup">jump</a> <a href="guide.html#notes">notes</a></p>` +
			`<h2 id="setup">Setup</h2><h2 id="notes">Notes</h2><p id="notes">again</p></article>`},
		setup.URL: {URL: setup.URL, Body: `<article><h2 id="setup">Setup</h2><p>body</p></article>`},
	}

	doc := Assemble(root, contents, lookup{})
	out, err := doc.HTML()
	if err != nil {
		t.Fatalf("html: %v", err)
	}

	seen := map[string]bool{}
	for _, m := range idAttr.FindAllStringSubmatch(out, -1) {
		if seen[m[1]] {
			t.Fatalf("id %q appears twice in:\n%s", m[1], out)
		}
		seen[m[1]] = true
	}
	if !seen["setup"] || !seen["guide--setup"] {
		t.Fatalf("ids = %v", seen)
	}

	body := doc.Sections[0].Body
	if !strings.Contains(body, `href="#guide--setup"`) || !strings.Contains(body, `href="#guide--notes"`) {
		t.Fatalf("in-page links not scoped:\n%s", body)
	}
	if strings.Count(out, `href="#setup"`) != 1 {
		t.Fatalf("only the contents entry should target the Setup section:\n%s", out)
	}
}

func TestAssembleDropsHeadingOfDuplicateTitle(t *testing.T) {
	first := &models.PageNode{URL: "https://b.test/a/overview.html", Title: "Overview", Depth: 1, Status: models.StatusFetched}
	second := &models.PageNode{URL: "https://b.test/b/overview.html", Title: "Overview", Depth: 1, Status: models.StatusFetched}
	root := &models.PageNode{URL: "https://b.test/", Title: "Book", Children: []*models.PageNode{first, second}}
	contents := map[string]*models.PageContent{
		first.URL:  {URL: first.URL, Body: `<article><h1>Overview</h1><p>first</p></article>`},
		second.URL: {URL: second.URL, Body: `<article><h1>Overview</h1><p>second</p></article>`},
	}

	doc := Assemble(root, contents, lookup{})
	if doc.Sections[1].Title != "Overview (2)" {
		t.Fatalf("second title = %q", doc.Sections[1].Title)
	}
	for _, s := range doc.Sections {
		if strings.Contains(s.Body, "<h1>") {
			t.Errorf("%s kept the repeated heading:\n%s", s.Title, s.Body)
		}
	}
}

func TestAssembleLazyImages(t *testing.T) {
	page := &models.PageNode{URL: "https://b.test/p.html", Title: "Pictures", Depth: 1, Status: models.StatusFetched}
	root := &models.PageNode{URL: "https://b.test/", Title: "Book", Children: []*models.PageNode{page}}
	contents := map[string]*models.PageContent{
		page.URL: {URL: page.URL, Body: `<article><p>x</p><img data-src="img/lazy.png" srcset="img/lazy.png 1x"><img src="data:image/png;base64,AAAA"></article>`},
	}
	assets := lookup{"https://b.test/img/lazy.png": "assets/feedfacefeedface.png"}

	doc := Assemble(root, contents, assets)
	body := doc.Sections[0].Body
	if !strings.Contains(body, `src="assets/feedfacefeedface.png"`) {
		t.Fatalf("lazy image not rewritten:\n%s", body)
	}
	if strings.Contains(body, "data-src") || strings.Contains(body, "srcset") {
		t.Fatalf("lazy attributes should be dropped:\n%s", body)
	}
	if doc.MissingAssets != 0 {
		t.Fatalf("missing assets = %d, want 0", doc.MissingAssets)
	}
}

func TestAssembleIsByteIdentical(t *testing.T) {
	root, contents, assets := fixture()
	first, err := Assemble(root, contents, assets).HTML()
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	second, err := Assemble(root, contents, assets).HTML()
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if first != second {
		t.Fatal("assembly is not deterministic")
	}
}

func TestWriteHTMLStructure(t *testing.T) {
	root, contents, assets := fixture()
	out, err := Assemble(root, contents, assets).HTML()
	if err != nil {
		t.Fatalf("html: %v", err)
	}

	if n := strings.Count(out, `<section class="chapter`); n != 4 {
		t.Fatalf("chapters = %d, want 4", n)
	}
	if strings.Count(out, "<ul>") != strings.Count(out, "</ul>") || strings.Count(out, "<li>") != strings.Count(out, "</li>") {
		t.Fatalf("unbalanced contents list:\n%s", out)
	}
	if !strings.Contains(out, "<title>Book</title>") {
		t.Fatal("missing document title")
	}
	if strings.Index(out, "Introduction</h1>") > strings.Index(out, "Setup</h1>") {
		t.Fatal("sections out of order")
	}
}

func TestAssembleTenPagesOneFailure(t *testing.T) {
	root := &models.PageNode{URL: "https://b.test/", Title: "Ten"}
	contents := map[string]*models.PageContent{}
	for i := 1; i <= 10; i++ {
		u := fmt.Sprintf("https://b.test/p%d.html", i)
		node := &models.PageNode{URL: u, Title: fmt.Sprintf("Page %d", i), Depth: 1, Status: models.StatusFetched}
		if i == 5 {
			node.Status = models.StatusFailed
			node.Failure = models.KindTimeout
		} else {
			contents[u] = &models.PageContent{URL: u, Body: "<p>content</p>"}
		}
		root.Children = append(root.Children, node)
	}

	doc := Assemble(root, contents, lookup{})
	if len(doc.Sections) != 10 {
		t.Fatalf("sections = %d, want 10", len(doc.Sections))
	}
	for i, s := range doc.Sections {
		if s.Placeholder != (i == 4) {
			t.Errorf("section %d placeholder = %v", i+1, s.Placeholder)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Getting Started", "getting-started"},
		{"  C++ & Go!  ", "c-go"},
		{"第一章 简介", "第一章-简介"},
		{"***", "section"},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
