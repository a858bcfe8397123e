// Package render turns an assembled document into a paginated PDF.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/aluiziolira/gitbook2pdf/document"
	"github.com/aluiziolira/gitbook2pdf/storage"
)

// ErrRender wraps every failure surfaced by a renderer.
var ErrRender = errors.New("render failed")

// Renderer produces the final output file from an assembled document.
type Renderer interface {
	Render(ctx context.Context, doc *document.Document, output string) error
}

// Option configures a PDFRenderer.
type Option func(*PDFRenderer)

// WithFont embeds a UTF-8 TrueType font instead of the core Helvetica.
func WithFont(path string) Option {
	return func(r *PDFRenderer) {
		r.fontFile = path
	}
}

// WithPageSize sets the page format (A4, Letter, Legal, A5...).
func WithPageSize(size string) Option {
	return func(r *PDFRenderer) {
		if size != "" {
			r.pageSize = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *PDFRenderer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// PDFRenderer converts each section to Markdown, parses it with goldmark and
// draws the resulting tree with fpdf. Image sources are resolved through the
// store the crawler wrote assets to.
type PDFRenderer struct {
	store    storage.Store
	fontFile string
	pageSize string
	logger   *slog.Logger
}

var _ Renderer = (*PDFRenderer)(nil)

// NewPDFRenderer returns a renderer reading assets from store.
func NewPDFRenderer(store storage.Store, opts ...Option) *PDFRenderer {
	r := &PDFRenderer{
		store:    store,
		pageSize: "A4",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render writes doc to output. The book starts with a title page and a
// linked table of contents; every section begins on a new page and gets an
// outline entry at its tree depth.
func (r *PDFRenderer) Render(ctx context.Context, doc *document.Document, output string) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrRender)
	}

	pdf := fpdf.New("P", "mm", r.pageSize, "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 18)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("gitbook2pdf", true)

	w := &pdfWriter{
		pdf:   pdf,
		store: r.store,
		font:  "Helvetica",
		mono:  "Courier",
		size:  10,
		tr:    pdf.UnicodeTranslatorFromDescriptor(""),
	}
	if r.fontFile != "" {
		for _, style := range []string{"", "B", "I", "BI"} {
			pdf.AddUTF8Font("book", style, r.fontFile)
		}
		w.font, w.mono, w.utf8 = "book", "book", true
		w.tr = func(s string) string { return s }
	}
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("%w: setup: %w", ErrRender, err)
	}

	pdf.SetFooterFunc(func() {
		if pdf.PageNo() == 1 {
			return
		}
		pdf.SetY(-12)
		pdf.SetFont(w.font, "I", 8)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 8, fmt.Sprintf("%d", pdf.PageNo()), "", 0, "C", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	})

	w.links = make(map[string]int, len(doc.Sections))
	for _, sec := range doc.Sections {
		w.links[sec.ID] = pdf.AddLink()
	}

	w.titlePage(doc)
	w.contentsPage(doc.Sections)

	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	gm := goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify))

	level := -1
	for _, sec := range doc.Sections {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrRender, err)
		}

		markdown, err := conv.ConvertString(sec.Body)
		if err != nil {
			return fmt.Errorf("%w: convert section %q: %w", ErrRender, sec.ID, err)
		}

		pdf.AddPage()
		pdf.SetLink(w.links[sec.ID], 0, -1)
		level = outlineLevel(sec.Depth, level)
		pdf.Bookmark(w.tr(sec.Title), level, -1)
		w.sectionTitle(sec)

		source := []byte(markdown)
		if err := w.render(gm.Parser().Parse(text.NewReader(source)), source); err != nil {
			return fmt.Errorf("%w: section %q: %w", ErrRender, sec.ID, err)
		}
		if err := pdf.Error(); err != nil {
			return fmt.Errorf("%w: section %q: %w", ErrRender, sec.ID, err)
		}
	}

	if err := pdf.OutputFileAndClose(output); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrRender, output, err)
	}

	pages, err := PageCount(output)
	if err != nil {
		return err
	}
	r.logger.Info("pdf written",
		slog.String("path", output),
		slog.Int("pages", pages),
		slog.Int("sections", len(doc.Sections)),
		slog.Int("missing_assets", doc.MissingAssets))
	return nil
}

// PageCount reads the file back with pdfcpu and returns its page count.
func PageCount(path string) (int, error) {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: validate %s: %w", ErrRender, path, err)
	}
	if pdfCtx.PageCount == 0 {
		return 0, fmt.Errorf("%w: %s has no pages", ErrRender, path)
	}
	return pdfCtx.PageCount, nil
}

// outlineLevel maps a tree depth to a bookmark level. fpdf rejects levels
// more than one deeper than the previous entry.
func outlineLevel(depth, prev int) int {
	level := depth - 1
	if level < 0 {
		level = 0
	}
	if level > prev+1 {
		level = prev + 1
	}
	return level
}

func (w *pdfWriter) titlePage(doc *document.Document) {
	w.pdf.AddPage()
	_, pageH := w.pdf.GetPageSize()
	w.pdf.SetY(pageH / 3)
	w.pdf.SetFont(w.font, "B", 24)
	w.pdf.MultiCell(0, 11, w.tr(doc.Title), "", "C", false)
	w.pdf.Ln(6)
	w.pdf.SetFont(w.font, "", 11)
	w.pdf.SetTextColor(90, 90, 90)
	w.pdf.MultiCell(0, 6, fmt.Sprintf("%d sections", len(doc.Sections)), "", "C", false)
	w.pdf.SetTextColor(0, 0, 0)
}

func (w *pdfWriter) contentsPage(sections []document.Section) {
	w.pdf.AddPage()
	w.pdf.SetFont(w.font, "B", 18)
	w.pdf.CellFormat(0, 10, w.tr("Contents"), "", 1, "L", false, 0, "")
	w.pdf.Ln(3)

	left, _, right, _ := w.pdf.GetMargins()
	pageW, _ := w.pdf.GetPageSize()
	for _, sec := range sections {
		indent := float64(max(sec.Depth-1, 0)) * 6
		style := ""
		if sec.Depth <= 1 {
			style = "B"
		}
		w.pdf.SetFont(w.font, style, 10)
		w.pdf.SetX(left + indent)
		title := sec.Title
		if sec.Placeholder {
			title += " (unavailable)"
		}
		w.pdf.CellFormat(pageW-left-right-indent, 6, w.tr(truncate(title, 110)), "", 1, "L", false, w.links[sec.ID], "")
	}
}

func (w *pdfWriter) sectionTitle(sec document.Section) {
	size := 13.0
	switch sec.Depth {
	case 0, 1:
		size = 18
	case 2:
		size = 15
	}
	w.pdf.SetFont(w.font, "B", size)
	w.pdf.MultiCell(0, size*0.5, w.tr(sec.Title), "", "L", false)
	w.pdf.Ln(3)
	w.setFont()
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
