package render

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark/ast"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/aluiziolira/gitbook2pdf/parser"
	"github.com/aluiziolira/gitbook2pdf/storage"
)

const lineHeight = 5.0

// pdfWriter draws a goldmark tree onto the current fpdf page.
type pdfWriter struct {
	pdf    *fpdf.Fpdf
	store  storage.Store
	links  map[string]int
	tr     func(string) string
	source []byte

	font string
	mono string
	size float64
	utf8 bool

	bold   bool
	italic bool
	// list numbering per nesting level; 0 for bullet lists
	lists []int
	quote int
}

func (w *pdfWriter) render(node ast.Node, source []byte) error {
	w.source = source
	w.bold, w.italic, w.lists, w.quote = false, false, nil, 0
	w.setFont()
	return ast.Walk(node, w.walk)
}

func (w *pdfWriter) setFont() {
	style := ""
	if w.bold {
		style += "B"
	}
	if w.italic {
		style += "I"
	}
	w.pdf.SetFont(w.font, style, w.size)
}

func (w *pdfWriter) write(s string) {
	if s == "" {
		return
	}
	w.pdf.Write(lineHeight, w.tr(s))
}

func (w *pdfWriter) left() float64 {
	left, _, _, _ := w.pdf.GetMargins()
	return left
}

func (w *pdfWriter) contentWidth() float64 {
	left, _, right, _ := w.pdf.GetMargins()
	pageW, _ := w.pdf.GetPageSize()
	return pageW - left - right
}

// newline ends the current line unless the cursor already sits at the margin.
func (w *pdfWriter) newline() {
	if w.pdf.GetX() > w.left()+0.5 {
		w.pdf.Ln(lineHeight)
	}
}

func (w *pdfWriter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		return w.heading(node, entering)
	case *ast.Paragraph:
		if !entering {
			w.newline()
			if len(w.lists) == 0 {
				w.pdf.Ln(2)
			}
		}
	case *ast.Text:
		if entering {
			w.write(string(node.Segment.Value(w.source)))
			if node.HardLineBreak() {
				w.pdf.Ln(lineHeight)
			} else if node.SoftLineBreak() {
				w.write(" ")
			}
		}
	case *ast.String:
		if entering {
			w.write(string(node.Value))
		}
	case *ast.Emphasis:
		if node.Level == 2 {
			w.bold = entering
		} else {
			w.italic = entering
		}
		w.setFont()
	case *ast.CodeSpan:
		if entering {
			w.pdf.SetFont(w.mono, "", w.size-1)
			w.write(w.plain(node))
			w.setFont()
		}
		return ast.WalkSkipChildren, nil
	case *ast.FencedCodeBlock:
		if entering {
			w.codeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			w.codeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		w.list(node, entering)
	case *ast.ListItem:
		if entering {
			w.listItem()
		} else {
			w.newline()
		}
	case *ast.Blockquote:
		w.blockquote(entering)
	case *ast.ThematicBreak:
		if entering {
			w.newline()
			w.pdf.Ln(2)
			y := w.pdf.GetY()
			w.pdf.Line(w.left(), y, w.left()+w.contentWidth(), y)
			w.pdf.Ln(3)
		}
	case *ast.Link:
		if entering {
			w.link(w.plain(node), string(node.Destination))
		}
		return ast.WalkSkipChildren, nil
	case *ast.AutoLink:
		if entering {
			w.link(string(node.Label(w.source)), string(node.URL(w.source)))
		}
		return ast.WalkSkipChildren, nil
	case *ast.Image:
		if entering {
			w.image(string(node.Destination), w.plain(node))
		}
		return ast.WalkSkipChildren, nil
	case *ast.HTMLBlock, *ast.RawHTML:
		return ast.WalkSkipChildren, nil
	case *extast.Table:
		if entering {
			w.table(node)
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (w *pdfWriter) heading(n *ast.Heading, entering bool) (ast.WalkStatus, error) {
	if !entering {
		w.pdf.Ln(lineHeight + 1)
		w.setFont()
		return ast.WalkContinue, nil
	}
	w.newline()
	w.pdf.Ln(3)
	size := 11.0
	switch n.Level {
	case 1:
		size = 15
	case 2:
		size = 13
	case 3:
		size = 12
	}
	w.pdf.SetFont(w.font, "B", size)
	return ast.WalkContinue, nil
}

func (w *pdfWriter) codeBlock(lines *text.Segments) {
	w.newline()
	w.pdf.Ln(1)
	w.pdf.SetFont(w.mono, "", w.size-1)
	w.pdf.SetFillColor(245, 245, 245)
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		line := strings.TrimRight(string(seg.Value(w.source)), "\r\n")
		line = strings.ReplaceAll(line, "\t", "    ")
		w.pdf.MultiCell(0, lineHeight-0.5, w.tr(line), "", "L", true)
	}
	w.pdf.SetFillColor(255, 255, 255)
	w.pdf.Ln(2)
	w.setFont()
}

func (w *pdfWriter) list(n *ast.List, entering bool) {
	if entering {
		w.newline()
		start := 0
		if n.IsOrdered() {
			start = max(n.Start, 1)
		}
		w.lists = append(w.lists, start)
		return
	}
	w.lists = w.lists[:len(w.lists)-1]
	if len(w.lists) == 0 {
		w.pdf.Ln(2)
	}
}

func (w *pdfWriter) listItem() {
	w.newline()
	depth := len(w.lists)
	w.pdf.SetX(w.left() + float64(depth)*5)
	marker := "- "
	if n := w.lists[depth-1]; n > 0 {
		marker = fmt.Sprintf("%d. ", n)
		w.lists[depth-1]++
	}
	w.write(marker)
}

func (w *pdfWriter) blockquote(entering bool) {
	w.newline()
	left, top, right, _ := w.pdf.GetMargins()
	if entering {
		w.quote++
		w.pdf.SetMargins(left+6, top, right)
		w.pdf.SetX(left + 6)
		w.italic = true
	} else {
		w.quote--
		w.pdf.SetMargins(left-6, top, right)
		w.pdf.SetX(left - 6)
		w.italic = w.quote > 0
		w.pdf.Ln(2)
	}
	w.setFont()
}

func (w *pdfWriter) link(label, dest string) {
	if label == "" {
		label = dest
	}
	w.pdf.SetTextColor(30, 80, 160)
	if id, ok := strings.CutPrefix(dest, "#"); ok {
		if link, found := w.links[id]; found {
			w.pdf.WriteLinkID(lineHeight, w.tr(label), link)
		} else {
			w.write(label)
		}
	} else {
		w.pdf.WriteLinkString(lineHeight, w.tr(label), dest)
	}
	w.pdf.SetTextColor(0, 0, 0)
}

// image embeds a stored asset scaled to the content width. Sources that are
// not local asset identifiers fall back to their alt text.
func (w *pdfWriter) image(dest, alt string) {
	path, err := w.store.Path(dest)
	if err != nil || !strings.HasPrefix(dest, parser.AssetDir+"/") {
		w.write(fmt.Sprintf("[%s]", firstNonEmpty(alt, "image")))
		return
	}
	mtype, err := mimetype.DetectFile(path)
	imageType := ""
	if err == nil {
		imageType = parser.ImageType(mtype.String())
	}
	if imageType == "" {
		w.write(fmt.Sprintf("[%s]", firstNonEmpty(alt, "image")))
		return
	}

	opts := fpdf.ImageOptions{ImageType: imageType, ReadDpi: true}
	info := w.pdf.RegisterImageOptions(path, opts)
	if info == nil || w.pdf.Err() {
		return
	}
	width := min(info.Width(), w.contentWidth())
	_, top, _, bottom := w.pdf.GetMargins()
	_, pageH := w.pdf.GetPageSize()
	if maxH := pageH - top - bottom - 20; info.Width() > 0 && width*info.Height()/info.Width() > maxH {
		width = maxH * info.Width() / info.Height()
	}
	w.newline()
	w.pdf.ImageOptions(path, w.left(), w.pdf.GetY(), width, 0, true, opts, 0, "")
	w.pdf.Ln(2)
}

func (w *pdfWriter) table(n *extast.Table) {
	var rows [][]string
	for row := n.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, strings.TrimSpace(w.plain(cell)))
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return
	}
	w.newline()
	w.pdf.Ln(1)

	cols := len(rows[0])
	widths := w.columnWidths(rows, cols)
	_, pageH := w.pdf.GetPageSize()
	_, _, _, bottom := w.pdf.GetMargins()
	const cellLine = 4.0

	for i, row := range rows {
		style := ""
		if i == 0 {
			style = "B"
		}
		w.pdf.SetFont(w.font, style, 8)

		wrapped := make([][]string, cols)
		lines := 1
		for j := 0; j < cols; j++ {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			wrapped[j] = w.wrap(w.tr(cell), widths[j]-2)
			lines = max(lines, len(wrapped[j]))
		}
		lines = min(lines, 10)
		height := float64(lines)*cellLine + 2

		y := w.pdf.GetY()
		if y+height > pageH-bottom {
			w.pdf.AddPage()
			y = w.pdf.GetY()
		}
		x := w.left()
		for j := 0; j < cols; j++ {
			if i == 0 {
				w.pdf.SetFillColor(230, 230, 230)
				w.pdf.Rect(x, y, widths[j], height, "FD")
			} else {
				w.pdf.Rect(x, y, widths[j], height, "D")
			}
			for k, line := range wrapped[j] {
				if k >= lines {
					break
				}
				w.pdf.SetXY(x+1, y+1+float64(k)*cellLine)
				w.pdf.CellFormat(widths[j]-2, cellLine, line, "", 0, "L", false, 0, "")
			}
			x += widths[j]
		}
		w.pdf.SetXY(w.left(), y+height)
	}
	w.pdf.SetFillColor(255, 255, 255)
	w.pdf.Ln(3)
	w.setFont()
}

// columnWidths sizes columns by their widest cell and shrinks them
// proportionally to the content width.
func (w *pdfWriter) columnWidths(rows [][]string, cols int) []float64 {
	widths := make([]float64, cols)
	total := 0.0
	for j := 0; j < cols; j++ {
		widest := 10.0
		for _, row := range rows {
			if j < len(row) {
				widest = max(widest, w.pdf.GetStringWidth(w.tr(row[j]))+4)
			}
		}
		widths[j] = widest
		total += widest
	}
	available := w.contentWidth()
	if total > available {
		for j := range widths {
			widths[j] = widths[j] / total * available
		}
	}
	return widths
}

// wrap splits already translated text into lines no wider than width.
// Core fonts index widths by byte, UTF-8 fonts by rune.
func (w *pdfWriter) wrap(s string, width float64) []string {
	if w.utf8 {
		return w.pdf.SplitText(s, width)
	}
	var lines []string
	for _, line := range w.pdf.SplitLines([]byte(s), width) {
		lines = append(lines, string(line))
	}
	return lines
}

// plain collects the inline text below n.
func (w *pdfWriter) plain(n ast.Node) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(w.source))
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
