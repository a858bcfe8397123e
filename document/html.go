package document

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

const stylesheet = `body { font-family: sans-serif; line-height: 1.5; margin: 2em; }
section.chapter { page-break-before: always; }
img { max-width: 100%; }
pre { background: #f6f8fa; padding: 0.8em; overflow-x: auto; }
.missing-page, .missing-image { color: #a33; font-style: italic; }
nav.toc ul { list-style: none; padding-left: 1.2em; }`

// WriteHTML writes the composite as a standalone HTML page: a nested table
// of contents followed by one chapter section per entry.
func (d *Document) WriteHTML(w io.Writer) error {
	bw := bufio.NewWriter(w)
	title := html.EscapeString(d.Title)

	fmt.Fprintf(bw, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n<style>\n%s\n</style>\n</head>\n<body>\n", title, stylesheet)
	fmt.Fprintf(bw, "<h1 class=\"book-title\">%s</h1>\n", title)

	d.writeTOC(bw)

	for _, sec := range d.Sections {
		level := sec.Depth
		if level < 1 {
			level = 1
		}
		if level > 6 {
			level = 6
		}
		class := "chapter"
		if sec.Placeholder {
			class += " placeholder"
		}
		fmt.Fprintf(bw, "<section class=\"%s\" id=\"%s\">\n<h%d>%s</h%d>\n%s\n</section>\n",
			class, html.EscapeString(sec.ID), level, html.EscapeString(sec.Title), level, sec.Body)
	}

	bw.WriteString("</body>\n</html>\n")
	return bw.Flush()
}

// HTML returns the composite as a string.
func (d *Document) HTML() (string, error) {
	var b strings.Builder
	if err := d.WriteHTML(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (d *Document) writeTOC(w *bufio.Writer) {
	if len(d.Sections) == 0 {
		return
	}
	w.WriteString("<nav class=\"toc\">\n")
	depth := 0
	for i, sec := range d.Sections {
		target := sec.Depth
		if target < 1 {
			target = 1
		}
		switch {
		case target > depth:
			for ; depth < target; depth++ {
				w.WriteString("<ul>\n")
				if depth+1 < target {
					w.WriteString("<li>\n")
				}
			}
		case target < depth:
			w.WriteString("</li>\n")
			for ; depth > target; depth-- {
				w.WriteString("</ul>\n</li>\n")
			}
		default:
			if i > 0 {
				w.WriteString("</li>\n")
			}
		}
		fmt.Fprintf(w, "<li><a href=\"#%s\">%s</a>\n", html.EscapeString(sec.ID), html.EscapeString(sec.Title))
	}
	w.WriteString("</li>\n")
	for ; depth > 0; depth-- {
		w.WriteString("</ul>\n")
		if depth > 1 {
			w.WriteString("</li>\n")
		}
	}
	w.WriteString("</nav>\n")
}
