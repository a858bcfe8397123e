// Package report writes the end-of-run summary and failure exports.
package report

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/aluiziolira/gitbook2pdf/models"
)

// Summary describes one finished run.
type Summary struct {
	Title       string
	RootURL     string
	RunID       string
	Output      string
	TempDir     string
	Pages       int
	Interrupted bool
	RenderError string
	Result      *models.CrawlResult
	Failures    []models.Failure
}

// Duration returns the crawl wall time.
func (s *Summary) Duration() time.Duration {
	if s.Result == nil || s.Result.EndTime.IsZero() {
		return 0
	}
	return s.Result.EndTime.Sub(s.Result.StartTime)
}

// Status returns a one-word outcome.
func (s *Summary) Status() string {
	switch {
	case s.Interrupted:
		return "interrupted"
	case s.RenderError != "":
		return "render failed"
	case s.Result != nil && s.Result.PartialFailure():
		return "partial"
	default:
		return "complete"
	}
}

// WriteMarkdown renders s as a Markdown document.
func WriteMarkdown(w io.Writer, s *Summary) error {
	if s == nil || s.Result == nil {
		return fmt.Errorf("write report: missing crawl result")
	}
	md := markdown.NewMarkdown(w)
	r := s.Result

	md.H1(firstNonEmpty(s.Title, "gitbook2pdf run"))
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Root URL", s.RootURL},
			{"Run", "`" + s.RunID + "`"},
			{"Started", r.StartTime.Format("2006-01-02 15:04:05 MST")},
			{"Duration", s.Duration().Round(time.Millisecond).String()},
			{"Output", firstNonEmpty(s.Output, "-")},
			{"PDF pages", strconv.Itoa(s.Pages)},
			{"Temp dir", firstNonEmpty(s.TempDir, "-")},
			{"Status", s.Status()},
		},
	})
	md.PlainText("")

	md.H2("Fetch Summary")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"", "Fetched", "Failed"},
		Rows: [][]string{
			{"Pages", strconv.Itoa(r.PagesFetched), strconv.Itoa(r.PagesFailed)},
			{"Assets", strconv.Itoa(r.AssetsFetched), strconv.Itoa(r.AssetsFailed)},
		},
	})
	md.PlainText("")
	md.BulletList(
		fmt.Sprintf("Requests: %d", r.RequestCount),
		fmt.Sprintf("Retries: %d", r.RetryCount),
		fmt.Sprintf("Duplicate assets skipped: %d", r.AssetsDeduplicated),
	)
	md.PlainText("")

	switch {
	case s.Interrupted:
		md.Cautionf("The run was interrupted. %d page(s) were not retrieved.", r.PagesFailed)
	case s.RenderError != "":
		md.Cautionf("Rendering failed: %s", s.RenderError)
	case r.PagesFailed > 0:
		md.Warningf("%d page(s) could not be retrieved and appear as placeholders.", r.PagesFailed)
	case r.AssetsFailed > 0:
		md.Importantf("%d image(s) could not be retrieved.", r.AssetsFailed)
	default:
		md.Tip("Every page and image was retrieved.")
	}
	md.PlainText("")

	writeErrorChart(md, r.ErrorsByKind)
	writeFailures(md, s.Failures)

	return md.Build()
}

func writeErrorChart(md *markdown.Markdown, byKind map[models.ErrorKind]int) {
	if len(byKind) == 0 {
		return
	}
	kinds := make([]models.ErrorKind, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	chart := piechart.NewPieChart(io.Discard, piechart.WithTitle("Errors by kind"), piechart.WithShowData(true))
	for _, kind := range kinds {
		chart.LabelAndIntValue(string(kind), uint64(byKind[kind]))
	}
	md.H2("Errors")
	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func writeFailures(md *markdown.Markdown, failures []models.Failure) {
	if len(failures) == 0 {
		return
	}
	md.H2("Failures")
	md.PlainText("")
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, []string{
			f.Kind.String(),
			f.URL,
			string(f.ErrorKind),
			strconv.Itoa(f.Attempts),
			firstNonEmpty(f.ReferringPage, "-"),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Job", "URL", "Error", "Attempts", "Referring page"},
		Rows:   rows,
	})
	md.PlainText("")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
