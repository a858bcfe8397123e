package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"

	"github.com/aluiziolira/gitbook2pdf/config"
	"github.com/aluiziolira/gitbook2pdf/document"
	"github.com/aluiziolira/gitbook2pdf/journal"
	"github.com/aluiziolira/gitbook2pdf/models"
	"github.com/aluiziolira/gitbook2pdf/render"
	"github.com/aluiziolira/gitbook2pdf/report"
	"github.com/aluiziolira/gitbook2pdf/scraper"
	"github.com/aluiziolira/gitbook2pdf/storage"
)

// compositeFile is the assembled HTML written to the working directory.
const compositeFile = "book.html"

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	level    *slog.LevelVar
	out      io.Writer
	progress bool

	// extra scraper options, used by tests to inject a transport
	scraperOpts []scraper.Option
}

func (a *app) run(ctx context.Context) error {
	cfg := a.cfg
	tempDir, owned, err := prepareTempDir(cfg.TempDir)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	a.logger.Info("starting conversion",
		slog.String("url", cfg.RootURL),
		slog.Int("workers", cfg.Concurrency),
		slog.Duration("delay", cfg.Delay),
		slog.String("temp_dir", tempDir))

	store, err := storage.NewDirStore(tempDir)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	opts := append([]scraper.Option{scraper.WithLogger(a.logger)}, a.scraperOpts...)
	runJournal, err := journal.Open(ctx, tempDir, cfg.RootURL)
	if err != nil {
		a.logger.Warn("journal disabled", slog.Any("error", err))
	} else {
		defer runJournal.Close()
		opts = append(opts, scraper.WithRecorder(runJournal))
	}

	var bar *progressbar.ProgressBar
	if a.progress {
		opts = append(opts, scraper.WithProgress(func(res models.FetchResult) {
			if bar != nil && res.Job.Kind == models.JobPage {
				_ = bar.Add(1)
			}
		}))
	}

	s, err := scraper.NewScraper(cfg, store, opts...)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	if cfg.MetricsAddr != "" {
		stopMetrics := a.serveMetrics(s.Metrics)
		defer stopMetrics()
	}

	tree, err := s.Discover(ctx)
	if err != nil {
		a.logger.Info("working directory kept", slog.String("path", tempDir))
		code := exitFailure
		if ctx.Err() != nil {
			code = exitInterrupted
		}
		return &exitError{code: code, err: err}
	}

	if a.progress {
		bar = newProgressBar(len(tree.Pages()))
		a.level.Set(slog.LevelWarn)
	}
	result := s.Crawl(ctx, tree)
	if bar != nil {
		_ = bar.Finish()
		a.level.Set(slog.LevelInfo)
	}
	interrupted := ctx.Err() != nil

	doc := document.Assemble(result.Root, result.Contents, result.Assets)
	htmlPath := filepath.Join(tempDir, compositeFile)
	if err := writeComposite(htmlPath, doc); err != nil {
		a.logger.Error("write composite document", slog.Any("error", err))
	}

	summary := &report.Summary{
		Title:       doc.Title,
		RootURL:     cfg.RootURL,
		TempDir:     tempDir,
		Interrupted: interrupted,
		Result:      result,
		Failures:    result.Failures,
	}

	var renderErr error
	if !interrupted {
		renderer := render.NewPDFRenderer(store,
			render.WithFont(cfg.FontFile),
			render.WithPageSize(cfg.PageSize),
			render.WithLogger(a.logger))
		if renderErr = renderer.Render(ctx, doc, cfg.OutputFile); renderErr != nil {
			a.logger.Error("rendering failed", slog.Any("error", renderErr))
			summary.RenderError = renderErr.Error()
		} else {
			summary.Output = cfg.OutputFile
			summary.Pages, _ = render.PageCount(cfg.OutputFile)
		}
	}

	if runJournal != nil {
		summary.RunID = runJournal.RunID()
		if err := runJournal.Finish(ctx, result); err != nil {
			a.logger.Warn("finish journal", slog.Any("error", err))
		}
		if failures, err := runJournal.Failures(context.WithoutCancel(ctx)); err == nil {
			summary.Failures = failures
		}
	}
	a.writeReports(summary)

	if result.PartialFailure() {
		a.logger.Warn("some pages or images could not be retrieved",
			slog.Int("pages_failed", result.PagesFailed),
			slog.Int("assets_failed", result.AssetsFailed))
	}

	success := !interrupted && renderErr == nil
	if owned && success && !cfg.KeepTemp && !result.PartialFailure() {
		if err := os.RemoveAll(tempDir); err != nil {
			a.logger.Warn("remove working directory", slog.Any("error", err))
		}
		summary.TempDir = ""
	} else {
		a.logger.Info("working directory kept",
			slog.String("path", tempDir),
			slog.String("composite", htmlPath))
	}

	printSummary(a.out, summary)

	switch {
	case interrupted:
		return &exitError{code: exitInterrupted, err: errors.New("interrupted")}
	case renderErr != nil:
		return &exitError{code: exitFailure, err: renderErr}
	}
	return nil
}

// prepareTempDir returns the working directory and whether this run created
// it and may remove it.
func prepareTempDir(dir string) (string, bool, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("create working directory: %w", err)
		}
		return dir, false, nil
	}
	dir, err := os.MkdirTemp("", "gitbook_")
	if err != nil {
		return "", false, fmt.Errorf("create working directory: %w", err)
	}
	return dir, true, nil
}

func writeComposite(path string, doc *document.Document) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := doc.WriteHTML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeReports writes <output>.report.md next to the PDF and exports
// failures into the working directory.
func (a *app) writeReports(summary *report.Summary) {
	reportPath := strings.TrimSuffix(a.cfg.OutputFile, filepath.Ext(a.cfg.OutputFile)) + ".report.md"
	f, err := os.Create(reportPath)
	if err != nil {
		a.logger.Warn("create report", slog.Any("error", err))
	} else {
		if err := report.WriteMarkdown(f, summary); err != nil {
			a.logger.Warn("write report", slog.Any("error", err))
		}
		f.Close()
		a.logger.Debug("report written", slog.String("path", reportPath))
	}

	paths, err := report.ExportFailures(summary.TempDir, summary.Failures)
	if err != nil {
		a.logger.Warn("export failures", slog.Any("error", err))
	}
	for _, p := range paths {
		a.logger.Info("failures exported", slog.String("path", p))
	}
}

func (a *app) serveMetrics(metrics *scraper.Metrics) func() {
	server := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	a.logger.Info("metrics server enabled", slog.String("addr", a.cfg.MetricsAddr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

func newProgressBar(pages int) *progressbar.ProgressBar {
	return progressbar.NewOptions(pages,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Fetching pages"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
}

func printSummary(w io.Writer, s *report.Summary) {
	r := s.Result
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintf(w, "Conversion %s\n", s.Status())
	fmt.Fprintf(w, "  Book:          %s\n", s.Title)
	fmt.Fprintf(w, "  Pages:         %d fetched, %d failed\n", r.PagesFetched, r.PagesFailed)
	fmt.Fprintf(w, "  Images:        %d fetched, %d failed, %d deduplicated\n", r.AssetsFetched, r.AssetsFailed, r.AssetsDeduplicated)
	fmt.Fprintf(w, "  Requests:      %d (%d retries)\n", r.RequestCount, r.RetryCount)
	if len(r.ErrorsByKind) > 0 {
		fmt.Fprintf(w, "  Error types:   %v\n", r.ErrorsByKind)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", s.Duration().Round(time.Millisecond))
	if s.Output != "" {
		fmt.Fprintf(w, "  Output file:   %s (%d pages)\n", s.Output, s.Pages)
	}
	if s.TempDir != "" {
		fmt.Fprintf(w, "  Working dir:   %s\n", s.TempDir)
	}
	fmt.Fprintln(w, separator)
}
