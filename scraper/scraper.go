// Package scraper discovers a GitBook's table of contents and fetches its
// pages and images on a worker pool.
package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aluiziolira/gitbook2pdf/config"
	"github.com/aluiziolira/gitbook2pdf/models"
	"github.com/aluiziolira/gitbook2pdf/parser"
	"github.com/aluiziolira/gitbook2pdf/pipeline"
	"github.com/aluiziolira/gitbook2pdf/storage"
)

// Recorder receives every job outcome, e.g. a run journal.
type Recorder interface {
	Record(ctx context.Context, result models.FetchResult) error
}

// Scraper wires discovery, fetching, parsing and storage together.
type Scraper struct {
	cfg        *config.Config
	fetcher    *Fetcher
	discoverer *Discoverer
	resolver   *parser.Resolver
	store      storage.Store
	recorder   Recorder
	progress   func(models.FetchResult)
	logger     *slog.Logger
	Metrics    *Metrics

	transport http.RoundTripper
}

// Option customises a Scraper.
type Option func(*Scraper)

// WithHTTPTransport routes every request through rt.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(s *Scraper) {
		s.transport = rt
	}
}

// WithRecorder records each FetchResult as it arrives.
func WithRecorder(r Recorder) Option {
	return func(s *Scraper) {
		s.recorder = r
	}
}

// WithProgress is called once per job result, from a single goroutine.
func WithProgress(fn func(models.FetchResult)) Option {
	return func(s *Scraper) {
		s.progress = fn
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scraper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScraper builds a scraper that writes page bodies and assets to store.
func NewScraper(cfg *config.Config, store storage.Store, opts ...Option) (*Scraper, error) {
	s := &Scraper{
		cfg:     cfg,
		store:   store,
		logger:  slog.Default(),
		Metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	fetcher, err := NewFetcher(cfg,
		WithTransport(s.transport),
		WithMetrics(s.Metrics),
		WithFetchLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}
	resolver, err := parser.NewResolver(512)
	if err != nil {
		return nil, err
	}

	s.fetcher = fetcher
	s.discoverer = NewDiscoverer(cfg, fetcher)
	s.resolver = resolver
	return s, nil
}

// Run discovers the book and crawls every page. A non-nil error means
// discovery failed and nothing was fetched.
func (s *Scraper) Run(ctx context.Context) (*models.CrawlResult, error) {
	tree, err := s.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return s.Crawl(ctx, tree), nil
}

// Discover builds the table of contents tree.
func (s *Scraper) Discover(ctx context.Context) (*models.PageNode, error) {
	tree, err := s.discoverer.Discover(ctx, s.cfg.RootURL)
	if err != nil {
		s.logger.Error("discovery failed", slog.String("url", s.cfg.RootURL), slog.Any("error", err))
		return nil, err
	}
	s.Metrics.SetDiscovered(len(tree.Pages()))
	return tree, nil
}

// crawl holds the state shared between pool workers for one Crawl call.
type crawl struct {
	s      *Scraper
	pool   *pipeline.Pool
	assets *pipeline.AssetMap

	mu       sync.Mutex
	contents map[string]*models.PageContent
}

// Crawl fetches every page of tree, then the images each page references.
// Every node ends Fetched or Failed, including on cancellation.
func (s *Scraper) Crawl(ctx context.Context, tree *models.PageNode) *models.CrawlResult {
	result := &models.CrawlResult{
		Root:         tree,
		StartTime:    time.Now(),
		ErrorsByKind: make(map[models.ErrorKind]int),
	}

	c := &crawl{
		s:        s,
		assets:   pipeline.NewAssetMap(),
		contents: make(map[string]*models.PageContent),
	}
	c.pool = pipeline.NewPool(s.cfg.Concurrency, c.handle,
		pipeline.WithDelay(s.cfg.Delay),
		pipeline.WithLogger(s.logger),
	)
	if s.cfg.Verbose {
		c.pool.StartMetricsReporting(5 * time.Second)
	}

	byURL := make(map[string][]*models.PageNode)
	var order []string
	for _, node := range tree.Pages() {
		if _, ok := byURL[node.URL]; !ok {
			order = append(order, node.URL)
		}
		byURL[node.URL] = append(byURL[node.URL], node)
	}

	c.pool.Start(ctx)
	for _, u := range order {
		if err := c.pool.Submit(models.PageJob(u)); err != nil {
			break
		}
	}
	c.pool.Seal()

	for res := range c.pool.Results() {
		s.collect(ctx, result, byURL, res)
	}
	if err := c.pool.Wait(); err != nil {
		s.logger.Warn("crawl interrupted", slog.Any("error", err))
	}

	for _, node := range tree.Pages() {
		if node.Terminal() {
			continue
		}
		node.Status = models.StatusFailed
		node.Failure = models.KindCancelled
		result.PagesFailed++
		result.ErrorsByKind[models.KindCancelled]++
		result.Failures = append(result.Failures, models.Failure{
			URL:       node.URL,
			Kind:      models.JobPage,
			ErrorKind: models.KindCancelled,
			Message:   "not fetched before cancellation",
		})
	}

	result.Contents = c.contents
	result.Assets = c.assets
	result.AssetsDeduplicated = c.assets.Deduplicated()
	result.RequestCount = s.fetcher.RequestCount()
	result.RetryCount = s.fetcher.RetryCount()
	result.EndTime = time.Now()
	return result
}

// collect runs on the caller's goroutine only; it is the single writer of
// node status and result counters.
func (s *Scraper) collect(ctx context.Context, result *models.CrawlResult, byURL map[string][]*models.PageNode, res models.FetchResult) {
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, res); err != nil {
			s.logger.Warn("record result", slog.String("url", res.Job.URL), slog.Any("error", err))
		}
	}
	if s.progress != nil {
		s.progress(res)
	}

	if !res.OK() {
		result.ErrorsByKind[res.Kind]++
		result.Failures = append(result.Failures, models.Failure{
			URL:           res.Job.URL,
			Kind:          res.Job.Kind,
			ErrorKind:     res.Kind,
			Attempts:      res.Attempts,
			Message:       res.Err.Error(),
			ReferringPage: res.Job.ReferringPage,
		})
		s.logger.Warn("fetch failed",
			slog.String("kind", res.Job.Kind.String()),
			slog.String("url", res.Job.URL),
			slog.String("error_kind", string(res.Kind)),
			slog.Int("attempts", res.Attempts),
			slog.Any("error", res.Err),
		)
	}

	switch res.Job.Kind {
	case models.JobPage:
		for _, node := range byURL[res.Job.URL] {
			if res.OK() {
				node.Status = models.StatusFetched
			} else {
				node.Status = models.StatusFailed
				node.Failure = res.Kind
			}
		}
		if res.OK() {
			result.PagesFetched++
		} else {
			result.PagesFailed++
		}
	case models.JobAsset:
		switch {
		case res.Skipped:
		case res.OK():
			result.AssetsFetched++
		default:
			result.AssetsFailed++
		}
	}
}

func (c *crawl) handle(ctx context.Context, job models.FetchJob) models.FetchResult {
	if job.Kind == models.JobAsset {
		return c.fetchAsset(ctx, job)
	}
	return c.fetchPage(ctx, job)
}

func (c *crawl) fetchPage(ctx context.Context, job models.FetchJob) models.FetchResult {
	res := c.s.fetcher.Fetch(ctx, job)
	if !res.OK() {
		return res
	}

	content, err := parser.Extract(job.URL, res.Body)
	if err == nil {
		err = parser.ValidatePage(content)
	}
	if err == nil {
		err = c.s.store.Put(PageID(job.URL), res.Body)
	}
	res.Body = nil
	if err != nil {
		res.Err = err
		res.Kind = KindOf(err)
		c.s.Metrics.IncError(string(res.Kind))
		return res
	}

	c.mu.Lock()
	c.contents[job.URL] = content
	c.mu.Unlock()

	// Assets are queued only now that the page is parsed, and before this
	// page job is reported done, so the pool cannot drain early.
	for _, ref := range c.s.resolver.Resolve(content) {
		if err := c.pool.Submit(models.AssetJob(ref.URL, job.URL, ref.LocalID)); err != nil {
			c.s.logger.Debug("asset not queued", slog.String("url", ref.URL), slog.Any("error", err))
		}
	}
	return res
}

func (c *crawl) fetchAsset(ctx context.Context, job models.FetchJob) models.FetchResult {
	id, claimed := c.assets.Claim(job.URL, job.LocalID)
	if !claimed {
		c.s.Metrics.IncDedupe()
		job.LocalID = id
		return models.FetchResult{Job: job, Skipped: true}
	}

	res := c.s.fetcher.Fetch(ctx, job)
	if res.OK() {
		if _, err := parser.ValidateAsset(res.Body); err != nil {
			res.Err = ErrAssetDecode{URL: job.URL, Err: err}
			res.Kind = models.KindAssetDecode
			c.s.Metrics.IncError(string(res.Kind))
		} else if err := c.s.store.Put(id, res.Body); err != nil {
			res.Err = fmt.Errorf("store asset: %w", err)
			res.Kind = models.KindUnknown
		}
	}
	res.Body = nil
	c.assets.Complete(job.URL, res.Err)
	return res
}

// PageID is the storage identifier of a page body.
func PageID(pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	return "pages/" + hex.EncodeToString(sum[:])[:16] + ".html"
}
