package scraper

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/gitbook2pdf/config"
	"github.com/aluiziolira/gitbook2pdf/models"
)

// Fetcher performs single GETs with per-attempt timeouts and bounded
// retries. It holds no per-job state and is safe for concurrent use.
type Fetcher struct {
	cfg       *config.Config
	client    *http.Client
	transport http.RoundTripper
	proxy     string
	limiter   *rate.Limiter
	robots    *robotsAgent
	metrics   *Metrics
	logger    *slog.Logger

	requests atomic.Int64
	retries  atomic.Int64
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) FetcherOption {
	return func(f *Fetcher) {
		if rt != nil {
			f.transport = rt
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// WithFetchLogger overrides the logger.
func WithFetchLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFetcher builds a fetcher from cfg. When cfg names a proxy every request
// goes through it; there is no direct fallback.
func NewFetcher(cfg *config.Config, opts ...FetcherOption) (*Fetcher, error) {
	proxy, err := cfg.Proxy()
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		cfg:    cfg,
		logger: slog.Default(),
	}
	if proxy != nil {
		f.proxy = proxy.Redacted()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.Concurrency * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	f.transport = transport

	for _, opt := range opts {
		opt(f)
	}

	f.client = &http.Client{Transport: f.transport}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.RespectRobotsTxt {
		f.robots = newRobotsAgent(f.client, cfg.UserAgent)
	}
	return f, nil
}

// Transport returns the round tripper shared with discovery.
func (f *Fetcher) Transport() http.RoundTripper {
	return f.transport
}

// RequestCount returns the number of HTTP attempts issued.
func (f *Fetcher) RequestCount() int {
	return int(f.requests.Load())
}

// RetryCount returns the number of retries scheduled.
func (f *Fetcher) RetryCount() int {
	return int(f.retries.Load())
}

// Fetch runs job to a terminal outcome. Each attempt moves the job to
// success, a retry after backoff, or failure once the error is permanent or
// the retry budget is spent.
func (f *Fetcher) Fetch(ctx context.Context, job models.FetchJob) models.FetchResult {
	start := time.Now()
	result := models.FetchResult{Job: job}
	fail := func(err error) models.FetchResult {
		result.Err = err
		result.Kind = KindOf(err)
		result.Duration = time.Since(start)
		f.metrics.IncError(string(result.Kind))
		return result
	}

	target, err := parseTarget(job.URL)
	if err != nil {
		return fail(err)
	}

	if job.Kind == models.JobPage && f.robots != nil && !f.robots.Allowed(ctx, target) {
		return fail(ErrDisallowed{URL: job.URL})
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		resp, err := f.attempt(ctx, job.Kind, target)
		if err == nil {
			result.Body = resp.body
			result.ContentType = resp.contentType
			result.StatusCode = resp.status
			result.Duration = time.Since(start)
			return result
		}

		var status ErrHTTPStatus
		if errors.As(err, &status) {
			result.StatusCode = status.Status
		}

		if ctx.Err() != nil {
			return fail(context.Canceled)
		}
		if !Retryable(err) || attempt > f.cfg.MaxRetries {
			return fail(err)
		}

		delay := f.backoff(attempt)
		f.retries.Add(1)
		f.metrics.IncRetries()
		f.logger.Debug("retrying request",
			slog.String("url", job.URL),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if !wait(ctx, delay) {
			return fail(context.Canceled)
		}
	}
}

type response struct {
	body        []byte
	contentType string
	status      int
}

func (f *Fetcher) attempt(ctx context.Context, kind models.JobKind, target *url.URL) (*response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, context.Canceled
		}
	}

	actx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, ErrMalformedURL{URL: target.String(), Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if kind == models.JobAsset {
		req.Header.Set("Accept", "image/avif,image/webp,image/png,image/*;q=0.8,*/*;q=0.5")
	} else {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	f.requests.Add(1)
	began := time.Now()
	resp, err := f.client.Do(req)
	f.metrics.ObserveDuration(kind.String(), time.Since(began))
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		classified := classifyError(err, 0, f.proxy)
		f.metrics.IncRequest(kind.String(), string(KindOf(classified)))
		return nil, classified
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		f.metrics.IncRequest(kind.String(), "http_"+statusClass(resp.StatusCode))
		return nil, classifyError(nil, resp.StatusCode, f.proxy)
	}

	body, err := readBody(resp, f.cfg.MaxBodySize)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		var tooLarge ErrBodyTooLarge
		if !errors.As(err, &tooLarge) {
			err = classifyError(err, 0, f.proxy)
		}
		f.metrics.IncRequest(kind.String(), string(KindOf(err)))
		return nil, err
	}

	f.metrics.IncRequest(kind.String(), "ok")
	return &response{
		body:        body,
		contentType: resp.Header.Get("Content-Type"),
		status:      resp.StatusCode,
	}, nil
}

// backoff returns base*2^(attempt-1), capped at RetryBackoffMax.
func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	return delay
}

func readBody(resp *http.Response, limit int64) ([]byte, error) {
	reader := io.Reader(resp.Body)

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}

	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge{Limit: limit}
	}
	return body, nil
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, ErrMalformedURL{URL: raw, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrMalformedURL{URL: raw, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, ErrMalformedURL{URL: raw, Err: errors.New("missing host")}
	}
	return u, nil
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
