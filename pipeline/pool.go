// Package pipeline runs fetch jobs on a bounded set of workers.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/gitbook2pdf/models"
)

var (
	// ErrPoolClosed is returned when Submit is called after the queue drained
	// or the pool was cancelled.
	ErrPoolClosed = errors.New("pipeline: closed")
)

// Handler executes one job. It must always return a result, including on
// failure; the pool never retries.
type Handler func(ctx context.Context, job models.FetchJob) models.FetchResult

// Pool runs Handler on N workers over an unbounded shared queue.
//
// Jobs may be submitted from inside a Handler. The queue closes once Seal has
// been called and every submitted job has finished, so a page handler can
// enqueue its asset jobs before its own job is counted as done.
type Pool struct {
	handler Handler
	workers int
	delay   time.Duration
	logger  *slog.Logger

	mu       sync.Mutex // guards queue/inflight/sealed/closed
	queue    []models.FetchJob
	inflight int
	sealed   bool
	closed   bool

	signal   chan struct{}
	drained  chan struct{}
	results  chan models.FetchResult
	finished chan struct{}
	err      error

	closeOnce sync.Once
	startOnce sync.Once

	metrics metrics
}

// Option customises a Pool.
type Option func(*Pool)

// WithDelay sets the pause a worker takes after each successful request.
func WithDelay(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.delay = d
		}
	}
}

// WithLogger overrides the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool builds a pool with the given worker count.
func NewPool(workers int, handler Handler, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		handler:  handler,
		workers:  workers,
		logger:   slog.Default(),
		signal:   make(chan struct{}, 1),
		drained:  make(chan struct{}),
		results:  make(chan models.FetchResult, workers),
		finished: make(chan struct{}),
		metrics:  newMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Results must be drained by the caller until
// the channel is closed.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		group, gctx := errgroup.WithContext(ctx)
		for i := 0; i < p.workers; i++ {
			id := i
			group.Go(func() error {
				return p.worker(gctx, id)
			})
		}

		go func() {
			err := group.Wait()
			p.close()
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			close(p.results)
			close(p.finished)
		}()
	})
}

// Submit enqueues a job. It never blocks.
func (p *Pool) Submit(job models.FetchJob) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, job)
	p.inflight++
	p.mu.Unlock()

	p.metrics.incrementSubmitted(job.Kind)
	p.notify()
	return nil
}

// Seal marks the end of external submissions. The queue closes once all
// outstanding jobs, including ones they enqueue, have finished.
func (p *Pool) Seal() {
	p.mu.Lock()
	p.sealed = true
	idle := p.inflight == 0
	p.mu.Unlock()

	if idle {
		p.close()
	}
}

// Results streams job outcomes in completion order.
func (p *Pool) Results() <-chan models.FetchResult {
	return p.results
}

// Wait blocks until every worker has exited. It returns the context error
// when the pool stopped because of cancellation.
func (p *Pool) Wait() error {
	<-p.finished
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Pending returns the number of submitted jobs that have not finished.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pool) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until the pool stops.
func (p *Pool) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m := p.GetMetrics()
				p.logger.Info("pool progress",
					slog.Int64("completed", m["completed"].(int64)),
					slog.Int64("failed", m["failed"].(int64)),
					slog.Int("pending", p.Pending()),
				)
			case <-p.finished:
				return
			}
		}
	}()
}

func (p *Pool) worker(ctx context.Context, id int) error {
	for {
		job, ok := p.next(ctx)
		if !ok {
			return ctx.Err()
		}

		p.metrics.enter()
		result := p.handler(ctx, job)
		p.metrics.leave()
		p.metrics.record(result)

		if !result.OK() {
			p.logger.Debug("job failed",
				slog.Int("worker", id),
				slog.String("kind", job.Kind.String()),
				slog.String("url", job.URL),
				slog.String("error_kind", string(result.Kind)),
				slog.Any("error", result.Err),
			)
		}

		p.results <- result
		p.finish()

		if result.OK() && !result.Skipped && p.delay > 0 {
			if !sleep(ctx, p.delay) {
				return ctx.Err()
			}
		}
	}
}

// next pops the oldest job, waiting until one arrives, the queue drains or
// ctx is cancelled.
func (p *Pool) next(ctx context.Context) (models.FetchJob, bool) {
	for {
		if ctx.Err() != nil {
			return models.FetchJob{}, false
		}

		p.mu.Lock()
		if len(p.queue) > 0 {
			job := p.queue[0]
			p.queue[0] = models.FetchJob{}
			p.queue = p.queue[1:]
			more := len(p.queue) > 0
			p.mu.Unlock()
			if more {
				p.notify()
			}
			return job, true
		}
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return models.FetchJob{}, false
		}

		select {
		case <-p.signal:
		case <-p.drained:
		case <-ctx.Done():
			return models.FetchJob{}, false
		}
	}
}

func (p *Pool) finish() {
	p.mu.Lock()
	p.inflight--
	idle := p.sealed && p.inflight == 0
	p.mu.Unlock()

	if idle {
		p.close()
	}
}

func (p *Pool) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Pool) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.drained)
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type metrics struct {
	mu        sync.Mutex
	submitted map[string]int64
	completed int64
	failed    int64
	skipped   int64
	errors    map[string]int

	active    atomic.Int64
	maxActive atomic.Int64
}

func newMetrics() metrics {
	return metrics{
		submitted: make(map[string]int64),
		errors:    make(map[string]int),
	}
}

func (m *metrics) incrementSubmitted(kind models.JobKind) {
	m.mu.Lock()
	m.submitted[kind.String()]++
	m.mu.Unlock()
}

func (m *metrics) enter() {
	n := m.active.Add(1)
	for {
		peak := m.maxActive.Load()
		if n <= peak || m.maxActive.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (m *metrics) leave() {
	m.active.Add(-1)
}

func (m *metrics) record(result models.FetchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case result.Skipped:
		m.skipped++
	case result.OK():
		m.completed++
	default:
		m.failed++
		m.errors[string(result.Kind)]++
	}
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	submitted := make(map[string]int64, len(m.submitted))
	for k, v := range m.submitted {
		submitted[k] = v
	}
	errs := make(map[string]int, len(m.errors))
	for k, v := range m.errors {
		errs[k] = v
	}

	return map[string]interface{}{
		"submitted":  submitted,
		"completed":  m.completed,
		"failed":     m.failed,
		"skipped":    m.skipped,
		"errors":     errs,
		"max_active": m.maxActive.Load(),
	}
}
