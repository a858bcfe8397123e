// Package models defines data structures shared by the crawl pipeline.
package models

import "time"

// FetchStatus is the lifecycle state of a page.
type FetchStatus int

const (
	StatusPending FetchStatus = iota
	StatusFetched
	StatusFailed
)

func (s FetchStatus) String() string {
	switch s {
	case StatusFetched:
		return "fetched"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// PageNode is one entry of the book's table of contents.
type PageNode struct {
	URL      string
	Title    string
	Depth    int
	Children []*PageNode
	Status   FetchStatus
	Failure  ErrorKind
}

// Walk visits the tree depth-first in source order. Returning false from
// fn skips the node's children.
func (n *PageNode) Walk(fn func(*PageNode) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// Pages returns every node below n in depth-first order, excluding n itself.
func (n *PageNode) Pages() []*PageNode {
	var out []*PageNode
	n.Walk(func(node *PageNode) bool {
		if node != n {
			out = append(out, node)
		}
		return true
	})
	return out
}

// Terminal reports whether the node reached Fetched or Failed.
func (n *PageNode) Terminal() bool {
	return n.Status == StatusFetched || n.Status == StatusFailed
}

// JobKind distinguishes page fetches from asset fetches.
type JobKind int

const (
	JobPage JobKind = iota
	JobAsset
)

func (k JobKind) String() string {
	if k == JobAsset {
		return "asset"
	}
	return "page"
}

// FetchJob is an immutable unit of work for the worker pool.
type FetchJob struct {
	Kind          JobKind
	URL           string
	ReferringPage string
	LocalID       string
}

// PageJob builds a page fetch job.
func PageJob(url string) FetchJob {
	return FetchJob{Kind: JobPage, URL: url}
}

// AssetJob builds an asset fetch job for an image found on referringPage.
func AssetJob(url, referringPage, localID string) FetchJob {
	return FetchJob{Kind: JobAsset, URL: url, ReferringPage: referringPage, LocalID: localID}
}

// ErrorKind labels a failure for reporting and selective retries.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindTimeout          ErrorKind = "timeout"
	KindHTTPError        ErrorKind = "http_error"
	KindProxyUnreachable ErrorKind = "proxy_unreachable"
	KindConnection       ErrorKind = "connection"
	KindMalformedURL     ErrorKind = "malformed_url"
	KindDisallowed       ErrorKind = "disallowed"
	KindBodyTooLarge     ErrorKind = "body_too_large"
	KindAssetDecode      ErrorKind = "asset_decode"
	KindEmptyPage        ErrorKind = "empty_page"
	KindCancelled        ErrorKind = "cancelled"
	KindUnknown          ErrorKind = "unknown"
)

// FetchResult is the outcome of a FetchJob.
type FetchResult struct {
	Job         FetchJob
	Body        []byte
	ContentType string
	StatusCode  int
	Attempts    int
	Duration    time.Duration
	Err         error
	Kind        ErrorKind

	// Skipped marks an asset job that was short-circuited because another
	// job already claimed the same URL.
	Skipped bool
}

// OK reports whether the job succeeded.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// PageContent is the parsed form of a fetched page.
type PageContent struct {
	URL       string
	Title     string
	Body      string
	AssetURLs []string
}

// AssetRef pairs a remote asset URL with its local storage identifier.
type AssetRef struct {
	URL     string
	LocalID string
}

// AssetLookup resolves a remote asset URL to a stored local identifier.
// ok is false when the asset was never stored.
type AssetLookup interface {
	Lookup(url string) (localID string, ok bool)
}

// Failure is one failed page or asset, as reported in the run summary.
type Failure struct {
	URL           string    `json:"url"`
	Kind          JobKind   `json:"-"`
	ErrorKind     ErrorKind `json:"error_kind"`
	Attempts      int       `json:"attempts"`
	Message       string    `json:"message"`
	ReferringPage string    `json:"referring_page,omitempty"`
}

// CrawlResult holds everything the assembler needs plus run statistics.
type CrawlResult struct {
	Root     *PageNode
	Contents map[string]*PageContent
	Assets   AssetLookup
	Failures []Failure

	StartTime time.Time
	EndTime   time.Time

	PagesFetched       int
	PagesFailed        int
	AssetsFetched      int
	AssetsFailed       int
	AssetsDeduplicated int
	RequestCount       int
	RetryCount         int
	ErrorsByKind       map[ErrorKind]int
}

// PartialFailure reports whether any page or asset failed.
func (r *CrawlResult) PartialFailure() bool {
	return r.PagesFailed > 0 || r.AssetsFailed > 0
}
