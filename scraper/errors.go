package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/aluiziolira/gitbook2pdf/models"
	"github.com/aluiziolira/gitbook2pdf/parser"
)

// ErrTimeout indicates a request exceeded its per-attempt timeout.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrHTTPStatus indicates the origin answered with a non-2xx status.
type ErrHTTPStatus struct {
	Status int
}

func (e ErrHTTPStatus) Error() string {
	return fmt.Sprintf("http status %d %s", e.Status, http.StatusText(e.Status))
}

// ErrConnection indicates a network connectivity failure with the origin.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrProxyUnreachable indicates the configured proxy could not be used.
type ErrProxyUnreachable struct {
	Proxy string
	Err   error
}

func (e ErrProxyUnreachable) Error() string {
	return fmt.Errorf("proxy %s unreachable: %w", e.Proxy, e.Err).Error()
}

func (e ErrProxyUnreachable) Unwrap() error {
	return e.Err
}

// ErrMalformedURL indicates a URL that cannot be requested.
type ErrMalformedURL struct {
	URL string
	Err error
}

func (e ErrMalformedURL) Error() string {
	return fmt.Errorf("malformed url %q: %w", e.URL, e.Err).Error()
}

func (e ErrMalformedURL) Unwrap() error {
	return e.Err
}

// ErrDisallowed indicates robots.txt forbids the URL.
type ErrDisallowed struct {
	URL string
}

func (e ErrDisallowed) Error() string {
	return fmt.Sprintf("disallowed by robots.txt: %s", e.URL)
}

// ErrBodyTooLarge indicates a response exceeded the configured size cap.
type ErrBodyTooLarge struct {
	Limit int64
}

func (e ErrBodyTooLarge) Error() string {
	return fmt.Sprintf("response body exceeds %d bytes", e.Limit)
}

// ErrAssetDecode indicates an asset downloaded fine but cannot be used.
type ErrAssetDecode struct {
	URL string
	Err error
}

func (e ErrAssetDecode) Error() string {
	return fmt.Errorf("asset %s: %w", e.URL, e.Err).Error()
}

func (e ErrAssetDecode) Unwrap() error {
	return e.Err
}

// ErrDiscovery is fatal: no table of contents could be built from the root.
type ErrDiscovery struct {
	URL string
	Err error
}

func (e ErrDiscovery) Error() string {
	return fmt.Errorf("discover %s: %w", e.URL, e.Err).Error()
}

func (e ErrDiscovery) Unwrap() error {
	return e.Err
}

// KindOf maps an error to the kind reported in summaries.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return models.KindNone
	}
	var proxy ErrProxyUnreachable
	if errors.As(err, &proxy) {
		return models.KindProxyUnreachable
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return models.KindTimeout
	}
	var status ErrHTTPStatus
	if errors.As(err, &status) {
		return models.KindHTTPError
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return models.KindConnection
	}
	var malformed ErrMalformedURL
	if errors.As(err, &malformed) {
		return models.KindMalformedURL
	}
	var disallowed ErrDisallowed
	if errors.As(err, &disallowed) {
		return models.KindDisallowed
	}
	var tooLarge ErrBodyTooLarge
	if errors.As(err, &tooLarge) {
		return models.KindBodyTooLarge
	}
	var decode ErrAssetDecode
	if errors.As(err, &decode) {
		return models.KindAssetDecode
	}
	if errors.Is(err, parser.ErrEmptyPage) {
		return models.KindEmptyPage
	}
	if errors.Is(err, context.Canceled) {
		return models.KindCancelled
	}
	return models.KindUnknown
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case models.KindTimeout, models.KindConnection, models.KindProxyUnreachable:
		return true
	case models.KindHTTPError:
		var status ErrHTTPStatus
		errors.As(err, &status)
		return retryableStatus(status.Status)
	default:
		return false
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// classifyError turns a transport error or status into one of the typed
// errors above. proxyURL is empty when no proxy is configured.
func classifyError(err error, statusCode int, proxyURL string) error {
	if err == nil {
		if statusCode >= 200 && statusCode < 300 || statusCode == 0 {
			return nil
		}
		return ErrHTTPStatus{Status: statusCode}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if proxyURL != "" && isProxyError(err) {
		return ErrProxyUnreachable{Proxy: proxyURL, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrConnection{Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "connection reset") {
		return ErrConnection{Err: err}
	}
	return err
}

// isProxyError recognises dial failures against the proxy itself, as
// reported by net/http for both HTTP CONNECT and SOCKS proxies.
func isProxyError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "proxyconnect" || strings.HasPrefix(opErr.Op, "socks") {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "proxyconnect") || strings.Contains(msg, "socks connect")
}
