package pixiv

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"
)

// Category buckets an upstream failure into a retry policy.
type Category string

// Failure categories.
const (
	// CategoryInvalid marks works that are gone for good: deleted,
	// private, or never existed.
	CategoryInvalid Category = "invalid"
	// CategoryRateLimit marks upstream throttling and congestion.
	CategoryRateLimit Category = "rate_limit"
	// CategoryAuth marks an expired or revoked token.
	CategoryAuth Category = "auth"
	// CategoryNetwork marks transient transport failures.
	CategoryNetwork Category = "network"
	// CategoryFilesystem marks local disk failures, carried by
	// FilesystemError from the downloader.
	CategoryFilesystem Category = "filesystem"
	// CategoryUnknown is everything else.
	CategoryUnknown Category = "unknown"
)

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	msg := "pixiv: status " + strconv.Itoa(e.StatusCode) + " for " + e.URL
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// AuthError is surfaced when a refresh + replay still fails authentication.
// It is fatal for the round.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "pixiv: authentication failed"
	}
	return "pixiv: authentication failed: " + e.Err.Error()
}

// Unwrap supports errors.Is/As chains.
func (e *AuthError) Unwrap() error { return e.Err }

// FilesystemError marks a local persistence failure: disk full, bad
// permissions, failed rename. The downloader wraps write errors in it so
// they are retried on the filesystem schedule instead of the network one.
type FilesystemError struct {
	Err error
}

func (e *FilesystemError) Error() string {
	if e.Err == nil {
		return "pixiv: filesystem failure"
	}
	return "pixiv: filesystem failure: " + e.Err.Error()
}

// Unwrap supports errors.Is/As chains.
func (e *FilesystemError) Unwrap() error { return e.Err }

var rateLimitMarkers = []string{
	"rate limit",
	"too many requests",
	"temporarily unavailable",
}

func bodyLooksRateLimited(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Classify maps an error to its retry category. It is pure: no I/O, no
// clock, no retries. The queue and the scheduler act on the result.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return CategoryAuth
	}

	var fsErr *FilesystemError
	if errors.As(err, &fsErr) {
		return CategoryFilesystem
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 404:
			return CategoryInvalid
		case 401:
			return CategoryAuth
		case 429, 500, 502, 503, 504:
			return CategoryRateLimit
		case 403:
			if bodyLooksRateLimited(apiErr.Body) {
				return CategoryRateLimit
			}
			return CategoryUnknown
		case 400:
			if strings.Contains(strings.ToLower(apiErr.Body), "invalid_grant") ||
				strings.Contains(strings.ToLower(apiErr.Body), "refresh token") {
				return CategoryAuth
			}
			return CategoryUnknown
		}
		if bodyLooksRateLimited(apiErr.Body) {
			return CategoryRateLimit
		}
		return CategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return CategoryNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryNetwork
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return CategoryNetwork
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return CategoryNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Transport-level failure without a finer classification above.
		return CategoryNetwork
	}

	return CategoryUnknown
}
