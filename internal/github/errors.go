package github

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/cli/go-gh/v2/pkg/api"
)

// StatusCode returns the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether the resource is gone (deleted or renamed).
func IsNotFound(err error) bool {
	switch StatusCode(err) {
	case http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// IsForbidden reports whether access was denied for a reason other than
// rate limiting.
func IsForbidden(err error) bool {
	switch StatusCode(err) {
	case http.StatusForbidden:
		return !IsRateLimited(err)
	case http.StatusUnavailableForLegalReasons:
		return true
	}
	return false
}

// IsUnauthorized reports whether the credentials were rejected.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsRateLimited reports whether the API refused the request because a
// primary or secondary rate limit was hit.
func IsRateLimited(err error) bool {
	var httpErr *api.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return isRateLimitResponse(httpErr.StatusCode, ParseRateInfo(httpErr.Headers), httpErr.Message)
}

func isRateLimitResponse(status int, info RateInfo, message string) bool {
	switch status {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		if info.Present && info.Remaining == 0 {
			return true
		}
		if info.RetryAfter > 0 {
			return true
		}
		return strings.Contains(strings.ToLower(message), "rate limit")
	}
	return false
}

// IsTransient reports whether err is worth retrying: server errors,
// timeouts, dropped connections, and rate limiting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if status := StatusCode(err); status != 0 {
		return status >= 500 || status == http.StatusRequestTimeout || IsRateLimited(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
