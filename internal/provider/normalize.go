package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var quotaMarkers = []string{"quota", "resource_exhausted", "rate limit", "rate_limit", "too many requests"}

// NormalizeHTTP maps a non-2xx provider response onto the shared taxonomy. body is
// only inspected for quota markers; retryAfter is the raw Retry-After header.
func NormalizeHTTP(status int, body []byte, retryAfter string) *Error {
	lower := strings.ToLower(string(body))
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	e := &Error{StatusCode: status, InternalMessage: snippet}
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusForbidden && containsAny(lower, quotaMarkers):
		e.Category = CategoryThrottled
		e.Code = "THROTTLED"
		e.Retryable = true
		e.RetryAfter = parseRetryAfter(retryAfter, time.Now())
		e.UserMessage = "Provider rate limit reached"
	case status >= 500, status == http.StatusRequestTimeout:
		e.Category = CategoryTransient
		e.Code = "UPSTREAM_" + strconv.Itoa(status)
		e.Retryable = true
		e.UserMessage = "Provider temporarily unavailable"
	case status >= 400:
		e.Category = CategoryInvalidInput
		e.Code = "INVALID_INPUT"
		e.UserMessage = "Provider rejected the request"
	default:
		e.Category = CategoryUnknown
		e.Code = "UNEXPECTED_STATUS_" + strconv.Itoa(status)
		e.UserMessage = "Unexpected provider response"
	}
	return e
}

// NormalizeErr maps a transport-level error.
func NormalizeErr(err error) *Error {
	if err == nil {
		return nil
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Category: CategoryCanceled, Code: "CANCELED", UserMessage: "Call canceled", InternalMessage: err.Error()}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Category: CategoryTransient, Code: "UPSTREAM_TIMEOUT", Retryable: true, UserMessage: "Upstream timeout", InternalMessage: err.Error()}
	}
	if errors.As(err, &netErr) {
		return &Error{Category: CategoryTransient, Code: "NETWORK", Retryable: true, UserMessage: "Network error", InternalMessage: err.Error()}
	}
	return &Error{Category: CategoryUnknown, Code: "UNKNOWN", UserMessage: "Unknown provider failure", InternalMessage: err.Error()}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
