// Package errors defines the unified error taxonomy for routing operations.
// Every failure that can surface to a caller is expressed as a RouteError
// with a stable kind code and an HTTP status mapping.
package errors

import (
	"fmt"
	"net/http"
)

// Kind identifies a routing failure class. Kinds are stable strings that
// appear verbatim in API error bodies.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindRateLimited         Kind = "rate_limited"
	KindNoCandidate         Kind = "no_candidate_available"
	KindAllCandidatesFailed Kind = "all_candidates_failed"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindInvalidRequest      Kind = "invalid_request"
	KindProviderError       Kind = "provider_error"
)

// RouteError is the standard error for admission and dispatch failures.
// It carries everything needed for client responses and logging.
type RouteError struct {
	Kind       Kind   `json:"code"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`

	// Retryable marks per-candidate outcomes that should advance the
	// fallback walk rather than abort it. It is never surfaced directly.
	Retryable bool `json:"-"`

	// RetryAfterSec is a hint for quota/rate rejections, emitted as a
	// Retry-After header by the API layer. Zero means no hint.
	RetryAfterSec int `json:"-"`
}

func (e *RouteError) Error() string {
	if e.Provider != "" || e.Model != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Kind, e.Message, e.Provider, e.Model)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the status code for API responses.
func (e *RouteError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewUnauthorized reports a missing, invalid, or revoked API key.
func NewUnauthorized(message string) *RouteError {
	return &RouteError{Kind: KindUnauthorized, StatusCode: http.StatusUnauthorized, Message: message}
}

// NewQuotaExceeded reports an exhausted daily quota.
func NewQuotaExceeded(message string, retryAfterSec int) *RouteError {
	return &RouteError{
		Kind:          KindQuotaExceeded,
		StatusCode:    http.StatusTooManyRequests,
		Message:       message,
		RetryAfterSec: retryAfterSec,
	}
}

// NewRateLimited reports an empty rate-limit bucket.
func NewRateLimited(message string, retryAfterSec int) *RouteError {
	return &RouteError{
		Kind:          KindRateLimited,
		StatusCode:    http.StatusTooManyRequests,
		Message:       message,
		RetryAfterSec: retryAfterSec,
	}
}

// NewNoCandidate reports that every eligible backend was filtered out.
func NewNoCandidate(message string) *RouteError {
	return &RouteError{Kind: KindNoCandidate, StatusCode: http.StatusServiceUnavailable, Message: message}
}

// NewAllCandidatesFailed reports dispatch exhaustion across the full ranking.
func NewAllCandidatesFailed(message string) *RouteError {
	return &RouteError{Kind: KindAllCandidatesFailed, StatusCode: http.StatusServiceUnavailable, Message: message}
}

// NewUpstreamUnavailable reports an unreachable entitlement or counter store.
func NewUpstreamUnavailable(message string) *RouteError {
	return &RouteError{Kind: KindUpstreamUnavailable, StatusCode: http.StatusServiceUnavailable, Message: message, Retryable: true}
}

// NewTimeout reports an exceeded end-to-end request deadline.
func NewTimeout(message string) *RouteError {
	return &RouteError{Kind: KindTimeout, StatusCode: http.StatusGatewayTimeout, Message: message, Retryable: true}
}

// NewInvalidRequest reports a malformed inbound request.
func NewInvalidRequest(message string) *RouteError {
	return &RouteError{Kind: KindInvalidRequest, StatusCode: http.StatusBadRequest, Message: message}
}

// NewProviderError wraps a backend failure. Retryability is derived from the
// upstream status code and drives the fallback walk.
func NewProviderError(provider, model string, statusCode int, message string) *RouteError {
	return &RouteError{
		Kind:       KindProviderError,
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  IsRetryableStatus(statusCode),
	}
}

// IsRetryableStatus classifies an upstream status code. Timeouts, throttles,
// and 5xx responses advance the fallback walk; other 4xx responses are client
// errors that no other candidate can fix.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500
}
