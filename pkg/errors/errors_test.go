package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteErrorMessage(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", 503, "upstream overloaded")
	assert.Contains(t, err.Error(), "provider_error")
	assert.Contains(t, err.Error(), "provider=openai")
	assert.Contains(t, err.Error(), "model=gpt-4o")

	plain := NewUnauthorized("invalid api key")
	assert.Equal(t, "[unauthorized] invalid api key", plain.Error())
}

func TestHTTPStatusCodes(t *testing.T) {
	tests := []struct {
		err  *RouteError
		want int
	}{
		{NewUnauthorized("x"), http.StatusUnauthorized},
		{NewQuotaExceeded("x", 0), http.StatusTooManyRequests},
		{NewRateLimited("x", 1), http.StatusTooManyRequests},
		{NewNoCandidate("x"), http.StatusServiceUnavailable},
		{NewAllCandidatesFailed("x"), http.StatusServiceUnavailable},
		{NewUpstreamUnavailable("x"), http.StatusServiceUnavailable},
		{NewTimeout("x"), http.StatusGatewayTimeout},
		{NewInvalidRequest("x"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.HTTPStatusCode(), string(tt.err.Kind))
	}

	zero := &RouteError{Kind: KindProviderError}
	assert.Equal(t, http.StatusInternalServerError, zero.HTTPStatusCode())
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryableStatus(http.StatusInternalServerError))
	assert.True(t, IsRetryableStatus(http.StatusBadGateway))
	assert.True(t, IsRetryableStatus(http.StatusServiceUnavailable))
	assert.True(t, IsRetryableStatus(http.StatusRequestTimeout))
	assert.True(t, IsRetryableStatus(http.StatusTooManyRequests))

	assert.False(t, IsRetryableStatus(http.StatusBadRequest))
	assert.False(t, IsRetryableStatus(http.StatusUnauthorized))
	assert.False(t, IsRetryableStatus(http.StatusNotFound))
	assert.False(t, IsRetryableStatus(http.StatusUnprocessableEntity))
}

func TestProviderErrorRetryableFlag(t *testing.T) {
	retryable := NewProviderError("azure", "gpt-4o", 500, "boom")
	assert.True(t, retryable.Retryable)

	fatal := NewProviderError("azure", "gpt-4o", 400, "bad payload")
	assert.False(t, fatal.Retryable)
}

func TestErrorsAsUnwrapping(t *testing.T) {
	wrapped := fmt.Errorf("dispatch failed: %w", NewTimeout("deadline exceeded"))

	var routeErr *RouteError
	require.True(t, errors.As(wrapped, &routeErr))
	assert.Equal(t, KindTimeout, routeErr.Kind)
}
