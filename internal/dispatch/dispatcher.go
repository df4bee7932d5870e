// Package dispatch executes a ranked candidate list: each candidate is tried
// at most once per request under its own timeout, retryable failures advance
// to the next candidate, and fatal failures abort the walk. A candidate's
// configured retry budget governs reconnect attempts inside a single
// candidate call and is a separate concept from cross-candidate fallback.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/oropendola/modelgate/internal/metrics"
	"github.com/oropendola/modelgate/internal/registry"
	routeerrors "github.com/oropendola/modelgate/pkg/errors"
)

const defaultRetryBackoff = 200 * time.Millisecond

// Result is a successful dispatch outcome.
type Result struct {
	Candidate *registry.Candidate
	Body      json.RawMessage
	LatencyMs int64

	// Fallback is true when the winning candidate was not the first in
	// the ranking.
	Fallback bool

	// TokensInput and TokensOutput are filled when the backend reports
	// usage in its response body.
	TokensInput  int
	TokensOutput int
}

// Dispatcher walks rankings and talks to candidate backends over HTTP.
type Dispatcher struct {
	client       *http.Client
	logger       *slog.Logger
	retryBackoff time.Duration
}

// New creates a dispatcher. A nil client gets a pooled default.
func New(client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: client, logger: logger, retryBackoff: defaultRetryBackoff}
}

// usageEnvelope extracts token usage from backends that report it.
type usageEnvelope struct {
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	TokensInput  int `json:"tokens_input"`
	TokensOutput int `json:"tokens_output"`
}

// Dispatch tries each ranked candidate in order and returns the first
// success. The in-flight counter is incremented exactly once per attempt and
// decremented on every exit path. The caller's context deadline bounds the
// whole walk; once it expires remaining candidates are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, ranked []*registry.Candidate, payload []byte) (*Result, error) {
	if len(ranked) == 0 {
		return nil, routeerrors.NewNoCandidate("ranking is empty")
	}

	var lastErr *routeerrors.RouteError

	for i, candidate := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, routeerrors.NewTimeout("request deadline exceeded during fallback")
		}

		result, err := d.attempt(ctx, candidate, payload)
		if err == nil {
			result.Fallback = i > 0
			metrics.DispatchAttempts.WithLabelValues(candidate.ID, candidate.Provider, "success").Inc()
			return result, nil
		}

		var routeErr *routeerrors.RouteError
		if !errors.As(err, &routeErr) {
			routeErr = routeerrors.NewProviderError(candidate.Provider, candidate.ID, http.StatusBadGateway, err.Error())
		}

		if ctx.Err() != nil {
			metrics.DispatchAttempts.WithLabelValues(candidate.ID, candidate.Provider, "timeout").Inc()
			return nil, routeerrors.NewTimeout("request deadline exceeded")
		}

		if !routeErr.Retryable {
			// A client error will fail identically everywhere; trying
			// further candidates only burns their capacity.
			metrics.DispatchAttempts.WithLabelValues(candidate.ID, candidate.Provider, "fatal").Inc()
			d.logger.Warn("dispatch aborted on fatal candidate error",
				"candidate", candidate.ID,
				"provider", candidate.Provider,
				"error", routeErr.Message,
			)
			return nil, routeErr
		}

		metrics.DispatchAttempts.WithLabelValues(candidate.ID, candidate.Provider, "retryable").Inc()
		d.logger.Debug("candidate failed, falling back",
			"candidate", candidate.ID,
			"provider", candidate.Provider,
			"position", i,
			"error", routeErr.Message,
		)
		lastErr = routeErr
	}

	msg := "all candidates failed"
	if lastErr != nil {
		msg = fmt.Sprintf("all %d candidates failed, last error: %s", len(ranked), lastErr.Message)
	}
	return nil, routeerrors.NewAllCandidatesFailed(msg)
}

// attempt performs one candidate call under the candidate's timeout, with
// the candidate's internal reconnect budget for connection-level failures.
func (d *Dispatcher) attempt(ctx context.Context, candidate *registry.Candidate, payload []byte) (*Result, error) {
	candidate.BeginAttempt()
	defer candidate.EndAttempt()

	attemptCtx := ctx
	var cancel context.CancelFunc
	if candidate.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, candidate.Timeout)
		defer cancel()
	}

	start := time.Now()

	var lastErr error
	reconnects := candidate.RetryAttempts
	if reconnects < 0 {
		reconnects = 0
	}

	for try := 0; try <= reconnects; try++ {
		if try > 0 {
			backoff := d.retryBackoff * time.Duration(1<<(try-1))
			select {
			case <-attemptCtx.Done():
				return nil, routeerrors.NewProviderError(candidate.Provider, candidate.ID,
					http.StatusRequestTimeout, "candidate call timed out")
			case <-time.After(backoff):
			}
		}

		result, err := d.call(attemptCtx, candidate, payload)
		if err == nil {
			latency := time.Since(start)
			candidate.ObserveLatency(float64(latency.Milliseconds()))
			result.LatencyMs = latency.Milliseconds()
			return result, nil
		}
		lastErr = err

		// Only connection-level failures are worth reconnecting to the
		// same candidate; HTTP-level errors already have a definitive
		// answer from the backend.
		var routeErr *routeerrors.RouteError
		if errors.As(err, &routeErr) {
			return nil, err
		}
		if attemptCtx.Err() != nil {
			return nil, routeerrors.NewProviderError(candidate.Provider, candidate.ID,
				http.StatusRequestTimeout, "candidate call timed out")
		}
	}

	return nil, routeerrors.NewProviderError(candidate.Provider, candidate.ID,
		http.StatusBadGateway, fmt.Sprintf("connection failed after %d attempts: %v", reconnects+1, lastErr))
}

func (d *Dispatcher) call(ctx context.Context, candidate *registry.Candidate, payload []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, candidate.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, routeerrors.NewProviderError(candidate.Provider, candidate.ID,
			http.StatusInternalServerError, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		// Returned as a plain error so attempt() may reconnect.
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, routeerrors.NewProviderError(candidate.Provider, candidate.ID,
			http.StatusBadGateway, fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode >= 400 {
		return nil, routeerrors.NewProviderError(candidate.Provider, candidate.ID,
			resp.StatusCode, truncate(string(body), 256))
	}

	result := &Result{Candidate: candidate, Body: body}

	var usage usageEnvelope
	if err := json.Unmarshal(body, &usage); err == nil {
		result.TokensInput = max(usage.Usage.PromptTokens, usage.TokensInput)
		result.TokensOutput = max(usage.Usage.CompletionTokens, usage.TokensOutput)
	}

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
