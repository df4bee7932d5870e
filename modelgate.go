// Package modelgate admits, scores, and routes AI completion requests across
// candidate model backends. A Router validates the caller's credential,
// reserves daily quota and a rate-limit token, ranks the account's eligible
// candidates, dispatches with fallback, and records a usage event for every
// completed or failed request.
package modelgate

import (
	"github.com/goccy/go-json"
)

// Request is one routing call. Payload is forwarded opaquely to whichever
// backend wins the ranking.
type Request struct {
	// APIKey is the caller's raw credential, as extracted from the
	// Authorization header or equivalent.
	APIKey string

	// Payload is the model-specific request body.
	Payload json.RawMessage

	// CostUnits is the quota charge for this request. Values below 1 are
	// treated as 1.
	CostUnits int64

	// MinContextWindow excludes candidates with a smaller context window.
	// Zero means no requirement.
	MinContextWindow int
}

// Response is a completed routing call.
type Response struct {
	// RequestID identifies this request in usage events and logs.
	RequestID string

	// Model and Provider identify the candidate that served the request.
	Model    string
	Provider string

	// Body is the backend's response body, unmodified.
	Body json.RawMessage

	// Fallback is true when the winning candidate was not the top-ranked
	// one.
	Fallback bool

	// LatencyMs is the winning attempt's duration.
	LatencyMs int64

	// TokensInput and TokensOutput are filled when the backend reports
	// usage.
	TokensInput  int
	TokensOutput int
}
