// Package entitlement defines the contract with the subscription system:
// resolving an API key to its account context and persisting usage records.
// The routing core consumes this contract read-mostly; durable storage is
// owned by the implementing collaborator.
package entitlement

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Lookup when the API key does not exist or
// has been revoked. The router maps it to an unauthorized rejection.
var ErrKeyNotFound = errors.New("api key not found")

// AccountContext is the resolved view of an API key: plan limits, priority,
// and the model set the account may use. Instances are immutable after
// construction; the credential cache replaces entries, never mutates them.
type AccountContext struct {
	AccountID string `json:"account_id"`
	PlanID    string `json:"plan_id"`

	// DailyQuotaLimit is the plan's daily cost-unit budget. -1 means
	// unlimited.
	DailyQuotaLimit int64 `json:"daily_quota_limit"`

	// RateLimitRPM is the short-window request ceiling. 0 means unlimited.
	RateLimitRPM int `json:"rate_limit_rpm"`

	// PriorityWeight biases scoring toward higher-paying plans (0-100).
	PriorityWeight float64 `json:"priority_weight"`

	AllowedModels []string `json:"allowed_models"`
}

// AllowsModel reports whether the account's plan includes the model.
func (a *AccountContext) AllowsModel(model string) bool {
	for _, m := range a.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Outcome describes how a routed request terminated.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFallback Outcome = "fallback"
	OutcomeFailure  Outcome = "failure"
)

// UsageEvent is the append-only record of one completed request. Produced
// once per request and handed to the entitlement store asynchronously.
type UsageEvent struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Model        string    `json:"model"`
	CostUnits    int64     `json:"cost_units"`
	Outcome      Outcome   `json:"outcome"`
	LatencyMs    int64     `json:"latency_ms"`
	TokensInput  int       `json:"tokens_input,omitempty"`
	TokensOutput int       `json:"tokens_output,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store is the entitlement collaborator contract.
type Store interface {
	// Lookup resolves a raw API key to its account context. Returns
	// ErrKeyNotFound for unknown or revoked keys.
	Lookup(ctx context.Context, apiKey string) (*AccountContext, error)

	// AppendUsage persists a usage event. Fire-and-forget from the
	// router's perspective; callers must not block the response path on it.
	AppendUsage(ctx context.Context, event UsageEvent) error
}
