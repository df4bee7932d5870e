package modelgate

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oropendola/modelgate/internal/admission"
	"github.com/oropendola/modelgate/internal/counter"
	"github.com/oropendola/modelgate/internal/credcache"
	"github.com/oropendola/modelgate/internal/dispatch"
	"github.com/oropendola/modelgate/internal/metrics"
	"github.com/oropendola/modelgate/internal/registry"
	"github.com/oropendola/modelgate/internal/scoring"
	"github.com/oropendola/modelgate/internal/usage"
	"github.com/oropendola/modelgate/pkg/entitlement"
	routeerrors "github.com/oropendola/modelgate/pkg/errors"
)

// Router is the orchestrator: one Route call runs credential resolution,
// admission, ranking, dispatch with fallback, and usage recording. A Router
// is safe for concurrent use; requests share no state beyond the quota and
// in-flight counters.
type Router struct {
	creds      *credcache.Cache
	limiter    *admission.Limiter
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	recorder   *usage.Recorder
	weights    atomic.Pointer[scoring.Weights]
	deadline   time.Duration
	logger     *slog.Logger
}

// New builds a Router on top of an entitlement store and a shared counter
// store.
func New(store entitlement.Store, counters counter.Store, opts ...Option) *Router {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Router{
		creds:      credcache.New(store, cfg.credentialTTL, cfg.logger),
		limiter:    admission.NewLimiter(counters, cfg.logger),
		registry:   registry.New(),
		dispatcher: dispatch.New(cfg.httpClient, cfg.logger),
		recorder:   usage.NewRecorder(store, cfg.usageBuffer, cfg.usageWorkers, cfg.logger),
		deadline:   cfg.requestDeadline,
		logger:     cfg.logger,
	}
	w := cfg.weights
	r.weights.Store(&w)
	return r
}

// Registry exposes the candidate registry for seeding and health probing.
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// SetWeights swaps the scoring weights. In-flight requests keep the weights
// they started with.
func (r *Router) SetWeights(w scoring.Weights) {
	r.weights.Store(&w)
}

// Weights returns the current scoring weights.
func (r *Router) Weights() scoring.Weights {
	return *r.weights.Load()
}

// Invalidate drops a cached credential, forcing the next request with that
// key back to the entitlement store.
func (r *Router) Invalidate(apiKey string) {
	r.creds.Invalidate(apiKey)
}

// Close flushes the usage queue and stops the recorder.
func (r *Router) Close() {
	r.recorder.Close()
}

// Route runs one request through admission and dispatch. Rejections come
// back as *errors.RouteError; a reservation taken for a request that never
// consumed backend capacity is always credited back before returning.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if len(req.Payload) == 0 {
		return nil, r.reject(routeerrors.NewInvalidRequest("empty payload"))
	}
	cost := req.CostUnits
	if cost < 1 {
		cost = 1
	}

	acct, err := r.creds.Resolve(ctx, req.APIKey)
	if err != nil {
		return nil, r.reject(err)
	}

	res, err := r.limiter.Reserve(ctx, acct, cost)
	if err != nil {
		return nil, r.reject(err)
	}

	ranked := scoring.Rank(r.Weights(), r.registry.Snapshot(acct.AllowedModels), acct, scoring.Request{
		MinContextWindow: req.MinContextWindow,
	})
	if len(ranked) == 0 {
		r.limiter.Release(context.WithoutCancel(ctx), res)
		metrics.AdmissionRejections.WithLabelValues("no_candidate").Inc()
		return nil, r.reject(routeerrors.NewNoCandidate("no eligible candidate for account " + acct.AccountID))
	}

	dispatchCtx := ctx
	if r.deadline > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	result, err := r.dispatcher.Dispatch(dispatchCtx, ranked, req.Payload)
	if err != nil {
		r.limiter.Release(context.WithoutCancel(ctx), res)
		r.record(res, acct, ranked[0].ID, entitlement.OutcomeFailure, time.Since(start), 0, 0)
		metrics.RequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	r.limiter.Commit(res)

	outcome := entitlement.OutcomeSuccess
	if result.Fallback {
		outcome = entitlement.OutcomeFallback
	}
	r.record(res, acct, result.Candidate.ID, outcome, time.Since(start), result.TokensInput, result.TokensOutput)

	metrics.RequestsTotal.WithLabelValues("completed").Inc()
	metrics.RequestLatency.WithLabelValues(result.Candidate.ID).Observe(time.Since(start).Seconds())

	return &Response{
		RequestID:    res.ID,
		Model:        result.Candidate.ID,
		Provider:     result.Candidate.Provider,
		Body:         result.Body,
		Fallback:     result.Fallback,
		LatencyMs:    result.LatencyMs,
		TokensInput:  result.TokensInput,
		TokensOutput: result.TokensOutput,
	}, nil
}

func (r *Router) record(res *admission.Reservation, acct *entitlement.AccountContext, model string, outcome entitlement.Outcome, elapsed time.Duration, tokensIn, tokensOut int) {
	r.recorder.Record(entitlement.UsageEvent{
		ID:           res.ID,
		AccountID:    acct.AccountID,
		Model:        model,
		CostUnits:    res.CostUnits,
		Outcome:      outcome,
		LatencyMs:    elapsed.Milliseconds(),
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		Timestamp:    time.Now().UTC(),
	})
}

func (r *Router) reject(err error) error {
	metrics.RequestsTotal.WithLabelValues("rejected").Inc()
	var re *routeerrors.RouteError
	if errors.As(err, &re) {
		r.logger.Info("request rejected", "code", re.Kind, "message", re.Message)
	}
	return err
}
