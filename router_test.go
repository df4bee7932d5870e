package modelgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oropendola/modelgate/internal/counter"
	"github.com/oropendola/modelgate/internal/registry"
	"github.com/oropendola/modelgate/pkg/entitlement"
	routeerrors "github.com/oropendola/modelgate/pkg/errors"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]entitlement.AccountContext
	lookups  int
	fail     bool
	events   []entitlement.UsageEvent
}

func (s *fakeStore) Lookup(ctx context.Context, apiKey string) (*entitlement.AccountContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.fail {
		return nil, errors.New("entitlement store down")
	}
	acct, ok := s.accounts[apiKey]
	if !ok {
		return nil, entitlement.ErrKeyNotFound
	}
	out := acct
	return &out, nil
}

func (s *fakeStore) AppendUsage(ctx context.Context, event entitlement.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStore) recorded() []entitlement.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entitlement.UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

func okBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","usage":{"prompt_tokens":12,"completion_tokens":34}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func seedCandidate(t *testing.T, r *Router, id, endpoint string) {
	t.Helper()
	_, err := r.Registry().Upsert(registry.Profile{
		ID:            id,
		Provider:      "openai",
		Endpoint:      endpoint,
		Active:        true,
		CapacityScore: 80,
		CostPerUnit:   0.5,
		MaxConcurrent: 16,
		Timeout:       2 * time.Second,
		ContextWindow: 128000,
	})
	require.NoError(t, err)
}

func newTestRouter(t *testing.T, store *fakeStore, counters counter.Store, opts ...Option) *Router {
	t.Helper()
	r := New(store, counters, opts...)
	t.Cleanup(r.Close)
	return r
}

func routeKind(t *testing.T, err error) routeerrors.Kind {
	t.Helper()
	var re *routeerrors.RouteError
	require.ErrorAs(t, err, &re)
	return re.Kind
}

func TestRouteCompletes(t *testing.T) {
	srv := okBackend(t)
	store := &fakeStore{accounts: map[string]entitlement.AccountContext{
		"sk-alpha": {AccountID: "acct-1", PlanID: "pro", DailyQuotaLimit: 100, PriorityWeight: 50, AllowedModels: []string{"gpt-4o"}},
	}}
	r := newTestRouter(t, store, counter.NewMemoryStore())
	seedCandidate(t, r, "gpt-4o", srv.URL)

	resp, err := r.Route(context.Background(), Request{APIKey: "sk-alpha", Payload: []byte(`{"prompt":"hi"}`), CostUnits: 2})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, "openai", resp.Provider)
	assert.False(t, resp.Fallback)
	assert.Equal(t, 12, resp.TokensInput)
	assert.Equal(t, 34, resp.TokensOutput)
	assert.NotEmpty(t, resp.RequestID)
	assert.Contains(t, string(resp.Body), "cmpl-1")

	r.Close()
	events := store.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, entitlement.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, int64(2), events[0].CostUnits)
	assert.Equal(t, resp.RequestID, events[0].ID)
}

func TestRouteUnknownKey(t *testing.T) {
	store := &fakeStore{accounts: map[string]entitlement.AccountContext{}}
	r := newTestRouter(t, store, counter.NewMemoryStore())

	_, err := r.Route(context.Background(), Request{APIKey: "sk-nope", Payload: []byte(`{}`)})
	assert.Equal(t, routeerrors.KindUnauthorized, routeKind(t, err))
}

func TestRouteEmptyPayload(t *testing.T) {
	store := &fakeStore{accounts: map[string]entitlement.AccountContext{}}
	r := newTestRouter(t, store, counter.NewMemoryStore())

	_, err := r.Route(context.Background(), Request{APIKey: "sk-alpha"})
	assert.Equal(t, routeerrors.KindInvalidRequest, routeKind(t, err))
}

// Two concurrent requests racing for the last quota unit: exactly one
// completes, the other is rejected, and remaining quota ends at zero.
func TestRouteConcurrentQuotaRace(t *testing.T) {
	srv := okBackend(t)
	store := &fakeStore{accounts: map[string]entitlement.AccountContext{
		"sk-alpha": {AccountID: "acct-1", PlanID: "free", DailyQuotaLimit: 1, AllowedModels: []string{"gpt-4o"}},
	}}
	counters := counter.NewMemoryStore()
	r := newTestRouter(t, store, counters)
	seedCandidate(t, r, "gpt-4o", srv.URL)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.Route(context.Background(), Request{APIKey: "sk-alpha", Payload: []byte(`{}`), CostUnits: 1})
			results <- err
		}()
	}

	var completed, quotaExceeded int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			completed++
			continue
		}
		if routeKind(t, err) == routeerrors.KindQuotaExceeded {
			quotaExceeded++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, quotaExceeded)

	// InitIfMissing returns the live value when the key already exists.
	key := fmt.Sprintf("quota:acct-1:%s", time.Now().UTC().Format("2006-01-02"))
	remaining, err := counters.InitIfMissing(context.Background(), key, 99, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

// An empty allowed-model set never reaches dispatch and the reservation is
// credited back in full.
func TestRouteNoCandidateRefundsQuota(t *testing.T) {
	srv := okBackend(t)
	store := &fakeStore{accounts: map[string]entitlement.AccountContext{
		"sk-alpha": {AccountID: "acct-1", PlanID: "free", DailyQuotaLimit: 10, AllowedModels: []string{}},
	}}
	counters := counter.NewMemoryStore()
	r := newTestRouter(t, store, counters)
	seedCandidate(t, r, "gpt-4o", srv.URL)

	_, err := r.Route(context.Background(), Request{APIKey: "sk-alpha", Payload: []byte(`{}`), CostUnits: 3})
	assert.Equal(t, routeerrors.KindNoCandidate, routeKind(t, err))

	key := fmt.Sprintf("quota:acct-1:%s", time.Now().UTC().Format("2006-01-02"))
	remaining, err := counters.InitIfMissing(context.Background(), key, 99, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(10), remaining)
}

// All candidates failing refunds the reservation and records a failure
// usage event.
func TestRouteAllCandidatesFailedRefundsQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	store := &fakeStore{accounts: map[string]entitlement.AccountContext{
		"sk-alpha": {AccountID: "acct-1", PlanID: "free", DailyQuotaLimit: 10, AllowedModels: []string{"gpt-4o"}},
	}}
	counters := counter.NewMemoryStore()
	r := newTestRouter(t, store, counters)
	seedCandidate(t, r, "gpt-4o", srv.URL)

	_, err := r.Route(context.Background(), Request{APIKey: "sk-alpha", Payload: []byte(`{}`), CostUnits: 4})
	assert.Equal(t, routeerrors.KindAllCandidatesFailed, routeKind(t, err))

	key := fmt.Sprintf("quota:acct-1:%s", time.Now().UTC().Format("2006-01-02"))
	remaining, err := counters.InitIfMissing(context.Background(), key, 99, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(10), remaining)

	r.Close()
	events := store.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, entitlement.OutcomeFailure, events[0].Outcome)
}

// Fallback to the second candidate marks the response and the usage event.
func TestRouteFallbackOutcome(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)
	good := okBackend(t)

	store := &fakeStore{accounts: map[string]entitlement.AccountContext{
		"sk-alpha": {AccountID: "acct-1", PlanID: "pro", DailyQuotaLimit: -1, AllowedModels: []string{"primary", "secondary"}},
	}}
	r := newTestRouter(t, store, counter.NewMemoryStore())
	seedCandidate(t, r, "primary", bad.URL)
	seedCandidate(t, r, "secondary", good.URL)

	// Make primary the clear top pick so the walk starts there.
	c, ok := r.Registry().Get("primary")
	require.True(t, ok)
	c.ObserveLatency(1)
	c, ok = r.Registry().Get("secondary")
	require.True(t, ok)
	c.ObserveLatency(5000)

	resp, err := r.Route(context.Background(), Request{APIKey: "sk-alpha", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Model)
	assert.True(t, resp.Fallback)

	r.Close()
	events := store.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, entitlement.OutcomeFallback, events[0].Outcome)
}

// An expired cached credential plus an unreachable entitlement store serves
// the stale value; with no prior value the request fails as a transient
// service error.
func TestRouteStaleCredentialServe(t *testing.T) {
	srv := okBackend(t)
	store := &fakeStore{accounts: map[string]entitlement.AccountContext{
		"sk-alpha": {AccountID: "acct-1", PlanID: "pro", DailyQuotaLimit: -1, AllowedModels: []string{"gpt-4o"}},
	}}
	r := newTestRouter(t, store, counter.NewMemoryStore(), WithCredentialTTL(20*time.Millisecond))
	seedCandidate(t, r, "gpt-4o", srv.URL)

	_, err := r.Route(context.Background(), Request{APIKey: "sk-alpha", Payload: []byte(`{}`)})
	require.NoError(t, err)

	store.mu.Lock()
	store.fail = true
	store.mu.Unlock()
	time.Sleep(50 * time.Millisecond)

	// Fresh entry expired, store down, stale value still present.
	_, err = r.Route(context.Background(), Request{APIKey: "sk-alpha", Payload: []byte(`{}`)})
	require.NoError(t, err)

	// Never-seen key with the store down has nothing to fall back on.
	_, err = r.Route(context.Background(), Request{APIKey: "sk-other", Payload: []byte(`{}`)})
	assert.Equal(t, routeerrors.KindUpstreamUnavailable, routeKind(t, err))
}

func TestSetWeightsSwapsAtomically(t *testing.T) {
	store := &fakeStore{accounts: map[string]entitlement.AccountContext{}}
	r := newTestRouter(t, store, counter.NewMemoryStore())

	w := r.Weights()
	w.Cost = 9.5
	r.SetWeights(w)
	assert.Equal(t, 9.5, r.Weights().Cost)
}
