// Package admission enforces per-account rate limits and daily quotas on top
// of the shared counter store. A successful Reserve yields a token that must
// be either committed on success or released to refund the quota when the
// request dies before any model attempt succeeds.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oropendola/modelgate/internal/counter"
	"github.com/oropendola/modelgate/internal/metrics"
	"github.com/oropendola/modelgate/pkg/entitlement"
	routeerrors "github.com/oropendola/modelgate/pkg/errors"
)

const (
	quotaTTL        = 24 * time.Hour
	rateLimitWindow = time.Minute
)

// Reservation records one admitted request's hold on quota. Release and
// Commit race-safely resolve it exactly once.
type Reservation struct {
	ID        string
	AccountID string
	CostUnits int64

	quotaKey  string
	unlimited bool
	resolved  atomic.Bool
}

// Limiter performs the two-step admission check: token bucket first (cheap,
// shields backends from bursts), then daily quota (billing correctness).
type Limiter struct {
	store  counter.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates an admission limiter backed by the given counter store.
func NewLimiter(store counter.Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// quotaKey scopes quota counters to the account and UTC day, so a fresh
// budget appears at midnight without any scheduled reset job.
func (l *Limiter) quotaKey(accountID string) string {
	return fmt.Sprintf("quota:%s:%s", accountID, l.now().UTC().Format("2006-01-02"))
}

func rateKey(accountID string) string {
	return "ratelimit:" + accountID
}

// Reserve admits a request or rejects it with RateLimited / QuotaExceeded.
// Rate-limit tokens are consumed even when the quota check then fails; a
// rejected request still spent its burst allowance.
func (l *Limiter) Reserve(ctx context.Context, acct *entitlement.AccountContext, costUnits int64) (*Reservation, error) {
	if costUnits <= 0 {
		costUnits = 1
	}

	if acct.RateLimitRPM > 0 {
		ok, retryAfter, err := l.store.TakeToken(ctx, rateKey(acct.AccountID), int64(acct.RateLimitRPM), rateLimitWindow)
		if err != nil {
			return nil, routeerrors.NewUpstreamUnavailable("rate limit check failed: counter store unreachable")
		}
		if !ok {
			metrics.AdmissionRejections.WithLabelValues("rate_limited").Inc()
			return nil, routeerrors.NewRateLimited(
				fmt.Sprintf("rate limit of %d requests per minute exceeded", acct.RateLimitRPM),
				retryAfter,
			)
		}
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		AccountID: acct.AccountID,
		CostUnits: costUnits,
		quotaKey:  l.quotaKey(acct.AccountID),
		unlimited: acct.DailyQuotaLimit == -1,
	}

	if res.unlimited {
		return res, nil
	}

	if _, err := l.store.InitIfMissing(ctx, res.quotaKey, acct.DailyQuotaLimit, quotaTTL); err != nil {
		return nil, routeerrors.NewUpstreamUnavailable("quota check failed: counter store unreachable")
	}

	ok, remaining, err := l.store.DecrIfGE(ctx, res.quotaKey, costUnits)
	if err != nil {
		if errors.Is(err, counter.ErrKeyMissing) {
			// Key expired between init and decrement at the day boundary;
			// treat as a fresh day and retry once.
			if _, err := l.store.InitIfMissing(ctx, res.quotaKey, acct.DailyQuotaLimit, quotaTTL); err == nil {
				ok, remaining, err = l.store.DecrIfGE(ctx, res.quotaKey, costUnits)
			}
		}
		if err != nil {
			return nil, routeerrors.NewUpstreamUnavailable("quota check failed: counter store unreachable")
		}
	}
	if !ok {
		metrics.AdmissionRejections.WithLabelValues("quota_exceeded").Inc()
		return nil, routeerrors.NewQuotaExceeded(
			fmt.Sprintf("daily quota exhausted: %d units remaining, %d required", remaining, costUnits),
			l.secondsUntilMidnightUTC(),
		)
	}

	return res, nil
}

// Release refunds the reserved quota. Idempotent: double release never
// double-credits. Rate-limit tokens are deliberately not refunded.
func (l *Limiter) Release(ctx context.Context, res *Reservation) {
	if res == nil || !res.resolved.CompareAndSwap(false, true) {
		return
	}
	if res.unlimited {
		return
	}
	if err := l.store.IncrBy(ctx, res.quotaKey, res.CostUnits); err != nil {
		// The account loses the units until the daily key expires. Rare
		// enough to log rather than retry on the request path.
		l.logger.Error("quota refund failed",
			"account", res.AccountID,
			"cost_units", res.CostUnits,
			"error", err,
		)
	}
}

// Commit finalizes the reservation after a successful dispatch. The quota
// was already decremented at Reserve time, so this only seals the token
// against a later Release.
func (l *Limiter) Commit(res *Reservation) {
	if res != nil {
		res.resolved.Store(true)
	}
}

func (l *Limiter) secondsUntilMidnightUTC() int {
	now := l.now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds())
}
