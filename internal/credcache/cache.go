// Package credcache resolves API keys to account contexts through a
// short-TTL cache in front of the entitlement store. Concurrent misses for
// the same key collapse into a single upstream lookup, and an expired entry
// may be served stale when the store is unreachable, trading strict
// freshness for availability.
package credcache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/oropendola/modelgate/internal/metrics"
	"github.com/oropendola/modelgate/pkg/entitlement"
	routeerrors "github.com/oropendola/modelgate/pkg/errors"
)

const (
	// DefaultTTL bounds how long a resolved credential is served without
	// consulting the entitlement store.
	DefaultTTL = 60 * time.Second

	// staleRetention is how long an expired entry stays usable for
	// stale-on-error serving.
	staleRetention = 15 * time.Minute
)

// Cache is the credential cache. Entries are immutable AccountContext
// values; refresh replaces them, never mutates in place, so concurrent
// readers need no per-entry locking.
type Cache struct {
	store  entitlement.Store
	fresh  *gocache.Cache
	stale  *gocache.Cache
	group  singleflight.Group
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a credential cache over the entitlement store.
func New(store entitlement.Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		fresh:  gocache.New(ttl, 2*ttl),
		stale:  gocache.New(staleRetention, staleRetention),
		ttl:    ttl,
		logger: logger,
	}
}

// cacheKey avoids holding raw API keys in memory longer than needed.
func cacheKey(apiKey string) string {
	return entitlement.HashKey(apiKey)
}

// Resolve maps an API key to its account context. Cache hits cost no
// upstream call; misses single-flight into the entitlement store.
func (c *Cache) Resolve(ctx context.Context, apiKey string) (*entitlement.AccountContext, error) {
	key := cacheKey(apiKey)

	if v, ok := c.fresh.Get(key); ok {
		metrics.CredentialCacheHits.WithLabelValues("hit").Inc()
		return v.(*entitlement.AccountContext), nil
	}
	metrics.CredentialCacheHits.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another waiter may have filled the cache while this call was
		// queued behind the flight leader.
		if v, ok := c.fresh.Get(key); ok {
			return v, nil
		}

		acct, err := c.store.Lookup(ctx, apiKey)
		if err != nil {
			return nil, err
		}

		c.fresh.Set(key, acct, c.ttl)
		c.stale.Set(key, acct, staleRetention)
		return acct, nil
	})

	if err == nil {
		return v.(*entitlement.AccountContext), nil
	}

	if errors.Is(err, entitlement.ErrKeyNotFound) {
		// A definitive answer: purge any stale copy so a revoked key
		// cannot ride out its retention window.
		c.fresh.Delete(key)
		c.stale.Delete(key)
		return nil, routeerrors.NewUnauthorized("invalid or revoked api key")
	}

	// Store unreachable: serve stale if a prior value exists.
	if v, ok := c.stale.Get(key); ok {
		metrics.CredentialCacheHits.WithLabelValues("stale").Inc()
		c.logger.Warn("entitlement store unreachable, serving stale credential",
			"key", entitlement.MaskKey(apiKey),
			"error", err,
		)
		return v.(*entitlement.AccountContext), nil
	}

	return nil, routeerrors.NewUpstreamUnavailable("entitlement store unreachable")
}

// Invalidate drops a key from both tiers, used on explicit revocation.
func (c *Cache) Invalidate(apiKey string) {
	key := cacheKey(apiKey)
	c.fresh.Delete(key)
	c.stale.Delete(key)
}
