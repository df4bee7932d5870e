// Package counter provides the shared atomic counter store used for quota
// accounting and rate limiting. All operations are atomic per key so that
// concurrent requests racing for the same account's last quota unit cannot
// both win. Keys carry TTLs for daily and window resets.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrKeyMissing is returned by DecrIfGE when the counter has not been
// initialized. Callers are expected to InitIfMissing first.
var ErrKeyMissing = errors.New("counter key missing")

// Store is the atomic counter contract consumed by the admission layer.
// Implementations must guarantee per-key atomicity under concurrent callers;
// operations on distinct keys must never serialize against each other.
type Store interface {
	// InitIfMissing sets key to value with the given TTL only if the key
	// is absent, and returns the value now stored under the key.
	InitIfMissing(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error)

	// DecrIfGE atomically decrements key by amount if the current value is
	// at least amount. Returns whether the decrement happened and the
	// remaining value. A value of -1 is treated as unlimited and always
	// passes without decrementing.
	DecrIfGE(ctx context.Context, key string, amount int64) (ok bool, remaining int64, err error)

	// IncrBy atomically adds amount to key, used for quota refunds. A
	// refund to a missing or expired key is a no-op: recreating the key
	// would strip its TTL and leave a counter that outlives its day.
	IncrBy(ctx context.Context, key string, amount int64) error

	// TakeToken implements a token bucket of the given capacity refilled
	// every window. Returns whether a token was taken and, when denied,
	// how many seconds until the bucket refills.
	TakeToken(ctx context.Context, key string, capacity int64, window time.Duration) (ok bool, retryAfterSec int, err error)
}
