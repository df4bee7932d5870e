package counter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
	window    time.Duration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// MemoryStore implements Store in process memory. Keys are spread over
// sharded mutexes so counters for unrelated accounts never contend.
// Intended for single-node deployments and tests; production multi-node
// setups use RedisStore.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time
}

// NewMemoryStore creates an in-process counter store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

// InitIfMissing seeds the counter when absent or expired.
func (s *MemoryStore) InitIfMissing(_ context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, ok := sh.entries[key]
	if !ok || e.expired(now) {
		e = &memoryEntry{value: value}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		sh.entries[key] = e
	}
	return e.value, nil
}

// DecrIfGE atomically decrements when the balance covers the amount.
func (s *MemoryStore) DecrIfGE(_ context.Context, key string, amount int64) (bool, int64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expired(s.now()) {
		return false, 0, ErrKeyMissing
	}
	if e.value == -1 {
		return true, -1, nil
	}
	if e.value >= amount {
		e.value -= amount
		return true, e.value, nil
	}
	return false, e.value, nil
}

// IncrBy credits the counter back. A refund racing the key's expiry is
// dropped rather than recreating the key without a TTL.
func (s *MemoryStore) IncrBy(_ context.Context, key string, amount int64) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(sh.entries, key)
		return nil
	}
	if e.value != -1 {
		e.value += amount
	}
	return nil
}

// TakeToken implements the fixed-window token bucket.
func (s *MemoryStore) TakeToken(_ context.Context, key string, capacity int64, window time.Duration) (bool, int, error) {
	if window < time.Second {
		window = time.Second
	}

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, ok := sh.entries[key]
	if !ok || e.expired(now) {
		sh.entries[key] = &memoryEntry{
			value:     capacity - 1,
			expiresAt: now.Add(window),
			window:    window,
		}
		return true, 0, nil
	}

	if e.value > 0 {
		e.value--
		return true, 0, nil
	}

	retryAfter := int(e.expiresAt.Sub(now).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
