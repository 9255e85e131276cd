package endpoint

import (
	"context"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const preferenceRedisKey = "streamdesk:endpoint_preference"

// Store persists the chosen region so subsequent process starts skip the
// probe. The contract is durable single-value read/write.
type Store interface {
	Load(ctx context.Context) (Region, bool)
	Save(ctx context.Context, r Region)
}

// RedisStore persists the preference in a Redis string key.
type RedisStore struct {
	rdb *goredis.Client
}

// NewRedisStore creates a RedisStore. The client may be nil, in which case
// Load always misses and Save is a no-op (running without Redis is allowed).
func NewRedisStore(rdb *goredis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Load(ctx context.Context) (Region, bool) {
	if s.rdb == nil {
		return Primary, false
	}
	val, err := s.rdb.Get(ctx, preferenceRedisKey).Result()
	if err != nil {
		return Primary, false
	}
	return ParseRegion(val), true
}

// Save writes the preference fire-and-forget. A persistence failure is only
// a warning; the in-process choice is still authoritative.
func (s *RedisStore) Save(ctx context.Context, r Region) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.rdb.Set(ctx, preferenceRedisKey, r.String(), 0).Err(); err != nil {
		log.Printf("[endpoint] WARNING: failed to persist preference: %v", err)
	}
}

// MemStore is an in-memory Store used in tests and Redis-less runs.
type MemStore struct {
	mu     sync.Mutex
	region Region
	set    bool
}

func (s *MemStore) Load(ctx context.Context) (Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region, s.set
}

func (s *MemStore) Save(ctx context.Context, r Region) {
	s.mu.Lock()
	s.region = r
	s.set = true
	s.mu.Unlock()
}
