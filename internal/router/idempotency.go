package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Idempotency key actions
const (
	ActionOpen   = "OPEN"
	ActionReduce = "REDUCE"
)

// IdemKey builds the per-intent idempotency key: a given closed bar can
// submit at most one order per (symbol, timeframe, bar, side, action), so a
// reduce on the same bar never collides with the entry that preceded it.
func IdemKey(symbol, timeframe string, barTime int64, side, action string) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", symbol, timeframe, barTime, side, action)
}

// IdemStore reserves intent keys. Reserve returns true exactly once per key
// within the TTL; later calls see the key as taken.
type IdemStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryIdem is an in-process idempotency store
type MemoryIdem struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryIdem creates an in-process idempotency store
func NewMemoryIdem() *MemoryIdem {
	return &MemoryIdem{seen: make(map[string]time.Time), now: time.Now}
}

// Reserve marks the key as taken, returning whether this call won it
func (m *MemoryIdem) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.seen[key]; ok && exp.After(now) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	if len(m.seen) > 4096 {
		for k, exp := range m.seen {
			if !exp.After(now) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

// RedisIdem reserves keys in Redis so a restart within the TTL cannot
// resubmit the same bar's intent. On Redis failure it falls back to the
// in-process store rather than blocking order flow.
type RedisIdem struct {
	client   *redis.Client
	prefix   string
	fallback *MemoryIdem
	logger   zerolog.Logger
}

// NewRedisIdem creates a Redis-backed idempotency store
func NewRedisIdem(client *redis.Client, prefix string, logger zerolog.Logger) *RedisIdem {
	return &RedisIdem{
		client:   client,
		prefix:   prefix,
		fallback: NewMemoryIdem(),
		logger:   logger.With().Str("component", "RedisIdem").Logger(),
	}
}

// Reserve attempts SET NX with the TTL; any Redis error degrades to the
// memory fallback.
func (r *RedisIdem) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("redis reserve failed, using memory fallback")
		return r.fallback.Reserve(ctx, key, ttl)
	}
	return ok, nil
}
