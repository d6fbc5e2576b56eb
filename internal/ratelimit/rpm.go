// Package ratelimit implements the gateway's global requests-per-minute
// limit. Two backends: a Redis sliding window (atomic Lua script, shared
// across replicas) and an in-process window for single-instance deployments
// running without Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether the current request is within the RPM budget.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// slidingWindowScript is an atomic Lua script that implements a sliding
// window rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const rateLimitKey = "codeassist:ratelimit:rpm"

// RedisLimiter checks a global RPM limit shared by all gateway replicas.
type RedisLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRedisLimiter creates a Redis-backed limiter. rpmLimit must be > 0;
// values ≤ 0 will block every request.
func NewRedisLimiter(rdb *redis.Client, rpmLimit int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow returns true if the current request is within the rate limit.
func (r *RedisLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{rateLimitKey},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}

// MemoryLimiter is a single-process sliding window over request timestamps.
type MemoryLimiter struct {
	mu       sync.Mutex
	stamps   []time.Time
	rpmLimit int
	now      func() time.Time
}

// NewMemoryLimiter creates an in-process limiter. rpmLimit must be > 0.
func NewMemoryLimiter(rpmLimit int) *MemoryLimiter {
	return &MemoryLimiter{rpmLimit: rpmLimit, now: time.Now}
}

func (m *MemoryLimiter) Allow(_ context.Context) (bool, error) {
	now := m.now()
	cutoff := now.Add(-time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Drop entries that left the window.
	keep := m.stamps[:0]
	for _, s := range m.stamps {
		if s.After(cutoff) {
			keep = append(keep, s)
		}
	}
	m.stamps = keep

	if len(m.stamps) >= m.rpmLimit {
		return false, nil
	}
	m.stamps = append(m.stamps, now)
	return true, nil
}
