// Package ratelimit throttles per-user bet submission rate (spec §4.10 step
// 5, "max N bets per second"). The primary path is a Redis sorted-set
// sliding window shared across engine instances; when Redis is unreachable
// it falls back to the teacher's in-process token-bucket
// (internal/api/middleware/ratelimit.go), scoped per-process rather than
// cluster-wide, so a single instance still protects itself.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the window, counts remaining entries, and
// conditionally adds the new one — all in one round trip so check-then-add
// cannot race across two calls from the same process.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
	return 0
end
redis.call("ZADD", key, now, now .. "-" .. tostring(math.random()))
redis.call("PEXPIRE", key, window)
return 1
`

// Limiter enforces a per-user requests-per-window cap.
type Limiter struct {
	rdb    *redis.Client
	window time.Duration
	limit  int

	fallback *bucketLimiter
}

// New constructs a Limiter. limit requests are allowed per window; when
// Redis errors, the in-process fallback allows the same limit per window
// per process.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{
		rdb:      rdb,
		window:   window,
		limit:    limit,
		fallback: newBucketLimiter(limit, window),
	}
}

// Allow reports whether userID may submit another request right now.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	key := fmt.Sprintf("ratelimit:%s", userID)
	res, err := l.rdb.Eval(ctx, slidingWindowScript, []string{key},
		time.Now().UnixMilli(), l.window.Milliseconds(), l.limit).Result()
	if err != nil {
		return l.fallback.Allow(userID)
	}
	n, _ := res.(int64)
	return n == 1
}

// bucketLimiter is the teacher's per-IP token bucket, generalized to key by
// arbitrary string (user id rather than IP) and used only as a fallback.
type bucketLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket

	capacity   float64
	refillRate float64 // tokens per second
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func newBucketLimiter(limit int, window time.Duration) *bucketLimiter {
	bl := &bucketLimiter{
		buckets:    make(map[string]*tokenBucket),
		capacity:   float64(limit),
		refillRate: float64(limit) / window.Seconds(),
	}
	go bl.evictStale()
	return bl
}

func (bl *bucketLimiter) Allow(key string) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	b, ok := bl.buckets[key]
	now := time.Now()
	if !ok {
		b = &tokenBucket{tokens: bl.capacity - 1, lastRefill: now}
		bl.buckets[key] = b
		return true
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * bl.refillRate
	if b.tokens > bl.capacity {
		b.tokens = bl.capacity
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// evictStale drops buckets untouched for 10 minutes so long-lived processes
// don't accumulate an unbounded map of one-shot callers.
func (bl *bucketLimiter) evictStale() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		bl.mu.Lock()
		now := time.Now()
		for k, b := range bl.buckets {
			if now.Sub(b.lastRefill) > 10*time.Minute {
				delete(bl.buckets, k)
			}
		}
		bl.mu.Unlock()
	}
}
