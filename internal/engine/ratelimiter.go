package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more inbound request from key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// RateLimiter is a per-key sliding window limiter stored in Redis, so the
// limit holds across bridge replicas. Each key is a sorted set of request
// members scored by their timestamp.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	limit       int
	window      time.Duration
	seq         atomic.Uint64
}

var _ Limiter = (*RateLimiter)(nil)

// slidingWindowScript trims entries older than the window, then admits the
// request only while the window holds fewer than limit entries.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, math.floor(window / 1000) + 1)
    return 1
end
return 0
`)

// NewRateLimiter admits limit requests per second per key. A limit of zero
// or less disables limiting.
func NewRateLimiter(redisClient *redis.Client, limit int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		limit:       limit,
		window:      time.Second,
	}
}

func rlKey(key string) string {
	return fmt.Sprintf("rl:webhook:%s", key)
}

// Allow reports whether the request is within the limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.limit <= 0 {
		return true
	}

	now := time.Now()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), rl.seq.Add(1))

	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(key)},
		now.UnixMilli(), rl.window.Milliseconds(), rl.limit, member,
	).Int64()
	if err != nil {
		// Fail open: an unavailable Redis must not drop webhooks
		rl.logger.Error("rate limiter script failed", "error", err, "key", key)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "key", key, "limit", rl.limit)
		return false
	}
	return true
}

// LocalLimiter is an in-process token bucket per key, used without Redis.
// Buckets idle for longer than idleTTL are full again, so they are evicted
// on a periodic sweep and the map stays bounded by recently active keys.
type LocalLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	limiters  map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

var _ Limiter = (*LocalLimiter)(nil)

const localLimiterIdleTTL = time.Minute

// NewLocalLimiter admits perSecond requests per key with an equal burst.
// A perSecond of zero or less disables limiting.
func NewLocalLimiter(perSecond int) *LocalLimiter {
	return &LocalLimiter{
		limit:    rate.Limit(perSecond),
		burst:    perSecond,
		idleTTL:  localLimiterIdleTTL,
		now:      time.Now,
		limiters: make(map[string]*localBucket),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) bool {
	if l.burst <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweepLocked(now)
	}

	b, ok := l.limiters[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = b
	}
	b.lastSeen = now

	return b.lim.AllowN(now, 1)
}

func (l *LocalLimiter) sweepLocked(now time.Time) {
	for key, b := range l.limiters {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

// Len returns the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
