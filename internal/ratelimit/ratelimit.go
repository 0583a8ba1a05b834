// Package ratelimit implements the rate limits ingress collaborators
// enforce: a per-session hot-path limit (switchCycle et al.) and a
// general per-IP request-volume limit, both concrete domain components
// rather than merely advisory. Counters live in the primary store so
// they are shared across stateless instances; a local per-scope token
// bucket fronts the Redis round trip so a healthy instance never pays
// network latency to reject a request that's already clearly over its
// own limit.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	// DefaultPerSessionPerSecond is the hot-path limit (switchCycle et al.)
	DefaultPerSessionPerSecond = 10
	// DefaultPerIPPerMinute is the general ingress limit.
	DefaultPerIPPerMinute = 100
	// localBucketTTL bounds how long an idle scope's local bucket is kept
	// around before it is evicted on the next sweep.
	localBucketTTL = 10 * time.Minute
)

// Limiter enforces a fixed-window count against a Redis counter (the
// window starts at a scope's first counted request and the count resets
// when it lapses), with a
// local per-scope rate.Limiter as a fast pre-check that rejects a scope
// already clearly over its own limit without paying the Redis round trip.
type Limiter struct {
	redis *redis.Client

	mu     sync.Mutex
	local  map[string]*localBucket
	max    int
	window time.Duration

	keyPrefix string
}

type localBucket struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// New builds a Limiter allowing max operations per window for each distinct
// scope key (a session id or an IP address), both locally and against the
// shared Redis counter.
func New(redisClient *redis.Client, keyPrefix string, max int, window time.Duration) *Limiter {
	return &Limiter{
		redis:     redisClient,
		local:     make(map[string]*localBucket),
		keyPrefix: keyPrefix,
		max:       max,
		window:    window,
	}
}

// Allow checks whether scope (e.g. a session id) may perform another
// operation. On rejection it returns the number of seconds the caller
// should wait before retrying.
func (l *Limiter) Allow(ctx context.Context, scope string) (allowed bool, retryAfterSeconds int, err error) {
	if !l.localAllow(scope) {
		// This instance alone has already exceeded the limit for this
		// scope; reject without paying the Redis round trip. A request
		// that clears its local bucket still needs the shared count
		// below, since other instances may be serving the same scope.
		return false, 1, nil
	}

	key := fmt.Sprintf("%s%s", l.keyPrefix, scope)
	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	// Only a counter with no expiry yet starts a new window; later
	// requests must not push the expiry out again.
	if ttlCmd.Val() < 0 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, err
		}
	}

	count := incr.Val()
	if count > int64(l.max) {
		ttl, _ := l.redis.TTL(ctx, key).Result()
		retryAfter := int(ttl.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// localAllow checks (and lazily creates) scope's local bucket, sweeping
// buckets idle longer than localBucketTTL so long-running instances don't
// accumulate one entry per session forever.
func (l *Limiter) localAllow(scope string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.local[scope]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.max)), l.max)}
		l.local[scope] = b
	}
	b.lastSeenAt = now

	for s, bucket := range l.local {
		if s != scope && now.Sub(bucket.lastSeenAt) > localBucketTTL {
			delete(l.local, s)
		}
	}

	return b.limiter.Allow()
}
