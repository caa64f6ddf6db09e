package httpmiddleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"rollcall/internal/auth"
	"rollcall/internal/metrics"
)

// Limiter decides whether one more request for key fits in its budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SimpleTokenBucket is an in-memory limiter for a single instance.
type SimpleTokenBucket struct {
	capacity int
	rate     int
	now      func() time.Time
	mu       sync.Mutex
	state    map[string]*bucket
	// idle buckets are swept at most once per minute
	idleAfter time.Duration
	swept     time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	// a bucket untouched this long has refilled and equals a fresh one
	idle := time.Minute
	if perMinute > 0 {
		idle = max(idle, time.Duration(float64(capacity)/float64(perMinute)*float64(time.Minute)))
	}
	return &SimpleTokenBucket{
		capacity:  capacity,
		rate:      perMinute,
		now:       time.Now,
		state:     make(map[string]*bucket),
		idleAfter: idle,
	}
}

// Allow takes one token from key's bucket.
func (l *SimpleTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true, nil
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
	if refill > 0 {
		b.tokens = min(b.tokens+refill, l.capacity)
		b.last = now
	}
	if b.tokens <= 0 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// sweep drops buckets idle for longer than idleAfter. Callers hold mu.
func (l *SimpleTokenBucket) sweep(now time.Time) {
	if now.Sub(l.swept) < time.Minute {
		return
	}
	l.swept = now
	for key, b := range l.state {
		if now.Sub(b.last) >= l.idleAfter {
			delete(l.state, key)
		}
	}
}

// RedisWindow counts requests per key in fixed one-minute windows shared by
// every API instance.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisWindow allows perMinute requests per key and minute.
func NewRedisWindow(client *redis.Client, prefix string, perMinute int) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix, limit: int64(perMinute), window: time.Minute, now: time.Now}
}

// Allow increments key's counter for the current window.
func (l *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().Unix() / int64(l.window.Seconds())
	k := l.prefix + ":" + key + ":" + strconv.FormatInt(slot, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", l.prefix, err)
	}
	return incr.Val() <= l.limit, nil
}

// KeyFunc extracts the identity a limit applies to.
type KeyFunc func(c *gin.Context) string

// ByIP keys on the client address.
func ByIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// BySubject keys on the authenticated caller, falling back to the address.
func BySubject(c *gin.Context) string {
	if sub := auth.ClaimsFrom(c).Subject; sub != "" {
		return "sub:" + sub
	}
	return ByIP(c)
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter
// errors let the request through.
func RateLimit(l Limiter, name string, key KeyFunc, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), key(c))
		if err != nil {
			log.Warn().Err(err).Str("limiter", name).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if !ok {
			metrics.RateLimited.WithLabelValues(name).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit", "code": "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}
