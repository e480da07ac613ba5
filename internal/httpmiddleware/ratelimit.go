package httpmiddleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request from key is allowed now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit returns gin handler enforcing per-IP limits. Limiter errors let
// the request through.
func RateLimit(l Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		ok, err := l.Allow(c.Request.Context(), ip)
		if err != nil {
			log.Printf("ratelimit: %v", err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// TokenBucket is an in-memory rate limiter for a single API instance.
type TokenBucket struct {
	capacity int
	rate     int
	now      func() time.Time
	mu       sync.Mutex
	state    map[string]*bucket
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewTokenBucket creates limiter with capacity tokens and rate per minute.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     perMinute,
		now:      time.Now,
		state:    make(map[string]*bucket),
	}
}

// Allow takes one token from key's bucket.
func (l *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.state[key]
	now := l.now()
	if !ok {
		b = &bucket{tokens: l.capacity - 1, last: now}
		l.state[key] = b
		return true, nil
	}
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Prune drops buckets that would be full on their next request, so idle
// clients stop holding memory. It returns how many were dropped.
func (l *TokenBucket) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	dropped := 0
	for key, b := range l.state {
		refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
		if b.tokens+refill >= l.capacity {
			delete(l.state, key)
			dropped++
		}
	}
	return dropped
}

// RedisWindow is a fixed one-minute window shared by every API replica.
type RedisWindow struct {
	client    *redis.Client
	perMinute int
	prefix    string
	now       func() time.Time
}

// NewRedisWindow limits each key to perMinute requests per clock minute.
func NewRedisWindow(client *redis.Client, perMinute int) *RedisWindow {
	return &RedisWindow{client: client, perMinute: perMinute, prefix: "presensi:rl:", now: time.Now}
}

// Allow counts the request in the current window.
func (l *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	window := l.now().Unix() / 60
	k := l.prefix + key + ":" + strconv.FormatInt(window, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis window %s: %w", key, err)
	}
	return incr.Val() <= int64(l.perMinute), nil
}
