package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter counts attempts per key in a fixed window. Check records one
// attempt and returns the attempt count; past limit it returns *RateLimitError.
type RateLimiter interface {
	Check(ctx context.Context, key string, limit, windowSeconds int) (int, error)
}

// RateLimitError represents a rate limit exceeded error
type RateLimitError struct {
	Key        string
	Attempts   int
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d attempts (limit %d), retry in %s",
		e.Key, e.Attempts, e.Limit, e.RetryAfter.Round(time.Second))
}

// RedisRateLimiter is a fixed-window counter: INCR the key and start its TTL
// on the first attempt of the window
type RedisRateLimiter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRateLimiter creates a Redis backed RateLimiter
func NewRedisRateLimiter(client redis.Cmdable, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// Check implements RateLimiter
func (l *RedisRateLimiter) Check(ctx context.Context, key string, limit, windowSeconds int) (int, error) {
	k := l.prefix + key
	window := time.Duration(windowSeconds) * time.Second

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count attempt: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, window).Err(); err != nil {
			return int(count), fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	if int(count) > limit {
		ttl, err := l.client.TTL(ctx, k).Result()
		if err != nil || ttl < 0 {
			ttl = window
		}
		return int(count), &RateLimitError{Key: key, Attempts: int(count), Limit: limit, RetryAfter: ttl}
	}
	return int(count), nil
}

// MemoryRateLimiter is the in-process RateLimiter used without Redis
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryRateLimiter creates an in-process RateLimiter
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{windows: make(map[string]*rateWindow), now: time.Now}
}

// Check implements RateLimiter
func (l *MemoryRateLimiter) Check(ctx context.Context, key string, limit, windowSeconds int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(time.Duration(windowSeconds) * time.Second)}
		l.windows[key] = w
	}
	w.count++

	if w.count > limit {
		return w.count, &RateLimitError{Key: key, Attempts: w.count, Limit: limit, RetryAfter: w.resetAt.Sub(now)}
	}
	return w.count, nil
}
