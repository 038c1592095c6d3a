package scheduler

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter bounds dispatch throughput per key.
type RateLimiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter implements RateLimiter with one token bucket per
// key, created lazily. HotLoop keys by topic so one noisy topic cannot
// starve dispatch capacity from the rest.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter allowing r tokens/sec with
// burst b per key.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether key may proceed right now.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}
