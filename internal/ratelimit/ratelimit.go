// Package ratelimit implements per-identity request rate limiting with
// lazy-refill token buckets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
// Burst capacity equals the per-minute limit.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int64) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: time.Now(),
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

// Limiter is the per-identity bucket plus its bookkeeping.
type Limiter struct {
	mu       sync.Mutex
	b        *bucket // nil when unlimited
	limit    int64
	lastUsed time.Time
}

func newLimiter(perMinute int64) *Limiter {
	l := &Limiter{limit: perMinute, lastUsed: time.Now()}
	if perMinute > 0 {
		l.b = newBucket(perMinute)
	}
	return l
}

// Allow consumes one request token.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.b == nil {
		return Result{Allowed: true}
	}
	l.b.refill(now)
	if l.b.tokens >= 1 {
		l.b.tokens--
		return Result{Allowed: true, Limit: l.limit, Remaining: int64(l.b.tokens)}
	}
	return Result{
		Allowed:           false,
		Limit:             l.limit,
		RetryAfterSeconds: l.b.retryAfter(1),
	}
}

// Registry manages per-identity Limiters.
type Registry struct {
	perMinute int64
	limiters  *xsync.Map[string, *Limiter]
}

// NewRegistry creates a registry applying perMinute to every identity.
// perMinute <= 0 disables limiting.
func NewRegistry(perMinute int64) *Registry {
	return &Registry{
		perMinute: perMinute,
		limiters:  xsync.NewMap[string, *Limiter](),
	}
}

// Allow consumes one token from the identity's bucket, creating it on first
// sight.
func (r *Registry) Allow(identity string) Result {
	if r == nil || r.perMinute <= 0 {
		return Result{Allowed: true}
	}
	l, _ := r.limiters.LoadOrCompute(identity, func() (*Limiter, bool) {
		return newLimiter(r.perMinute), false
	})
	return l.Allow()
}

// EvictStale removes limiters not used since cutoff so abandoned identities
// do not pin memory. Returns the eviction count.
func (r *Registry) EvictStale(cutoff time.Time) int {
	evicted := 0
	r.limiters.Range(func(k string, l *Limiter) bool {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			r.limiters.Delete(k)
			evicted++
		}
		return true
	})
	return evicted
}
