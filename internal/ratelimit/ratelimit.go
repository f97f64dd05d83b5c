// Package ratelimit enforces a per-owner message rate with token buckets.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/config"
)

// epsilon absorbs float drift in refill arithmetic.
const epsilon = 1e-9

// TokenBucket refills continuously at a fixed rate up to its burst size.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func NewTokenBucket(requestsPerMinute, burstSize int, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Reserve takes a token if one is available. Otherwise it reports how long
// until the next token arrives.
func (tb *TokenBucket) Reserve(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens = math.Min(tb.maxTokens, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}
	tb.lastAccess = now

	if tb.tokens >= 1.0-epsilon {
		tb.tokens = math.Max(0, tb.tokens-1.0)
		return true, 0
	}
	missing := 1.0 - tb.tokens
	ms := math.Max(1, math.Round(missing/tb.refillRate*1000))
	return false, time.Duration(ms) * time.Millisecond
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// Limiter keeps one bucket per owner.
type Limiter struct {
	enabled bool
	rpm     int
	burst   int
	now     func() time.Time

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(cfg config.RateLimitConfig, opts ...Option) *Limiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 10
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = rpm
	}
	l := &Limiter{
		enabled: cfg.Enabled,
		rpm:     rpm,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*TokenBucket),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow consumes one message for owner, or returns a RateLimit error with
// the retry-after hint.
func (l *Limiter) Allow(owner string) error {
	if !l.enabled {
		return nil
	}
	ok, wait := l.bucket(owner).Reserve(l.now())
	if ok {
		return nil
	}
	slog.Debug("rate limit exceeded", "owner", owner, "retry_after", wait)
	return apperr.RateLimit(wait)
}

// StartEviction drops buckets idle for longer than maxAge every interval
// until ctx ends. The returned channel closes when the goroutine exits.
func (l *Limiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
	return done
}

// EvictStale removes buckets not used within maxAge. A bucket idle that long
// has refilled completely, so dropping it loses nothing.
func (l *Limiter) EvictStale(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for owner, b := range l.buckets {
		if b.LastAccess().Before(cutoff) {
			delete(l.buckets, owner)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(l.buckets))
	}
	return evicted
}

func (l *Limiter) BucketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(owner string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[owner]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[owner]; ok {
		return b
	}
	b = NewTokenBucket(l.rpm, l.burst, l.now())
	l.buckets[owner] = b
	return b
}
