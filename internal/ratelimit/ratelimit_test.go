package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/config"
	"github.com/basket/taskchat/internal/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(rpm, burst int) (*ratelimit.Limiter, *clock) {
	c := &clock{t: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	l := ratelimit.New(config.RateLimitConfig{Enabled: true, RequestsPerMinute: rpm, BurstSize: burst}, ratelimit.WithClock(c.Now))
	return l, c
}

func TestAllow_TenPerMinuteThenRetryAfter(t *testing.T) {
	l, _ := newLimiter(10, 10)
	for i := 0; i < 10; i++ {
		if err := l.Allow("u1"); err != nil {
			t.Fatalf("message %d rejected: %v", i, err)
		}
	}
	err := l.Allow("u1")
	if apperr.CodeOf(err) != apperr.CodeRateLimit {
		t.Fatalf("11th message code = %s, want RATE_LIMIT_EXCEEDED", apperr.CodeOf(err))
	}
	ae, _ := apperr.As(err)
	if ae.RetryAfter != 6*time.Second {
		t.Fatalf("retry after = %v, want 6s", ae.RetryAfter)
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l, c := newLimiter(10, 2)
	_ = l.Allow("u1")
	_ = l.Allow("u1")
	if err := l.Allow("u1"); err == nil {
		t.Fatal("expected rejection after burst")
	}
	c.Advance(3 * time.Second)
	err := l.Allow("u1")
	ae, ok := apperr.As(err)
	if !ok || ae.RetryAfter != 3*time.Second {
		t.Fatalf("half-refilled bucket: err=%v", err)
	}
	c.Advance(3 * time.Second)
	if err := l.Allow("u1"); err != nil {
		t.Fatalf("refilled bucket rejected: %v", err)
	}
}

func TestAllow_OwnersAreIndependent(t *testing.T) {
	l, _ := newLimiter(10, 1)
	if err := l.Allow("u1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("u1"); err == nil {
		t.Fatal("u1 should be limited")
	}
	if err := l.Allow("u2"); err != nil {
		t.Fatalf("u2 must not share u1's bucket: %v", err)
	}
}

func TestAllow_Disabled(t *testing.T) {
	l := ratelimit.New(config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1})
	for i := 0; i < 5; i++ {
		if err := l.Allow("u1"); err != nil {
			t.Fatalf("disabled limiter rejected: %v", err)
		}
	}
	if l.BucketCount() != 0 {
		t.Fatal("disabled limiter should not track owners")
	}
}

func TestEvictStale(t *testing.T) {
	l, c := newLimiter(10, 10)
	_ = l.Allow("idle")
	c.Advance(20 * time.Minute)
	_ = l.Allow("active")

	if n := l.EvictStale(10 * time.Minute); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if l.BucketCount() != 1 {
		t.Fatalf("buckets = %d, want 1", l.BucketCount())
	}
}

func TestStartEviction_StopsWithContext(t *testing.T) {
	l, _ := newLimiter(10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := l.StartEviction(ctx, time.Millisecond, time.Hour)
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eviction goroutine did not stop")
	}
}

func TestAllow_ConcurrentOwnersNeverExceedBurst(t *testing.T) {
	l, _ := newLimiter(10, 5)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 5 {
		t.Fatalf("allowed %d concurrent messages, want 5", allowed)
	}
}
