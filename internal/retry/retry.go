// Package retry runs an operation under a bounded exponential backoff policy.
// Callers supply a Classifier that separates transient failures (retried)
// from permanent ones (returned immediately); the same policy type serves the
// relational store and the reasoning backend.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Class is the outcome of classifying a failed attempt.
type Class int

const (
	Permanent Class = iota
	Transient
)

// Classifier decides whether err is worth another attempt.
type Classifier func(err error) Class

// Policy bounds attempts and backoff growth.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter is the randomization factor (0 disables jitter).
	Jitter float64
	// AttemptTimeout bounds each individual attempt; 0 leaves only ctx.
	AttemptTimeout time.Duration
}

// StorePolicy matches SQLite busy handling: 50ms doubling to 500ms, ±25%.
func StorePolicy() Policy {
	return Policy{MaxAttempts: 6, Initial: 50 * time.Millisecond, Max: 500 * time.Millisecond, Multiplier: 2, Jitter: 0.25}
}

// BackendPolicy is used for reasoning backend calls.
func BackendPolicy() Policy {
	return Policy{MaxAttempts: 3, Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2, Jitter: 0.2}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 50 * time.Millisecond
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Do runs op until it succeeds, a permanent error is returned, attempts are
// exhausted or ctx ends. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, classify Classifier, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	if classify == nil {
		classify = func(error) Class { return Permanent }
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter

	operation := func() (T, error) {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		res, err := op(attemptCtx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, backoff.Permanent(err)
		}
		if classify(err) == Permanent {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.DebugContext(ctx, "retrying after transient failure", "error", err, "backoff", next)
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return res, perm.Err
		}
	}
	return res, err
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, p Policy, classify Classifier, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, classify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// SQLiteBusy classifies SQLite BUSY and LOCKED errors as transient.
func SQLiteBusy(err error) Class {
	if err == nil {
		return Permanent
	}
	// mattn/go-sqlite3 reports sqlite3.Error; matching on text avoids importing
	// the cgo driver into every caller.
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") { // SQLITE_LOCKED
		return Transient
	}
	return Permanent
}

// BackendTransient classifies reasoning backend failures. Timeouts, rate
// limits, 5xx responses and connection resets are transient; auth, billing,
// context overflow and malformed requests are not.
func BackendTransient(err error) Class {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "billing", "context length", "context_length", "400 bad request"} {
		if strings.Contains(msg, p) {
			return Permanent
		}
	}
	for _, p := range []string{
		"timeout", "timed out", "deadline exceeded",
		"429", "rate limit", "rate_limit", "too many requests", "quota",
		"500", "502", "503", "504", "unavailable", "overloaded",
		"connection reset", "connection refused", "eof",
	} {
		if strings.Contains(msg, p) {
			return Transient
		}
	}
	return Permanent
}
