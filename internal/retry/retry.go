// Package retry runs transient-failure-prone calls with bounded,
// jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

// Policy bounds a retry loop. MaxRetries is the total number of attempts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnRetry, when set, is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy is 5 attempts starting at 1s, each sleep capped at 30s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// WorstCase is the longest total time the policy can spend sleeping:
// the sum over every gap between attempts of min(base*2^i*1.5, max).
func (p Policy) WorstCase() time.Duration {
	var total time.Duration
	for i := 0; i < p.MaxRetries-1; i++ {
		d := time.Duration(float64(p.BaseDelay) * float64(uint64(1)<<uint(i)) * 1.5)
		if d > p.MaxDelay || d <= 0 {
			d = p.MaxDelay
		}
		total += d
	}
	return total
}

func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.Reset()
	return b
}

// Outcome describes how a Do call went.
type Outcome struct {
	Attempts    int
	RateLimited bool
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the context
// ends, or MaxRetries attempts have been made. Rate-limit errors carrying a
// Retry-After use that delay instead of the computed one. Every sleep is
// capped at MaxDelay.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, Outcome, error) {
	var (
		zero    T
		out     Outcome
		lastErr error
	)
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	sched := p.schedule()

	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		out.Attempts = attempt
		res, err := fn(ctx, attempt)
		if err == nil {
			return res, out, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, out, perm.err
		}
		if ctx.Err() != nil {
			return zero, out, ctx.Err()
		}
		lastErr = err
		limited := apperr.IsRateLimit(err)
		out.RateLimited = out.RateLimited || limited

		if attempt == p.MaxRetries {
			break
		}

		delay := sched.NextBackOff()
		var rl *apperr.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			delay = rl.RetryAfter
		}
		if delay < 0 || delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, out, err
		}
	}
	return zero, out, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
