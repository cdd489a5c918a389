package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

func fastPolicy(n int) Policy {
	return Policy{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestSucceedsAfterKRateLimits(t *testing.T) {
	for k := 0; k < 5; k++ {
		calls := 0
		v, out, err := Do(context.Background(), fastPolicy(5), func(context.Context, int) (int, error) {
			calls++
			if calls <= k {
				return 0, &apperr.RateLimitError{Provider: "p"}
			}
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		assert.Equal(t, k+1, calls)
		assert.Equal(t, k+1, out.Attempts)
		assert.Equal(t, k > 0, out.RateLimited)
	}
}

func TestExhaustionReturnsLastError(t *testing.T) {
	boom := errors.New("upstream exploded")
	calls := 0
	_, out, err := Do(context.Background(), fastPolicy(4), func(context.Context, int) (string, error) {
		calls++
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, out.Attempts)
	assert.False(t, out.RateLimited)
}

func TestRetryAfterIsHonouredAndCapped(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Hour,
		MaxDelay:   20 * time.Millisecond,
		OnRetry:    func(_ int, d time.Duration, _ error) { delays = append(delays, d) },
	}
	calls := 0
	_, _, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		switch calls {
		case 1:
			return 0, &apperr.RateLimitError{RetryAfter: 2 * time.Millisecond}
		case 2:
			return 0, &apperr.RateLimitError{RetryAfter: time.Minute}
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestJitteredDelaysStayInBounds(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxRetries: 4,
		BaseDelay:  2 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		OnRetry:    func(_ int, d time.Duration, _ error) { delays = append(delays, d) },
	}
	_, _, _ = Do(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, errors.New("429 too many requests")
	})
	require.Len(t, delays, 3)
	for i, d := range delays {
		base := p.BaseDelay * time.Duration(1<<i)
		lo := base / 2
		hi := time.Duration(float64(base) * 1.5)
		if hi > p.MaxDelay {
			hi = p.MaxDelay
		}
		if lo > p.MaxDelay {
			lo = p.MaxDelay
		}
		assert.GreaterOrEqual(t, d, lo, "attempt %d", i)
		assert.LessOrEqual(t, d, hi, "attempt %d", i)
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	cfgErr := apperr.Configuration("no secret")
	calls := 0
	_, out, err := Do(context.Background(), fastPolicy(5), func(context.Context, int) (int, error) {
		calls++
		return 0, Permanent(cfgErr)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
	assert.Same(t, cfgErr, err)
}

func TestContextCancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, _, err := Do(ctx, p, func(context.Context, int) (int, error) {
		return 0, errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWorstCase(t *testing.T) {
	// 1.5s + 3s + 6s + 12s between five attempts
	assert.Equal(t, 22500*time.Millisecond, DefaultPolicy().WorstCase())

	p := Policy{MaxRetries: 8, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	// 1.5 + 3 + 6 + 12 + 24 + 30 + 30
	assert.Equal(t, 106500*time.Millisecond, p.WorstCase())
}
