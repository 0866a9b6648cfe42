package breaker

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds the retry policy applied inside the breaker for
// idempotent operations (spec.md §4.5, §6: max_retries,
// initial_backoff, max_backoff).
type RetryConfig struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// backoffFor computes the attempt-k sleep duration: min(b*2^(k-1), bMax)
// plus jitter uniformly distributed in [0, b*2^(k-1)), matching the
// formula in spec.md §4.5. attempt is 1-based.
func backoffFor(cfg RetryConfig, attempt int) time.Duration {
	exp := cfg.Initial
	for i := 1; i < attempt && exp <= math.MaxInt64/2; i++ {
		exp *= 2
	}
	base := exp
	if base > cfg.Max {
		base = cfg.Max
	}
	if base <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(exp)))
	return base + jitter
}

// Retry runs fn through cb.Call up to cfg.MaxRetries times, sleeping
// with jittered exponential backoff between attempts. It stops early
// if the breaker opens (ErrOpen is not retried — spec.md §7 kind 2 is
// non-retryable for this round) or if ctx is cancelled.
func Retry(ctx context.Context, cb *CircuitBreaker, cfg RetryConfig, fn func() error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := cb.Call(fn)
		if err == nil {
			return nil
		}
		if err == ErrOpen {
			return err
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoffFor(cfg, attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
