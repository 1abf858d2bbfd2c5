package tool

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// RetryPolicy bounds how transient failures are retried.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default: 3)
	BaseDelay   time.Duration // delay before the second attempt (default: 1s)
	Multiplier  float64       // backoff growth factor (default: 2)
	MaxDelay    time.Duration // cap for a single delay (default: 60s)
}

// DefaultRetryPolicy returns the dispatcher's default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
	}
}

// NoRetry is a policy with a single attempt.
func NoRetry() RetryPolicy { return RetryPolicy{MaxAttempts: 1} }

// Delay returns the wait before the given attempt (1-based). The first
// attempt never waits.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// policy's attempts are spent or ctx is done. It returns the number of
// attempts made and the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error

	max := policy.attempts()
	for attempt := 1; attempt <= max; attempt++ {
		if wait := policy.Delay(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, fmt.Errorf("retry aborted: %w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return 0, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !core.IsTransient(lastErr) {
			return attempt, lastErr
		}
	}

	return max, lastErr
}
