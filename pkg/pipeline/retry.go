package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RateLimitedError reports a server-imposed cooldown. Waiting it out is
// compliance, not failure, so it never consumes the attempt budget.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix, such as a
// missing stream or a rejected payload.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry loop gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// minRateLimitDelay floors the flood-wait sleep. Some 429 responses omit
// the retry hint; without a floor the loop would retry instantly forever
// since rate limits never spend attempts.
const minRateLimitDelay = 5 * time.Second

// RetryPolicy drives the attempt loop around downloads and uploads.
// Transient failures back off exponentially up to MaxAttempts; rate
// limits sleep the server-reported duration without spending an attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep is swappable for tests. Nil means context-aware real sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches the production cadence: three attempts,
// delays of 1s, 2s, 4s... capped at a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// Do runs op until it succeeds, fails permanently, exhausts the attempt
// budget, or ctx is canceled. The returned error is the last attempt's.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var rateLimited *RateLimitedError
		if errors.As(lastErr, &rateLimited) {
			delay := rateLimited.RetryAfter
			if delay < minRateLimitDelay {
				delay = minRateLimitDelay
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		var permanent *PermanentError
		if errors.As(lastErr, &permanent) {
			return lastErr
		}

		attempt++
		if attempt >= maxAttempts {
			break
		}
		if err := sleep(ctx, p.backoff(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// backoff returns BaseDelay doubled per prior transient attempt, capped
// at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	cap := p.MaxDelay
	if cap <= 0 {
		cap = time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
