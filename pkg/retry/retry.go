// Package retry runs an operation under a bounded, fixed-backoff retry policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how many times an operation runs and how long to wait
// between attempts.
type Policy struct {
	// Attempts is the total number of attempts, including the first one.
	// Values below 1 are treated as 1.
	Attempts int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
	// Retryable reports whether a failed attempt may be retried. A nil
	// Retryable retries every error.
	Retryable func(error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
	// Timer replaces the wall clock between attempts. Nil uses real timers.
	Timer backoff.Timer
}

// Do calls op until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. The returned error is the last
// error produced by op; when ctx ends the wait it is ctx.Err() only if op
// never failed.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(attempts-1)),
		ctx,
	)

	var (
		attempt int
		lastErr error
	)
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, p.Timer)
	if err != nil && lastErr != nil && ctx.Err() != nil {
		return lastErr
	}
	return err
}
