// Package retry provides a bounded retry policy with pluggable backoff and an
// injectable clock, shared by settlement and network call sites.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrExhausted is joined onto the last operation error when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Clock abstracts time so retry timing can be tested without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// After waits for the duration to elapse on the wall clock.
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// BackoffFunc returns the delay to wait after the given failed attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Fixed waits the same delay after every failed attempt.
func Fixed(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// Exponential grows the delay by multiplier per attempt, capped at max, and adds
// up to jitterPercent of random extra delay (0.2 = 20%).
func Exponential(initial, max time.Duration, multiplier, jitterPercent float64) BackoffFunc {
	return func(attempt int) time.Duration {
		backoff := float64(initial)
		for i := 1; i < attempt; i++ {
			backoff *= multiplier
			if backoff >= float64(max) {
				backoff = float64(max)
				break
			}
		}

		if jitterPercent > 0 {
			backoff *= 1.0 + rand.Float64()*jitterPercent
		}

		return time.Duration(backoff)
	}
}

// Policy retries an operation up to MaxAttempts times.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Clock       Clock

	// OnRetry, when set, is called after a failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do runs op until it succeeds, returns a Permanent error, the context ends, or
// MaxAttempts is reached. It reports how many attempts were made.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (attempts int, err error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	clock := p.Clock
	if clock == nil {
		clock = RealClock{}
	}

	for attempts = 1; ; attempts++ {
		err = ctx.Err()
		if err != nil {
			return attempts - 1, err
		}

		err = op(ctx, attempts)
		if err == nil {
			return attempts, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return attempts, perm.err
		}

		if attempts >= maxAttempts {
			return attempts, errors.Join(fmt.Errorf("after %d attempts: %w", attempts, err), ErrExhausted)
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempts)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempts, delay, err)
		}

		if delay <= 0 {
			continue
		}

		select {
		case <-clock.After(delay):
		case <-ctx.Done():
			return attempts, ctx.Err()
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
