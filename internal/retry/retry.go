// Package retry implements the retry-with-backoff combinator shared by
// session refresh, health probes and message inserts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptTimeout is returned for an attempt that did not finish within
// Policy.AttemptTimeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// maxShift caps the exponent in Exponential so the delay cannot overflow
// time.Duration.
const maxShift = 20

// Policy controls how Do retries an operation.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	// Values below 1 are treated as 1.
	Attempts int

	// Backoff returns the delay before retry n (1-based: the delay
	// between the first and second attempt is Backoff(1)). Nil means
	// retry immediately.
	Backoff func(n int) time.Duration

	// AttemptTimeout bounds each attempt individually. Exceeding it fails
	// that attempt with ErrAttemptTimeout, not the whole operation. Zero
	// disables the bound.
	AttemptTimeout time.Duration

	// OnRetry, if set, is called before sleeping ahead of retry n.
	OnRetry func(n int, err error, delay time.Duration)
}

// Exponential returns base, 2*base, 4*base, ... for n = 1, 2, 3, ...
func Exponential(base time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		shift := n - 1
		if shift < 0 {
			shift = 0
		}

		if shift > maxShift {
			shift = maxShift
		}

		return base << shift
	}
}

// Constant returns d for every retry.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs op until it succeeds, returns a permanent error, the attempts
// are exhausted, or ctx is done. The returned error is the last
// attempt's error (unwrapped from Permanent).
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})

	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := max(p.Attempts, 1)

	var lastErr error

	for n := 0; n < attempts; n++ {
		if n > 0 {
			var delay time.Duration
			if p.Backoff != nil {
				delay = p.Backoff(n)
			}

			if p.OnRetry != nil {
				p.OnRetry(n, lastErr, delay)
			}

			if err := sleep(ctx, delay); err != nil {
				return zero, errors.Join(lastErr, err)
			}
		}

		v, err := attempt(ctx, p.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}

		if ctx.Err() != nil {
			return zero, errors.Join(err, ctx.Err())
		}

		lastErr = err
	}

	return zero, lastErr
}

// attempt runs op once. When timeout is set, op races a timer: whichever
// settles first wins and the other outcome is discarded.
func attempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}

	done := make(chan result, 1)

	go func() {
		v, err := op(actx)
		done <- result{v: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T

	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return zero, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Timeout runs op bounded by d using the same race as a single attempt.
func Timeout[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	return attempt(ctx, d, op)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
