package util

import (
	"context"
	"errors"
	"time"
)

type unrecoverable struct{ err error }

func (u unrecoverable) Error() string { return u.err.Error() }
func (u unrecoverable) Unwrap() error { return u.err }

// Unrecoverable wraps err so that RetryWithContext returns it without
// further attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return unrecoverable{err: err}
}

// RetryWithContext calls fn up to maxTries times until it returns a nil
// error, or until ctx is done. The pause between attempts starts at backoff
// and doubles after every failure. If maxTries <= 0, it defaults to 1.
// Context errors, whether from ctx or from fn, end the loop immediately, as
// do errors wrapped with Unrecoverable.
func RetryWithContext[T any](ctx context.Context, maxTries int, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		var u unrecoverable
		if errors.As(err, &u) {
			return zero, u.err
		}
		lastErr = err

		if i == maxTries-1 || backoff <= 0 {
			continue
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return zero, lastErr
}

// RetryErrWithContext is RetryWithContext for functions without a result.
func RetryErrWithContext(ctx context.Context, maxTries int, backoff time.Duration, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, maxTries, backoff, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
