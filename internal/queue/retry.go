package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy runs a job up to MaxAttempts times with exponential backoff
// starting at Base.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
}

// Do calls fn until it succeeds, returns a permanent error, or attempts run
// out. onRetry is invoked before every attempt after the first. The last
// error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, prev error)) error {
	var (
		attempt int
		last    error
	)
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 && onRetry != nil {
			onRetry(attempt, last)
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
}
