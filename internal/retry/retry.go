// Package retry runs an operation with bounded attempts and exponential
// backoff. It is used wherever a transient infrastructure failure is
// retried at the point of occurrence: fan-out pushes, hour credit
// delivery and serialization failures in the Postgres store.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Policy bounds a retry loop. Attempt n (n ≥ 1) waits Base<<(n-1),
// capped at Max, before running again.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Default is three attempts starting at 50ms.
var Default = Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: 2 * time.Second}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// run out, or ctx is done. onRetry, if set, is called before each
// repeated attempt with the error that caused it.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (p Policy) backoff(attempt int) time.Duration {
	d := p.Base << (attempt - 1)
	if p.Max > 0 && (d > p.Max || d <= 0) {
		d = p.Max
	}
	return d
}
