package provider

import (
	"context"
	"time"
)

// Default call policy.
const (
	DefaultAttempts = 2
	DefaultTimeout  = 60 * time.Second
	DefaultBackoff  = 500 * time.Millisecond
)

// Policy bounds one external call.
type Policy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
}

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Call runs op with a per-attempt timeout, retrying retryable failures up to
// p.Attempts times with a fixed backoff. The backoff does not grow so that a
// failing provider costs at most Attempts*(Timeout+Backoff).
func Call[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.WithDefaults()
	var zero T
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 && p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(p.Backoff):
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		v, err := op(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			break
		}
	}
	return zero, lastErr
}
