package ledger

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds retries of idempotent reads. Mutations are never retried.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns 3 attempts with exponential backoff from 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
	}
}

// retryRead runs fn until it succeeds, attempts run out, or ctx is done.
func retryRead[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	backoff := p.InitialBackoff

	var (
		zero T
		err  error
	)
	for i := 0; i < attempts; i++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			next := time.Duration(float64(backoff) * p.Multiplier)
			if p.MaxBackoff > 0 && next > p.MaxBackoff {
				next = p.MaxBackoff
			}
			backoff = next
		}
	}
	return zero, err
}
