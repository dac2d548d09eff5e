package upload

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds the attempts made against one dependency per step.
type RetryPolicy struct {
	// Attempts counts the first call. Values below 1 mean 1.
	Attempts int
	// BaseDelay is the wait before the second attempt; it doubles after that.
	BaseDelay time.Duration
}

// DefaultRetryPolicy is 3 attempts waiting 500ms then 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond}
}

func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
}

// do runs fn until it succeeds, returns a permanent error, or the policy is
// exhausted. fn marks transient failures with retry.RetryableError.
func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) (attempts int, err error) {
	err = retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		return fn(ctx)
	})
	return attempts, err
}
