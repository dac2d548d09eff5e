package upload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_StopsAfterAttempts(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Microsecond}
	boom := errors.New("boom")

	attempts, err := p.do(context.Background(), func(ctx context.Context) error {
		return retry.RetryableError(boom)
	})
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, boom)
}

func TestRetryPolicy_PermanentErrorStopsImmediately(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Microsecond}
	boom := errors.New("boom")

	attempts, err := p.do(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, boom)
}

func TestRetryPolicy_ZeroAttemptsMeansOne(t *testing.T) {
	attempts, _ := RetryPolicy{}.do(context.Background(), func(ctx context.Context) error {
		return retry.RetryableError(errors.New("x"))
	})
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	b := DefaultRetryPolicy().backoff()

	first, stop := b.Next()
	assert.False(t, stop)
	second, stop := b.Next()
	assert.False(t, stop)
	_, stop = b.Next()
	assert.True(t, stop)

	assert.Equal(t, 500*time.Millisecond, first)
	assert.Equal(t, time.Second, second)
}
