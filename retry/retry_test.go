package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/TangGee/orders-mcp/retry"
)

var (
	errTransient = errors.New("transient")
	errClient    = errors.New("client")
)

type backoffError struct {
	after time.Duration
}

func (e backoffError) Error() string { return "rate limited" }

func (e backoffError) RetryAfter() time.Duration { return e.after }

func retryable(err error) bool {
	return !errors.Is(err, errClient)
}

func TestPolicyNext(t *testing.T) {
	p := retry.Policy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
		Retryable:   retryable,
	}

	tests := []struct {
		name      string
		attempt   int
		err       error
		wantRetry bool
		wantDelay time.Duration
	}{
		{name: "success", attempt: 1, err: nil},
		{name: "first failure", attempt: 1, err: errTransient, wantRetry: true, wantDelay: 100 * time.Millisecond},
		{name: "second failure doubles", attempt: 2, err: errTransient, wantRetry: true, wantDelay: 200 * time.Millisecond},
		{name: "third failure is capped", attempt: 3, err: errTransient, wantRetry: true, wantDelay: 300 * time.Millisecond},
		{name: "attempts exhausted", attempt: 4, err: errTransient},
		{name: "client error", attempt: 1, err: fmt.Errorf("verify: %w", errClient)},
		{name: "retry-after wins", attempt: 1, err: backoffError{after: 250 * time.Millisecond}, wantRetry: true, wantDelay: 250 * time.Millisecond},
		{name: "retry-after is capped", attempt: 1, err: backoffError{after: time.Minute}, wantRetry: true, wantDelay: 300 * time.Millisecond},
		{name: "short retry-after keeps backoff", attempt: 2, err: backoffError{after: time.Millisecond}, wantRetry: true, wantDelay: 200 * time.Millisecond},
		{name: "attempt zero", attempt: 0, err: errTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotRetry, gotDelay := p.Next(tt.attempt, tt.err)
			assert.Equal(t, tt.wantRetry, gotRetry)
			assert.Equal(t, tt.wantDelay, gotDelay)
		})
	}
}

func TestPolicyWithoutClassifierNeverRetries(t *testing.T) {
	p := retry.Policy{MaxAttempts: 5}

	gotRetry, _ := p.Next(1, errTransient)
	assert.False(t, gotRetry)
}

func TestDefaultPolicy(t *testing.T) {
	p := retry.DefaultPolicy(retryable)

	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2*time.Second, p.MaxDelay)
}

func TestDo(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Retryable:   retryable,
	}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var retries []int
		p := p
		p.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }

		calls := 0
		err := retry.Do(context.Background(), p, func(_ context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, retries)
	})

	t.Run("returns the last error", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), p, func(context.Context, int) error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), p, func(context.Context, int) error {
			calls++
			return errClient
		})
		require.ErrorIs(t, err, errClient)
		assert.Equal(t, 1, calls)
	})

	t.Run("context ends the wait", func(t *testing.T) {
		slow := p
		slow.BaseDelay = time.Hour
		slow.MaxDelay = time.Hour

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := retry.Do(ctx, slow, func(context.Context, int) error { return errTransient })
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
