// Package retry holds the bounded back-off used by upstream collaborators. The gateway itself never
// retries: a collaborator wraps its own calls in Do and surfaces the last failure.
package retry

import (
	"context"
	"errors"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
)

// Delayer is implemented by errors that carry an upstream back-off request, such as a 429
// with a Retry-After header.
type Delayer interface {
	RetryAfter() time.Duration
}

// Policy decides whether and when a failed attempt is retried.
type Policy struct {
	// MaxAttempts bounds the total number of attempts, the first one included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable classifies an attempt error. A nil Retryable retries nothing.
	Retryable func(error) bool
	// OnRetry, if set, is told about every retry before the delay starts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns a three-attempt policy with 200ms doubling delays capped at two seconds.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		Retryable:   retryable,
	}
}

// Next reports whether the attempt that just failed with err should be followed by another one,
// and how long to wait first. attempt is 1-based.
//
// The delay doubles per attempt and is capped by MaxDelay. An upstream back-off request longer
// than the computed delay wins, again up to MaxDelay.
func (p Policy) Next(attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt < 1 || attempt >= p.maxAttempts() {
		return false, 0
	}
	if p.Retryable == nil || !p.Retryable(err) {
		return false, 0
	}

	delay := p.backoff(attempt)
	var ra Delayer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > delay {
			delay = min(d, p.maxDelay())
		}
	}
	return true, delay
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	limit := p.maxDelay()

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return defaultMaxDelay
	}
	return p.MaxDelay
}

// Do runs fn until it succeeds, the policy gives up or ctx is done. It returns fn's last error, or
// the context error if ctx ended during a delay.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		retry, delay := p.Next(attempt, err)
		if !retry {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
