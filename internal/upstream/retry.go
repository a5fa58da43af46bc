package upstream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often and how patiently a backend call is repeated.
// The wait before retry n (1-based) is min(max(BaseDelay, BaseDelay*Multiplier^(n-1)), MaxDelay).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy is three attempts with 1s, 2s waits capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}
}

func (p RetryPolicy) normalised() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Retry runs op until it succeeds, returns an error wrapped with
// backoff.Permanent, the attempts are exhausted, or ctx is done. The last
// error is returned unwrapped. onRetry, when non-nil, is told about every
// failure that will be followed by another attempt and how long the wait is.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(attempt int) (T, error), onRetry func(attempt int, err error, wait time.Duration)) (T, error) {
	p = p.normalised()

	attempt := 0
	operation := func() (T, error) {
		attempt++
		return op(attempt)
	}

	var notify backoff.Notify
	if onRetry != nil {
		notify = func(err error, wait time.Duration) {
			onRetry(attempt, err, wait)
		}
	}

	return backoff.RetryNotifyWithData[T](operation, p.backOff(ctx), notify)
}
