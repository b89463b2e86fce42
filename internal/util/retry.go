package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the single backoff policy shared by every remote call in
// the pipeline: model requests, content network uploads and name record
// updates.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 500ms and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the wait before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay)
	for i := 1; i < retry; i++ {
		d *= p.Multiplier
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = p.Multiplier
	exp.MaxInterval = p.MaxDelay
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Permanent marks err so that Do stops retrying and returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// RetryNotify is called before each retry with the failed attempt number
// and the wait until the next one.
type RetryNotify func(attempt int, err error, wait time.Duration)

// Do runs fn under the policy and returns its result together with the
// number of attempts made. Context errors are never retried.
func Do[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error), notify RetryNotify) (T, int, error) {
	attempts := 0
	op := func() (T, error) {
		attempts++
		res, err := fn(ctx)
		if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) {
			notify(attempts, err, wait)
		}
	}
	res, err := backoff.RetryNotifyWithData(op, p.backOff(ctx), n)
	return res, attempts, err
}

// DoErr is Do for functions without a result.
func DoErr(ctx context.Context, p RetryPolicy, fn func(context.Context) error, notify RetryNotify) (int, error) {
	_, attempts, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, notify)
	return attempts, err
}
