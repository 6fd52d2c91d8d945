package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Policy bounds retries of a call to an external system.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Timeout bounds every single attempt.
	Timeout time.Duration
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx ends. Each attempt gets its own timeout derived from ctx.
func Do[T any](ctx context.Context, p Policy, log *logrus.Entry, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	op := func() (T, error) {
		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		return fn(callCtx)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
	}
	if log != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			log.WithError(err).WithField("retry_in", wait).Warn("external call failed, retrying")
		}))
	}
	return backoff.Retry(ctx, op, opts...)
}
