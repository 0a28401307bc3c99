// Package retry is the one place retry and backoff happen. Transcription,
// analysis stages and remote media fetches all go through Do.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay. With Jitter the
// result lands in [50%, 100%] of that value.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}

	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d = d * (0.5 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// policyBackOff adapts a Policy to backoff.BackOff.
type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.policy.Delay(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

type options struct {
	notify Notify
}

type Option func(*options)

func OnRetry(fn Notify) Option {
	return func(o *options) {
		o.notify = fn
	}
}

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, returns a Permanent error, the policy's
// attempt budget is spent or ctx is done. The last attempt's error is
// returned unwrapped.
func Do(ctx context.Context, p Policy, op Op, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return op(ctx, attempt)
	}

	var b backoff.BackOff = &policyBackOff{policy: p}
	b = backoff.WithMaxRetries(b, uint64(p.attempts()-1))
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		if o.notify != nil {
			o.notify(attempt, err, wait)
		}
	}

	return backoff.RetryNotify(operation, b, notify)
}

// Permanent marks err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
