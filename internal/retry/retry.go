// Package retry provides the randomized exponential backoff shared by
// shard builds, artifact downloads and pushes.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseInterval scales the exponential wait.
	BaseInterval time.Duration

	// MaxInterval caps a single wait.
	MaxInterval time.Duration
}

// DefaultPolicy returns 5 attempts with waits drawn from
// [0, min(10s, 0.1s * 2^n)].
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		BaseInterval: 100 * time.Millisecond,
		MaxInterval:  10 * time.Second,
	}
}

// Notify is called after every failed attempt that will be retried.
type Notify func(err error, wait time.Duration)

// Permanent wraps err so that Do returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func() error, notify Notify) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		// WithMaxRetries treats zero as unlimited
		b = backoff.WithMaxRetries(&fullJitter{base: p.BaseInterval, max: p.MaxInterval}, uint64(attempts-1))
	}
	b = backoff.WithContext(b, ctx)

	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	return backoff.RetryNotify(op, b, n)
}

// DoValue is Do for operations producing a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error), notify Notify) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	}, notify)
	return out, err
}

// fullJitter draws each wait uniformly from [0, min(max, base*2^n)].
type fullJitter struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (f *fullJitter) NextBackOff() time.Duration {
	ceiling := f.max
	if f.attempt < 32 {
		if c := f.base << f.attempt; c > 0 && c < f.max {
			ceiling = c
		}
	}
	f.attempt++

	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling + 1)
}

func (f *fullJitter) Reset() {
	f.attempt = 0
}
