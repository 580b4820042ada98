package apperr

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes bounded exponential backoff with jitter.
// delay(n) = min(Base*Multiplier^(n-1), MaxDelay) * (1 + rand*Jitter)
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int
}

// DefaultPolicy is used for transient failures of external calls
var DefaultPolicy = Policy{
	Base:        500 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
	MaxAttempts: 4,
}

// Delay returns the un-jittered delay before the given attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// NewBackOff returns a backoff.BackOff following the policy. It does not
// enforce MaxAttempts; wrap it with backoff.WithMaxRetries for that.
func (p Policy) NewBackOff() backoff.BackOff {
	return &policyBackOff{policy: p, rnd: rand.Float64}
}

type policyBackOff struct {
	policy  Policy
	attempt int
	rnd     func() float64
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.policy.Delay(b.attempt)
	if b.policy.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + b.rnd()*b.policy.Jitter))
	}
	return d
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done. External errors are retried once regardless
// of the policy; rate-limited errors wait at least the advertised delay.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	externalRetried := false

	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if KindOf(err) == KindExternal {
			if externalRetried {
				return backoff.Permanent(err)
			}
			externalRetried = true
		}
		return err
	}

	rab := &retryAfterBackOff{inner: p.NewBackOff()}
	var b backoff.BackOff = rab
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		rab.floor = RetryAfterOf(err)
		return err
	}, b, func(err error, next time.Duration) {
		if notify != nil {
			notify(err, next)
		}
	})
}

// retryAfterBackOff raises the next delay to the dependency's advertised Retry-After
type retryAfterBackOff struct {
	inner backoff.BackOff
	floor time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.inner.NextBackOff()
	if d != backoff.Stop && b.floor > d {
		d = b.floor
	}
	b.floor = 0
	return d
}

func (b *retryAfterBackOff) Reset() {
	b.floor = 0
	b.inner.Reset()
}
