// Package retry wraps single remote operations with backoff and circuit breaking.
//
// A [Policy] retries transient failures of one call with exponential backoff and jitter,
// bounded by an attempt count and a total wait. Every attempt is admitted by a shared
// [Breaker] that fails fast while a circuit for some error kind is open.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/desertthunder/kbmigrate/internal/shared"
)

// RetryFunc is called before sleeping between attempts. Returning an error stops the retries.
type RetryFunc func(attempt int, kind shared.ErrorKind, err error, delay time.Duration) error

// Policy retries a single operation.
type Policy struct {
	breaker      *Breaker
	sleep        func(context.Context, time.Duration) error
	jitter       func() float64
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	maxTotalWait time.Duration
	jitterRatio  float64
}

// NewPolicy creates a policy from configuration. A nil breaker admits every call.
func NewPolicy(cfg shared.RetryConfig, breaker *Breaker) *Policy {
	if breaker == nil {
		breaker = NewBreaker(shared.BreakerConfig{Threshold: math.MaxInt})
	}
	return &Policy{
		breaker:      breaker,
		sleep:        sleepContext,
		jitter:       rand.Float64,
		maxAttempts:  max(cfg.MaxAttempts, 1),
		baseDelay:    time.Duration(cfg.BaseDelayMillis) * time.Millisecond,
		maxDelay:     time.Duration(cfg.MaxDelayMillis) * time.Millisecond,
		maxTotalWait: time.Duration(cfg.MaxTotalWaitSeconds) * time.Second,
		jitterRatio:  cfg.Jitter,
	}
}

// SetSleep replaces the function used to wait between attempts.
func (p *Policy) SetSleep(fn func(context.Context, time.Duration) error) {
	p.sleep = fn
}

// SetJitterSource replaces the random source; fn must return values in [0, 1).
func (p *Policy) SetJitterSource(fn func() float64) {
	p.jitter = fn
}

// Breaker returns the breaker admitting the policy's calls.
func (p *Policy) Breaker() *Breaker {
	return p.breaker
}

// Do runs fn until it succeeds, fails with a non-transient error, or the attempt and wait budgets are spent.
//
// The returned error is the last failure, or an [*OpenError] when the breaker refused an attempt.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error, onRetry RetryFunc) error {
	var waited time.Duration

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ticket, err := p.breaker.Allow()
		if err != nil {
			return err
		}

		err = fn(ctx)
		if err == nil {
			p.breaker.Success(ticket)
			return nil
		}

		kind := shared.Classify(err)
		if kind == "" {
			p.breaker.Release(ticket)
			return err
		}
		p.breaker.Failure(ticket, kind)

		if kind.Class() != shared.ClassTransient || attempt >= p.maxAttempts {
			return err
		}

		delay := p.Backoff(attempt)
		if hint := shared.RetryAfter(err); hint > 0 {
			delay = hint
		}
		if p.maxTotalWait > 0 && waited+delay > p.maxTotalWait {
			return err
		}

		if onRetry != nil {
			if hookErr := onRetry(attempt, kind, err, delay); hookErr != nil {
				return errors.Join(err, hookErr)
			}
		}

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
		waited += delay
	}
}

// Backoff returns the jittered delay after the given failed attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if p.maxDelay > 0 {
		delay = math.Min(delay, float64(p.maxDelay))
	}
	if p.jitterRatio > 0 {
		delay *= 1 + p.jitterRatio*(2*p.jitter()-1)
	}
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
