// Package ratelimit bounds the request rate against the destination API.
//
// A single [Limiter] is shared by every worker of a run. Admission requires a token from
// a bucket that holds one minute of burst and refills continuously, and a free slot in a
// rolling one-minute window of the last rpm admissions, so no sixty second span ever sees
// more than rpm requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket expressed in requests per minute.
type Limiter struct {
	mu     sync.Mutex
	last   time.Time
	now    func() time.Time
	bucket *rate.Limiter
	window []time.Time // ring of the last rpm admission times
	rpm    int
	next   int
}

// New creates a limiter admitting at most rpm requests in any rolling minute.
func New(rpm int) (*Limiter, error) {
	if rpm <= 0 {
		return nil, fmt.Errorf("requests per minute must be positive, got %d", rpm)
	}
	return &Limiter{
		rpm:    rpm,
		now:    time.Now,
		bucket: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm),
		window: make([]time.Time, rpm),
	}, nil
}

// Unlimited returns a limiter that never waits.
func Unlimited() *Limiter {
	return &Limiter{now: time.Now}
}

// RequestsPerMinute reports the configured rate; zero means unlimited.
func (l *Limiter) RequestsPerMinute() int {
	return l.rpm
}

// Reserve admits one request arriving at t and returns how long it must wait before being sent.
func (l *Limiter) Reserve(t time.Time) time.Duration {
	if l.rpm == 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	at := t.Add(l.bucket.ReserveN(t, 1).DelayFrom(t))
	if oldest := l.window[l.next]; !oldest.IsZero() {
		if free := oldest.Add(time.Minute); at.Before(free) {
			at = free
		}
	}
	if at.Before(l.last) {
		at = l.last
	}

	l.window[l.next] = at
	l.next = (l.next + 1) % l.rpm
	l.last = at
	return at.Sub(t)
}

// Wait blocks until a request may be sent or ctx is done.
//
// A cancelled wait still holds its slot, which only makes the limiter more conservative.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	delay := l.Reserve(l.now())
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limiter wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
