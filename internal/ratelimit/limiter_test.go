package ratelimit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("expected error for zero rate")
	}

	l, err := New(750)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.RequestsPerMinute() != 750 {
		t.Errorf("expected 750 rpm, got %d", l.RequestsPerMinute())
	}
}

func TestReserve(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("burst up to capacity", func(t *testing.T) {
		l, _ := New(30)
		for i := range 30 {
			if d := l.Reserve(base); d != 0 {
				t.Fatalf("request %d should be admitted immediately, waited %v", i, d)
			}
		}
		if d := l.Reserve(base); d <= 0 {
			t.Error("request beyond the burst should wait")
		}
	})

	t.Run("rolling window conformance under concurrency", func(t *testing.T) {
		const (
			rpm      = 60
			workers  = 8
			requests = 40
		)
		l, _ := New(rpm)

		var (
			mu    sync.Mutex
			times []time.Time
			wg    sync.WaitGroup
		)
		for w := range workers {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := range requests {
					// arrivals spread over a few virtual seconds
					arrival := base.Add(time.Duration(w*requests+i) * 10 * time.Millisecond)
					at := arrival.Add(l.Reserve(arrival))
					mu.Lock()
					times = append(times, at)
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
		if len(times) != workers*requests {
			t.Fatalf("expected %d admissions, got %d", workers*requests, len(times))
		}

		for i := 0; i+rpm < len(times); i++ {
			if span := times[i+rpm].Sub(times[i]); span < time.Minute {
				t.Fatalf("%d requests admitted within %v starting at %v", rpm+1, span, times[i].Sub(base))
			}
		}
	})

	t.Run("unlimited", func(t *testing.T) {
		l := Unlimited()
		for range 1000 {
			if d := l.Reserve(base); d != 0 {
				t.Fatalf("unlimited limiter waited %v", d)
			}
		}
	})
}

func TestWait(t *testing.T) {
	t.Run("cancelled context", func(t *testing.T) {
		l, _ := New(1)
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("first request should pass: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := l.Wait(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Error("wait should stop promptly on cancellation")
		}
	})

	t.Run("already cancelled", func(t *testing.T) {
		l, _ := New(10)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
