package progress

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/kbmigrate/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	runs  []*models.MigrationRun
	calls int
	err   error
}

func (s *fakeStore) Checkpoint(_ context.Context, runID string) (*models.MigrationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	run := s.runs[min(s.calls, len(s.runs)-1)]
	s.calls++
	return run, nil
}

func (s *fakeStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func run(total, completed, failed int) *models.MigrationRun {
	return &models.MigrationRun{ID: "run", TotalDocuments: total, Completed: completed, Failed: failed}
}

func TestSample(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := New("run", &fakeStore{}, nil, time.Minute)
	tracker.SetClock(func() time.Time { return now })

	first := tracker.Sample(run(100, 0, 0))
	if first.RatePerMinute != 0 || first.ETA != 0 {
		t.Errorf("a single sample has no rate, got %+v", first)
	}

	now = now.Add(2 * time.Minute)
	snap := tracker.Sample(run(100, 18, 2))

	if snap.Processed != 20 || snap.Remaining != 80 {
		t.Errorf("expected 20 processed and 80 remaining, got %d and %d", snap.Processed, snap.Remaining)
	}
	if snap.RatePerMinute != 10 {
		t.Errorf("expected 10 docs/min, got %v", snap.RatePerMinute)
	}
	if snap.ETA != 8*time.Minute {
		t.Errorf("expected 8m ETA, got %v", snap.ETA)
	}
	if snap.Elapsed != 2*time.Minute {
		t.Errorf("expected 2m elapsed, got %v", snap.Elapsed)
	}

	t.Run("rate uses the trailing window", func(t *testing.T) {
		now = now.Add(10 * time.Minute)
		tracker.Sample(run(100, 20, 2))
		now = now.Add(time.Minute)
		snap := tracker.Sample(run(100, 50, 2))

		// only the last two samples are inside the window
		if snap.RatePerMinute != 30 {
			t.Errorf("expected 30 docs/min, got %v", snap.RatePerMinute)
		}
	})
}

func TestTick(t *testing.T) {
	t.Run("checkpoints and notifies", func(t *testing.T) {
		var buf bytes.Buffer
		store := &fakeStore{runs: []*models.MigrationRun{run(10, 4, 1)}}
		tracker := New("run", store, log.New(&buf), time.Minute)

		ch := make(chan Snapshot, 1)
		tracker.Notify(ch)

		snap, err := tracker.Tick(context.Background())
		if err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		if store.Calls() != 1 {
			t.Errorf("expected one checkpoint, got %d", store.Calls())
		}
		if got := <-ch; got.Processed != snap.Processed {
			t.Errorf("expected notified snapshot, got %+v", got)
		}
		if !strings.Contains(buf.String(), "progress") {
			t.Errorf("expected heartbeat log, got %q", buf.String())
		}
	})

	t.Run("full channel does not block", func(t *testing.T) {
		store := &fakeStore{runs: []*models.MigrationRun{run(10, 1, 0)}}
		tracker := New("run", store, nil, time.Minute)
		tracker.Notify(make(chan Snapshot))

		done := make(chan struct{})
		go func() {
			tracker.Tick(context.Background())
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("tick blocked on an unread channel")
		}
	})

	t.Run("checkpoint error", func(t *testing.T) {
		store := &fakeStore{err: errors.New("database is locked")}
		tracker := New("run", store, nil, time.Minute)
		if _, err := tracker.Tick(context.Background()); err == nil {
			t.Error("expected checkpoint error")
		}
	})
}

func TestRun(t *testing.T) {
	store := &fakeStore{runs: []*models.MigrationRun{run(10, 1, 0)}}
	tracker := New("run", store, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.Calls() < 2 {
		select {
		case <-deadline:
			t.Fatal("expected periodic checkpoints")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
