// Package progress derives throughput and ETA for a migration run and drives its periodic checkpoints.
//
// The tracker never writes document state. Each [Tracker.Tick] asks the store to recompute the
// run's counters, samples the processed count, and reports a [Snapshot].
package progress

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/kbmigrate/internal/models"
)

// DefaultWindow is the trailing window the processing rate is computed over.
const DefaultWindow = 5 * time.Minute

// Checkpointer recomputes and persists a run's aggregate counters.
type Checkpointer interface {
	Checkpoint(ctx context.Context, runID string) (*models.MigrationRun, error)
}

// Snapshot is a point-in-time view of a run's progress.
type Snapshot struct {
	At            time.Time     `json:"at"`
	RunID         string        `json:"run_id"`
	Total         int           `json:"total"`
	Processed     int           `json:"processed"`
	Remaining     int           `json:"remaining"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	RatePerMinute float64       `json:"rate_per_minute"`
	ETA           time.Duration `json:"eta"` // zero while the rate is unknown
	Elapsed       time.Duration `json:"elapsed"`
}

type sample struct {
	at        time.Time
	processed int
}

// Tracker samples run progress.
type Tracker struct {
	mu        sync.Mutex
	store     Checkpointer
	logger    *log.Logger
	now       func() time.Time
	snapshots chan<- Snapshot
	started   time.Time
	runID     string
	samples   []sample
	interval  time.Duration
	window    time.Duration
}

// New creates a tracker for runID that checkpoints through store every interval.
func New(runID string, store Checkpointer, logger *log.Logger, interval time.Duration) *Tracker {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Tracker{
		runID:    runID,
		store:    store,
		logger:   logger,
		now:      time.Now,
		started:  time.Now(),
		interval: interval,
		window:   DefaultWindow,
	}
}

// SetClock replaces the time source and restarts the elapsed time from its current value.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.started = now()
}

// Notify sets a channel that receives every snapshot. Sends never block.
func (t *Tracker) Notify(ch chan<- Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots = ch
}

// Sample records the run's processed count and returns the resulting snapshot.
func (t *Tracker) Sample(run *models.MigrationRun) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	processed := run.Completed + run.Failed + run.Skipped

	t.samples = append(t.samples, sample{at: now, processed: processed})
	cutoff := now.Add(-t.window)
	for len(t.samples) > 1 && t.samples[0].at.Before(cutoff) {
		t.samples = t.samples[1:]
	}

	snap := Snapshot{
		At:        now,
		RunID:     t.runID,
		Total:     run.TotalDocuments,
		Processed: processed,
		Remaining: max(run.TotalDocuments-processed, 0),
		Completed: run.Completed,
		Failed:    run.Failed,
		Skipped:   run.Skipped,
		Elapsed:   now.Sub(t.started),
	}

	first := t.samples[0]
	if span := now.Sub(first.at); span > 0 {
		snap.RatePerMinute = float64(processed-first.processed) / span.Minutes()
	}
	if snap.RatePerMinute > 0 {
		snap.ETA = time.Duration(float64(snap.Remaining) / snap.RatePerMinute * float64(time.Minute))
	}

	return snap
}

// Tick checkpoints the run, samples it and emits a heartbeat.
func (t *Tracker) Tick(ctx context.Context) (Snapshot, error) {
	run, err := t.store.Checkpoint(ctx, t.runID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := t.Sample(run)
	t.logger.Info("progress",
		"run_id", t.runID,
		"processed", snap.Processed,
		"total", snap.Total,
		"failed", snap.Failed,
		"rate_per_min", int(snap.RatePerMinute+0.5),
		"eta", snap.ETA.Round(time.Second),
	)
	t.send(snap)
	return snap, nil
}

// Run ticks every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Tick(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("checkpoint failed", "run_id", t.runID, "error", err)
			}
		}
	}
}

func (t *Tracker) send(snap Snapshot) {
	t.mu.Lock()
	ch := t.snapshots
	t.mu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- snap:
	default:
	}
}
