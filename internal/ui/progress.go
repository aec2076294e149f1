package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/progress"
	"github.com/desertthunder/kbmigrate/internal/tasks"
)

// Reporter prints migration progress as it arrives.
type Reporter struct {
	out     io.Writer
	palette *Palette
	verbose bool // print every document, not only failures
}

// NewReporter creates a reporter writing to out.
func NewReporter(out io.Writer, palette *Palette, verbose bool) *Reporter {
	if palette == nil {
		palette = PaletteFor(out)
	}
	return &Reporter{out: out, palette: palette, verbose: verbose}
}

// Watch prints updates and snapshots until both channels are closed or ctx is done.
func (r *Reporter) Watch(ctx context.Context, updates <-chan tasks.ProgressUpdate, snapshots <-chan progress.Snapshot) {
	for updates != nil || snapshots != nil {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			r.Update(update)
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			r.Snapshot(snap)
		}
	}
}

// Update prints one progress update.
func (r *Reporter) Update(update tasks.ProgressUpdate) {
	switch update.Phase {
	case tasks.Enumerate:
		fmt.Fprintf(r.out, "📥 %s\n", update.Message)
	case tasks.Process:
		doc, _ := update.Data.(*models.DocumentRecord)
		switch {
		case doc != nil && doc.Status == models.StatusFailed:
			fmt.Fprintf(r.out, "   %s\n", r.palette.Err(update.Message))
		case r.verbose:
			fmt.Fprintf(r.out, "   %s\n", update.Message)
		}
	case tasks.Finish:
		fmt.Fprintf(r.out, "\n%s\n", update.Message)
	}
}

// Snapshot prints a heartbeat line.
func (r *Reporter) Snapshot(snap progress.Snapshot) {
	eta := "unknown"
	if snap.ETA > 0 {
		eta = snap.ETA.Round(time.Second).String()
	}
	line := fmt.Sprintf("⏱  %d/%d processed, %d failed, %.1f/min, eta %s",
		snap.Processed, snap.Total, snap.Failed, snap.RatePerMinute, eta)
	fmt.Fprintln(r.out, r.palette.Help(line))
}
