package tasks

import (
	"fmt"

	"github.com/desertthunder/kbmigrate/internal/models"
)

// ProgressUpdate represents a progress event during a migration.
//
// Used to send real-time updates to the CLI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data
}

// Operation phase enumeration
type Phase int

const (
	Enumerate Phase = iota
	Process
	Finish
)

func (p Phase) String() string {
	switch p {
	case Enumerate:
		return "enumerate"
	case Process:
		return "process"
	case Finish:
		return "finish"
	default:
		return ""
	}
}

func enumeratedUpdate(total, inserted, changed int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Enumerate,
		Step:    total,
		Total:   total,
		Message: fmt.Sprintf("Found %d documents (%d new, %d changed)", total, inserted, changed),
	}
}

func documentUpdate(step, total int, doc *models.DocumentRecord) ProgressUpdate {
	var message string
	switch doc.Status {
	case models.StatusCompleted:
		message = fmt.Sprintf("[%d/%d] ✓ %s", step, total, doc.Title)
	case models.StatusSkipped:
		message = fmt.Sprintf("[%d/%d] - %s (already exists)", step, total, doc.Title)
	default:
		message = fmt.Sprintf("[%d/%d] ✗ %s: %s", step, total, doc.Title, doc.ErrorMessage)
	}
	return ProgressUpdate{
		Phase:   Process,
		Step:    step,
		Total:   total,
		Message: message,
		Data:    doc,
	}
}

func finishedUpdate(summary *models.RunSummary) ProgressUpdate {
	message := fmt.Sprintf("Run %s finished: %s", summary.RunID, summary.Status)
	if summary.AbortReason != "" {
		message += " (" + summary.AbortReason + ")"
	}
	return ProgressUpdate{
		Phase:   Finish,
		Step:    1,
		Total:   1,
		Message: message,
		Data:    summary,
	}
}

// sendProgress sends a progress update through the channel without blocking.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}
