package ui

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/progress"
	"github.com/desertthunder/kbmigrate/internal/tasks"
)

func TestPalette(t *testing.T) {
	t.Run("plain palette leaves text alone", func(t *testing.T) {
		p := PlainPalette()
		for _, s := range []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusUploading, models.StatusPending} {
			if got := p.Status(s); got != string(s) {
				t.Errorf("expected %s, got %q", s, got)
			}
		}
		if got := p.As("x", "#FF0000"); got != "x" {
			t.Errorf("expected plain text, got %q", got)
		}
	})

	t.Run("buffers are not terminals", func(t *testing.T) {
		if IsTerminal(&bytes.Buffer{}) {
			t.Error("expected a buffer not to be a terminal")
		}
		if PaletteFor(&bytes.Buffer{}).plain != true {
			t.Error("expected the plain palette for a buffer")
		}
	})
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf, PlainPalette(), false)

	updates := make(chan tasks.ProgressUpdate, 4)
	snapshots := make(chan progress.Snapshot, 1)

	updates <- tasks.ProgressUpdate{Phase: tasks.Enumerate, Message: "Found 2 documents"}
	updates <- tasks.ProgressUpdate{Phase: tasks.Process, Message: "[1/2] ok", Data: &models.DocumentRecord{Status: models.StatusCompleted}}
	updates <- tasks.ProgressUpdate{Phase: tasks.Process, Message: "[2/2] broken", Data: &models.DocumentRecord{Status: models.StatusFailed}}
	updates <- tasks.ProgressUpdate{Phase: tasks.Finish, Message: "Run finished"}
	snapshots <- progress.Snapshot{Processed: 1, Total: 2, RatePerMinute: 30, ETA: 2 * time.Second}
	close(updates)
	close(snapshots)

	r.Watch(context.Background(), updates, snapshots)
	out := buf.String()

	for _, want := range []string{"Found 2 documents", "[2/2] broken", "Run finished", "1/2 processed", "eta 2s"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "[1/2] ok") {
		t.Error("expected successful documents to be quiet unless verbose")
	}
}
