// package models defines the data model for the knowledge base migration
package models

import (
	"fmt"
	"time"

	"github.com/desertthunder/kbmigrate/internal/shared"
)

// Status is a document's position in the migration pipeline.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusParsing      Status = "PARSING"
	StatusParsed       Status = "PARSED"
	StatusTransforming Status = "TRANSFORMING"
	StatusTransformed  Status = "TRANSFORMED"
	StatusUploading    Status = "UPLOADING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusSkipped      Status = "SKIPPED"
)

// Statuses lists every document status in pipeline order.
var Statuses = []Status{
	StatusPending, StatusParsing, StatusParsed, StatusTransforming, StatusTransformed,
	StatusUploading, StatusCompleted, StatusFailed, StatusSkipped,
}

// transitions holds the allowed moves out of each status besides FAILED.
var transitions = map[Status][]Status{
	StatusPending:      {StatusParsing, StatusSkipped},
	StatusParsing:      {StatusParsing, StatusParsed, StatusPending},
	StatusParsed:       {StatusTransforming},
	StatusTransforming: {StatusTransforming, StatusTransformed, StatusParsed},
	StatusTransformed:  {StatusUploading},
	StatusUploading:    {StatusUploading, StatusCompleted, StatusTransformed},
	StatusFailed:       {StatusPending},
}

// CanTransition reports whether the pipeline may move a document from one status to another.
//
// FAILED is reachable from every non-terminal status. In-flight statuses may be
// re-entered on resume and rolled back to their resting predecessor for a retry.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.Terminal() && from != StatusFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports statuses that are never revisited regardless of retry budget.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// InFlight reports the claim statuses held while a stage executes.
func (s Status) InFlight() bool {
	return s == StatusParsing || s == StatusTransforming || s == StatusUploading
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// RunStatus is the overall state of a [MigrationRun].
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunAborted   RunStatus = "ABORTED"
)

// MigrationRun is one logical migration, possibly spanning many process restarts.
type MigrationRun struct {
	ID               string     `json:"id"`
	Fingerprint      string     `json:"fingerprint"`
	Status           RunStatus  `json:"status"`
	MaxRetries       int        `json:"max_retries"`
	TotalDocuments   int        `json:"total_documents"`
	Completed        int        `json:"completed"`
	Failed           int        `json:"failed"`
	Skipped          int        `json:"skipped"`
	Pending          int        `json:"pending"`
	AbortReason      string     `json:"abort_reason,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	LastCheckpointAt *time.Time `json:"last_checkpoint_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks required run fields.
func (r *MigrationRun) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: run id is required", shared.ErrInvalidInput)
	}
	if r.Fingerprint == "" {
		return fmt.Errorf("%w: run fingerprint is required", shared.ErrInvalidInput)
	}
	return nil
}

// DocumentRecord is the persisted state of one source document.
type DocumentRecord struct {
	RunID         string            `json:"run_id"`
	ID            string            `json:"id"`
	SourcePath    string            `json:"source_path"`
	Title         string            `json:"title"`
	CustomerLabel string            `json:"customer_label"`
	ContentHash   string            `json:"content_hash"`
	Status        Status            `json:"status"`
	RemoteID      string            `json:"remote_id,omitempty"`
	ErrorKind     shared.ErrorKind  `json:"error_kind,omitempty"`
	ErrorClass    shared.ErrorClass `json:"error_class,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	RetryCount    int               `json:"retry_count"`
	SourceChanged bool              `json:"source_changed,omitempty"`
	FirstSeenAt   time.Time         `json:"first_seen_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Validate checks required document fields.
func (d *DocumentRecord) Validate() error {
	if d.RunID == "" || d.ID == "" {
		return fmt.Errorf("%w: document run id and id are required", shared.ErrInvalidInput)
	}
	if d.SourcePath == "" {
		return fmt.Errorf("%w: document source path is required", shared.ErrInvalidInput)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", shared.ErrInvalidInput, d.Status)
	}
	return nil
}

// AttachmentStatus is the upload state of an [AttachmentRecord].
type AttachmentStatus string

const (
	AttachmentPending  AttachmentStatus = "PENDING"
	AttachmentUploaded AttachmentStatus = "UPLOADED"
	AttachmentFailed   AttachmentStatus = "FAILED"
)

// AttachmentRecord is a file referenced by a document.
type AttachmentRecord struct {
	RunID        string           `json:"run_id"`
	ID           string           `json:"id"`
	DocumentID   string           `json:"document_id"`
	SourcePath   string           `json:"source_path"`
	Filename     string           `json:"filename"`
	MimeType     string           `json:"mime_type,omitempty"`
	Status       AttachmentStatus `json:"status"`
	RemoteRef    string           `json:"remote_ref,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Validate checks required attachment fields.
func (a *AttachmentRecord) Validate() error {
	if a.RunID == "" || a.ID == "" || a.DocumentID == "" {
		return fmt.Errorf("%w: attachment run id, id and document id are required", shared.ErrInvalidInput)
	}
	if a.SourcePath == "" {
		return fmt.Errorf("%w: attachment source path is required", shared.ErrInvalidInput)
	}
	return nil
}

// TransitionDetails carries the side data written together with a status change.
type TransitionDetails struct {
	RemoteID       string           // recorded only when no remote id exists yet
	ErrorKind      shared.ErrorKind // empty clears any previous error
	ErrorMessage   string
	RetryIncrement int
}

// FailedDocument is the reporting view of a FAILED document.
type FailedDocument struct {
	ID         string           `json:"id"`
	SourcePath string           `json:"source_path"`
	Title      string           `json:"title"`
	Kind       shared.ErrorKind `json:"error_kind"`
	Message    string           `json:"error_message"`
	RetryCount int              `json:"retry_count"`
}

// RunSummary enumerates per-status counts and every failure of a run.
type RunSummary struct {
	RunID            string                   `json:"run_id"`
	Status           RunStatus                `json:"status"`
	AbortReason      string                   `json:"abort_reason,omitempty"`
	Total            int                      `json:"total"`
	Counts           map[Status]int           `json:"counts"`
	Failed           []FailedDocument         `json:"failed"`
	Attachments      map[AttachmentStatus]int `json:"attachments"`
	SourceChanged    int                      `json:"source_changed"`
	Duration         time.Duration            `json:"duration"`
	LastCheckpointAt *time.Time               `json:"last_checkpoint_at,omitempty"`
}

// Count returns the number of documents in status s.
func (s *RunSummary) Count(status Status) int {
	return s.Counts[status]
}

// Remaining is the number of documents not yet in a final state.
func (s *RunSummary) Remaining() int {
	return s.Total - s.Counts[StatusCompleted] - s.Counts[StatusSkipped] - s.Counts[StatusFailed]
}
