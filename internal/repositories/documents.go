package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/shared"
)

const documentColumns = `
	d.run_id, d.id, d.source_path, d.title, d.customer_label, d.content_hash, d.status,
	d.remote_id, d.error_kind, d.error_class, d.error_message, d.retry_count,
	d.source_changed, d.first_seen_at, d.updated_at`

// UpsertResult reports what [Store.UpsertDocument] did.
type UpsertResult struct {
	Inserted    bool
	HashChanged bool
}

// UpsertDocument registers a source document with a run.
//
// New documents start PENDING. Known documents keep their status, remote id and retry
// count; only descriptive fields are refreshed. A changed content hash on a document that
// already reached COMPLETED or SKIPPED is flagged as source_changed rather than requeued.
func (s *Store) UpsertDocument(ctx context.Context, runID string, src models.SourceDocument) (UpsertResult, error) {
	var result UpsertResult
	if src.ID == "" || src.Path == "" {
		return result, fmt.Errorf("%w: document id and path are required", shared.ErrInvalidInput)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		var (
			hash   string
			status models.Status
		)
		err := tx.QueryRowContext(ctx,
			"SELECT content_hash, status FROM documents WHERE run_id = ? AND id = ?", runID, src.ID,
		).Scan(&hash, &status)

		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO documents (
					run_id, id, source_path, title, customer_label, content_hash,
					status, retry_count, first_seen_at, updated_at
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
				runID, src.ID, src.Path, src.Title, src.CustomerLabel, src.ContentHash,
				models.StatusPending, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert document: %w", err)
			}
			result.Inserted = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up document: %w", err)
		}

		result.HashChanged = hash != src.ContentHash
		if !result.HashChanged {
			_, err = tx.ExecContext(ctx, `
				UPDATE documents SET source_path = ?, title = ?, customer_label = ?
				WHERE run_id = ? AND id = ?`,
				src.Path, src.Title, src.CustomerLabel, runID, src.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to refresh document: %w", err)
			}
			return nil
		}

		changed := status.Terminal()
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET source_path = ?, title = ?, customer_label = ?, content_hash = ?,
				source_changed = CASE WHEN ? THEN 1 ELSE source_changed END, updated_at = ?
			WHERE run_id = ? AND id = ?`,
			src.Path, src.Title, src.CustomerLabel, src.ContentHash, changed, now, runID, src.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}
		return nil
	})
	return result, err
}

// GetDocument retrieves one document of a run
func (s *Store) GetDocument(ctx context.Context, runID, docID string) (*models.DocumentRecord, error) {
	return scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents d WHERE d.run_id = ? AND d.id = ?", runID, docID))
}

// Transition moves a document from one status to another if and only if it is currently in from.
//
// The status change, remote id, error fields and retry increment are written atomically.
// details.RemoteID is recorded only when the document has no remote id yet, and an empty
// details.ErrorKind clears any recorded error.
func (s *Store) Transition(ctx context.Context, runID, docID string, from, to models.Status, details models.TransitionDetails) (*models.DocumentRecord, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var errorClass any
	if details.ErrorKind != "" {
		errorClass = string(details.ErrorKind.Class())
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = ?,
			remote_id = CASE WHEN remote_id IS NULL THEN ? ELSE remote_id END,
			error_kind = ?, error_class = ?, error_message = ?,
			retry_count = retry_count + ?,
			updated_at = ?
		WHERE run_id = ? AND id = ? AND status = ?`,
		to,
		nullable(details.RemoteID),
		nullable(string(details.ErrorKind)), errorClass, nullable(details.ErrorMessage),
		details.RetryIncrement,
		s.now(),
		runID, docID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return nil, s.staleOrMissing(ctx, runID, docID, from)
	}

	return s.GetDocument(ctx, runID, docID)
}

// IncrementRetry records a failed attempt without changing status.
//
// The document must still be in expected; otherwise [ErrStaleTransition] is returned.
func (s *Store) IncrementRetry(ctx context.Context, runID, docID string, expected models.Status, kind shared.ErrorKind, message string) (int, error) {
	var errorClass any
	if kind != "" {
		errorClass = string(kind.Class())
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET retry_count = retry_count + 1, error_kind = ?, error_class = ?, error_message = ?, updated_at = ?
		WHERE run_id = ? AND id = ? AND status = ?
		RETURNING retry_count`,
		nullable(string(kind)), errorClass, nullable(message), s.now(), runID, docID, expected,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.staleOrMissing(ctx, runID, docID, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return count, nil
}

func (s *Store) staleOrMissing(ctx context.Context, runID, docID string, expected models.Status) error {
	var actual models.Status
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM documents WHERE run_id = ? AND id = ?", runID, docID,
	).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up document status: %w", err)
	}
	return fmt.Errorf("%w: document %s is %s, expected %s", ErrStaleTransition, docID, actual, expected)
}

// ListPending returns the documents that still need work, ordered by id.
//
// COMPLETED and SKIPPED documents are excluded, as are FAILED documents whose error class
// is not retryable or whose retry count has reached the run's budget.
func (s *Store) ListPending(ctx context.Context, runID string) ([]*models.DocumentRecord, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents d
		JOIN migration_runs r ON r.id = d.run_id
		WHERE d.run_id = ?
			AND d.status NOT IN (?, ?)
			AND NOT (d.status = ? AND d.retry_count >= r.max_retries)
		ORDER BY d.id`

	docs, err := s.queryDocuments(ctx, query,
		runID,
		models.StatusCompleted, models.StatusSkipped,
		models.StatusFailed,
	)
	if err != nil {
		return nil, err
	}

	pending := docs[:0]
	for _, doc := range docs {
		if doc.Status == models.StatusFailed && !doc.ErrorClass.Retryable() {
			continue
		}
		pending = append(pending, doc)
	}
	return pending, nil
}

// RemoteIDClaimed reports whether a document other than docID already records remoteID.
func (s *Store) RemoteIDClaimed(ctx context.Context, remoteID, docID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM documents WHERE remote_id = ? AND id != ? LIMIT 1", remoteID, docID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up remote id: %w", err)
	}
	return true, nil
}

// ListFailed returns every FAILED document of a run, ordered by id
func (s *Store) ListFailed(ctx context.Context, runID string) ([]*models.DocumentRecord, error) {
	return s.queryDocuments(ctx,
		"SELECT "+documentColumns+" FROM documents d WHERE d.run_id = ? AND d.status = ? ORDER BY d.id",
		runID, models.StatusFailed,
	)
}

// ListDocuments returns a run's documents, optionally restricted to the given statuses.
func (s *Store) ListDocuments(ctx context.Context, runID string, statuses ...models.Status) ([]*models.DocumentRecord, error) {
	query := "SELECT " + documentColumns + " FROM documents d WHERE d.run_id = ?"
	args := []any{runID}

	if len(statuses) > 0 {
		query += " AND d.status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}

	return s.queryDocuments(ctx, query+" ORDER BY d.id", args...)
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]*models.DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.DocumentRecord
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func scanDocument(row rowScanner) (*models.DocumentRecord, error) {
	var (
		doc                                          models.DocumentRecord
		remoteID, errorKind, errorClass, errorMessage sql.NullString
	)

	err := row.Scan(
		&doc.RunID,
		&doc.ID,
		&doc.SourcePath,
		&doc.Title,
		&doc.CustomerLabel,
		&doc.ContentHash,
		&doc.Status,
		&remoteID,
		&errorKind,
		&errorClass,
		&errorMessage,
		&doc.RetryCount,
		&doc.SourceChanged,
		&doc.FirstSeenAt,
		&doc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	doc.RemoteID = remoteID.String
	doc.ErrorKind = shared.ErrorKind(errorKind.String)
	doc.ErrorClass = shared.ErrorClass(errorClass.String)
	doc.ErrorMessage = errorMessage.String
	return &doc, nil
}
