package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/shared"
)

const attachmentColumns = `
	run_id, id, document_id, source_path, filename, mime_type, status,
	remote_ref, error_message, created_at, updated_at`

// RecordAttachment registers an attachment of a document. Recording a known attachment is a no-op.
func (s *Store) RecordAttachment(ctx context.Context, att *models.AttachmentRecord) error {
	if att.Status == "" {
		att.Status = models.AttachmentPending
	}
	if err := att.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (
			run_id, id, document_id, source_path, filename, mime_type, status, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, id) DO NOTHING`,
		att.RunID, att.ID, att.DocumentID, att.SourcePath, att.Filename, att.MimeType, att.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

// ListAttachments returns the attachments of one document ordered by id
func (s *Store) ListAttachments(ctx context.Context, runID, docID string) ([]*models.AttachmentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+attachmentColumns+" FROM attachments WHERE run_id = ? AND document_id = ? ORDER BY id",
		runID, docID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var atts []*models.AttachmentRecord
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return atts, nil
}

// MarkAttachment records the outcome of an attachment upload.
//
// UPLOADED is accepted only while the owning document is UPLOADING or COMPLETED, and an
// uploaded attachment is never downgraded. A recorded remote reference is kept.
func (s *Store) MarkAttachment(ctx context.Context, runID, attID string, status models.AttachmentStatus, remoteRef, message string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE attachments
		SET status = ?,
			remote_ref = CASE WHEN remote_ref IS NULL THEN ? ELSE remote_ref END,
			error_message = ?,
			updated_at = ?
		WHERE run_id = ? AND id = ?
			AND (status != ? OR ? = ?)
			AND (? != ? OR EXISTS (
				SELECT 1 FROM documents d
				WHERE d.run_id = attachments.run_id
					AND d.id = attachments.document_id
					AND d.status IN (?, ?)
			))`,
		status, nullable(remoteRef), nullable(message), s.now(),
		runID, attID,
		models.AttachmentUploaded, status, models.AttachmentUploaded,
		status, models.AttachmentUploaded,
		models.StatusUploading, models.StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to mark attachment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current models.AttachmentStatus
	err = s.db.QueryRowContext(ctx,
		"SELECT status FROM attachments WHERE run_id = ? AND id = ?", runID, attID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: attachment %s", shared.ErrInvalidInput, attID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up attachment: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrAttachmentState, attID, current)
}

func scanAttachment(row rowScanner) (*models.AttachmentRecord, error) {
	var (
		att                  models.AttachmentRecord
		remoteRef, errorText sql.NullString
	)

	err := row.Scan(
		&att.RunID,
		&att.ID,
		&att.DocumentID,
		&att.SourcePath,
		&att.Filename,
		&att.MimeType,
		&att.Status,
		&remoteRef,
		&errorText,
		&att.CreatedAt,
		&att.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan attachment: %w", err)
	}

	att.RemoteRef = remoteRef.String
	att.ErrorMessage = errorText.String
	return &att, nil
}
