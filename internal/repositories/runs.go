package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/shared"
)

const runColumns = `
	id, fingerprint, status, max_retries, total_documents, completed_documents,
	failed_documents, skipped_documents, pending_documents, abort_reason,
	started_at, last_checkpoint_at, finished_at, created_at, updated_at`

// CreateRunIfAbsent returns the run for fingerprint, creating it when none exists.
//
// An existing run is reopened: its status returns to RUNNING and its retry budget is
// replaced by maxRetries. created reports whether a new run was inserted.
func (s *Store) CreateRunIfAbsent(ctx context.Context, fingerprint string, maxRetries int) (run *models.MigrationRun, created bool, err error) {
	if fingerprint == "" {
		return nil, false, fmt.Errorf("%w: run fingerprint is required", shared.ErrInvalidInput)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		existing, err := scanRun(tx.QueryRowContext(ctx,
			"SELECT "+runColumns+" FROM migration_runs WHERE fingerprint = ?", fingerprint))
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE migration_runs
				SET status = ?, abort_reason = NULL, finished_at = NULL, max_retries = ?, updated_at = ?
				WHERE id = ?`,
				models.RunRunning, maxRetries, now, existing.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to reopen run: %w", err)
			}
			existing.Status = models.RunRunning
			existing.AbortReason = ""
			existing.FinishedAt = nil
			existing.MaxRetries = maxRetries
			existing.UpdatedAt = now
			run = existing
			return nil
		case !errors.Is(err, shared.ErrRunNotFound):
			return err
		}

		run = &models.MigrationRun{
			ID:          shared.GenerateID(),
			Fingerprint: fingerprint,
			Status:      models.RunRunning,
			MaxRetries:  maxRetries,
			StartedAt:   now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO migration_runs (id, fingerprint, status, max_retries, started_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Fingerprint, run.Status, run.MaxRetries, run.StartedAt, run.CreatedAt, run.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return run, created, nil
}

// GetRun retrieves a run by id
func (s *Store) GetRun(ctx context.Context, runID string) (*models.MigrationRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM migration_runs WHERE id = ?", runID))
}

// FindRun retrieves the run for a configuration fingerprint
func (s *Store) FindRun(ctx context.Context, fingerprint string) (*models.MigrationRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM migration_runs WHERE fingerprint = ?", fingerprint))
}

// ListRuns returns every run, most recent first
func (s *Store) ListRuns(ctx context.Context) ([]*models.MigrationRun, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM migration_runs ORDER BY started_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.MigrationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Checkpoint recomputes the run's counters from its documents and stamps the checkpoint time.
func (s *Store) Checkpoint(ctx context.Context, runID string) (*models.MigrationRun, error) {
	counts, total, err := s.statusCounts(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	completed, failed, skipped := counts[models.StatusCompleted], counts[models.StatusFailed], counts[models.StatusSkipped]
	result, err := s.db.ExecContext(ctx, `
		UPDATE migration_runs
		SET total_documents = ?, completed_documents = ?, failed_documents = ?,
			skipped_documents = ?, pending_documents = ?, last_checkpoint_at = ?, updated_at = ?
		WHERE id = ?`,
		total, completed, failed, skipped, total-completed-failed-skipped, now, now, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to checkpoint run: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	} else if rows == 0 {
		return nil, fmt.Errorf("%w: %s", shared.ErrRunNotFound, runID)
	}

	return s.GetRun(ctx, runID)
}

// FinishRun checkpoints the run and records its final status.
//
// reason is stored only for aborted runs.
func (s *Store) FinishRun(ctx context.Context, runID string, status models.RunStatus, reason string) (*models.MigrationRun, error) {
	if _, err := s.Checkpoint(ctx, runID); err != nil {
		return nil, err
	}

	if status != models.RunAborted {
		reason = ""
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_runs
		SET status = ?, abort_reason = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		status, nullable(reason), now, now, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}

	return s.GetRun(ctx, runID)
}

func scanRun(row rowScanner) (*models.MigrationRun, error) {
	var (
		run                      models.MigrationRun
		abortReason              sql.NullString
		checkpointAt, finishedAt sql.NullTime
	)

	err := row.Scan(
		&run.ID,
		&run.Fingerprint,
		&run.Status,
		&run.MaxRetries,
		&run.TotalDocuments,
		&run.Completed,
		&run.Failed,
		&run.Skipped,
		&run.Pending,
		&abortReason,
		&run.StartedAt,
		&checkpointAt,
		&finishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, shared.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.AbortReason = abortReason.String
	run.LastCheckpointAt = timePtr(checkpointAt)
	run.FinishedAt = timePtr(finishedAt)
	return &run, nil
}
