package repositories

import (
	"context"
	"fmt"

	"github.com/desertthunder/kbmigrate/internal/models"
)

// Summarize reports per-status counts and every failure of a run.
func (s *Store) Summarize(ctx context.Context, runID string) (*models.RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	counts, total, err := s.statusCounts(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := &models.RunSummary{
		RunID:            run.ID,
		Status:           run.Status,
		AbortReason:      run.AbortReason,
		Total:            total,
		Counts:           counts,
		Failed:           []models.FailedDocument{},
		Attachments:      map[models.AttachmentStatus]int{},
		LastCheckpointAt: run.LastCheckpointAt,
	}

	end := s.now()
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	summary.Duration = end.Sub(run.StartedAt)

	failed, err := s.ListFailed(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, doc := range failed {
		summary.Failed = append(summary.Failed, models.FailedDocument{
			ID:         doc.ID,
			SourcePath: doc.SourcePath,
			Title:      doc.Title,
			Kind:       doc.ErrorKind,
			Message:    doc.ErrorMessage,
			RetryCount: doc.RetryCount,
		})
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM attachments WHERE run_id = ? GROUP BY status", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attachments: %w", err)
	}
	for rows.Next() {
		var (
			status models.AttachmentStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan attachment count: %w", err)
		}
		summary.Attachments[status] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating attachment counts: %w", err)
	}
	rows.Close()

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE run_id = ? AND source_changed = 1", runID,
	).Scan(&summary.SourceChanged)
	if err != nil {
		return nil, fmt.Errorf("failed to count changed documents: %w", err)
	}

	return summary, nil
}

// statusCounts returns the number of documents per status and their total.
func (s *Store) statusCounts(ctx context.Context, runID string) (map[models.Status]int, int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM documents WHERE run_id = ? GROUP BY status", runID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int, len(models.Statuses))
	total := 0
	for rows.Next() {
		var (
			status models.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, 0, fmt.Errorf("failed to scan document count: %w", err)
		}
		counts[status] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating document counts: %w", err)
	}
	return counts, total, nil
}
