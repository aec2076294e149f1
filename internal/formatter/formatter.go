// package formatter exports migration state to files (CSV of failed documents, JSON run summaries)
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/shared"
)

// FailedHeaders are the columns of [FailedToCSV], in order.
var FailedHeaders = []string{"ID", "Source Path", "Title", "Organization", "Error Kind", "Error Class", "Error Message", "Retries"}

// FailedToCSV converts failed documents to CSV for a targeted re-run.
func FailedToCSV(records []*models.DocumentRecord) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(FailedHeaders); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, rec := range records {
		record := []string{
			rec.ID,
			rec.SourcePath,
			rec.Title,
			rec.CustomerLabel,
			string(rec.ErrorKind),
			string(rec.ErrorClass),
			rec.ErrorMessage,
			strconv.Itoa(rec.RetryCount),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteFailedCSV writes failed documents to path.
//
// Defaults to failed_{runID}.csv when path is empty.
func WriteFailedCSV(runID string, records []*models.DocumentRecord, path string) (string, error) {
	if path == "" {
		path = fmt.Sprintf("failed_%s.csv", runID)
	}

	data, err := FailedToCSV(records)
	if err != nil {
		return "", fmt.Errorf("failed to generate CSV: %w", err)
	}

	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// SummaryToJSON generates the JSON representation of a run summary.
func SummaryToJSON(summary *models.RunSummary) ([]byte, error) {
	return shared.MarshalJSON(summary, true)
}

// WriteSummary writes a run summary as JSON.
//
// Defaults to summary_{runID}.json when path is empty.
func WriteSummary(summary *models.RunSummary, path string) (string, error) {
	if path == "" {
		path = fmt.Sprintf("summary_%s.json", summary.RunID)
	}

	data, err := SummaryToJSON(summary)
	if err != nil {
		return "", fmt.Errorf("failed to generate summary JSON: %w", err)
	}

	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
