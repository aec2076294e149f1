package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/desertthunder/kbmigrate/internal/formatter"
	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/tasks"
	"github.com/urfave/cli/v3"
)

// inspect opens the state database read side and hands fn an engine without a remote client.
func (r *Runner) inspect(ctx context.Context, cmd *cli.Command, fn func(*tasks.MigrationEngine) error) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	store, closeDB, err := r.openStore(ctx, config)
	if err != nil {
		return err
	}
	defer closeDB()

	engine, cleanup, err := r.newEngine(ctx, config, store, false)
	if err != nil {
		return err
	}
	defer cleanup()

	return fn(engine)
}

// Status prints the counters of one run.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	runID := cmd.String("run-id")
	return r.inspect(ctx, cmd, func(engine *tasks.MigrationEngine) error {
		run, err := engine.GetStatus(ctx, runID)
		if err != nil {
			return err
		}

		var docs []*models.DocumentRecord
		if cmd.Bool("documents") {
			if docs, err = engine.ListDocuments(ctx, runID); err != nil {
				return err
			}
		}

		if cmd.Bool("json") {
			return r.writeJSON(statusReport{MigrationRun: run, Documents: docs}, true)
		}

		r.writePlainHeader("Run " + run.ID)
		r.writePlain("Status:     %s\n", r.palette.Run(run.Status))
		if run.AbortReason != "" {
			r.writePlain("Reason:     %s\n", r.palette.Err(run.AbortReason))
		}
		r.writePlain("Started:    %s\n", run.StartedAt.Local().Format(time.DateTime))
		if run.LastCheckpointAt != nil {
			r.writePlain("Checkpoint: %s\n", run.LastCheckpointAt.Local().Format(time.DateTime))
		}
		if run.FinishedAt != nil {
			r.writePlain("Finished:   %s\n", run.FinishedAt.Local().Format(time.DateTime))
		}
		r.writePlain("Retries:    up to %d per document\n\n", run.MaxRetries)

		rows := [][]string{
			{r.palette.Status(models.StatusCompleted), strconv.Itoa(run.Completed)},
			{r.palette.Status(models.StatusFailed), strconv.Itoa(run.Failed)},
			{r.palette.Status(models.StatusSkipped), strconv.Itoa(run.Skipped)},
			{r.palette.Status(models.StatusPending), strconv.Itoa(run.Pending)},
			{"TOTAL", strconv.Itoa(run.TotalDocuments)},
		}
		r.writePlain("%s\n", renderTable([]string{"Status", "Documents"}, rows, []columnAlignment{alignLeft, alignRight}))

		if len(docs) > 0 {
			r.printDocuments(docs)
		}
		return nil
	})
}

// statusReport is the JSON form of the status command.
type statusReport struct {
	*models.MigrationRun
	Documents []*models.DocumentRecord `json:"documents,omitempty"`
}

func (r *Runner) printDocuments(docs []*models.DocumentRecord) {
	rows := make([][]string, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, []string{
			doc.Title,
			doc.CustomerLabel,
			r.palette.Status(doc.Status),
			doc.RemoteID,
			strconv.Itoa(doc.RetryCount),
		})
	}
	r.writePlain("%s\n", renderTable(
		[]string{"Title", "Organization", "Status", "Remote ID", "Retries"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
}

// Failed lists the failed documents of a run and optionally exports them to CSV.
func (r *Runner) Failed(ctx context.Context, cmd *cli.Command) error {
	runID := cmd.String("run-id")
	return r.inspect(ctx, cmd, func(engine *tasks.MigrationEngine) error {
		records, err := engine.ListFailed(ctx, runID)
		if err != nil {
			return err
		}

		if cmd.IsSet("csv") {
			path, err := formatter.WriteFailedCSV(runID, records, cmd.String("csv"))
			if err != nil {
				return err
			}
			r.logger.Info("failed documents exported", "path", path, "count", len(records))
		}

		if cmd.Bool("json") {
			return r.writeJSON(records, true)
		}

		if len(records) == 0 {
			r.writePlain("%s No failed documents in run %s\n", r.palette.OK("✓"), runID)
			return nil
		}

		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, []string{
				rec.Title,
				rec.SourcePath,
				string(rec.ErrorKind),
				strconv.Itoa(rec.RetryCount),
				truncate(rec.ErrorMessage, 60),
			})
		}
		r.writePlain("%s\n", renderTable(
			[]string{"Title", "Source", "Kind", "Retries", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
		))
		r.writePlain("%d failed\n", len(records))
		return nil
	})
}

// Runs lists every migration run.
func (r *Runner) Runs(ctx context.Context, cmd *cli.Command) error {
	return r.inspect(ctx, cmd, func(engine *tasks.MigrationEngine) error {
		runs, err := engine.ListRuns(ctx)
		if err != nil {
			return err
		}

		if cmd.Bool("json") {
			return r.writeJSON(runs, true)
		}

		if len(runs) == 0 {
			r.writePlain("No runs yet. Start one with 'kbmigrate migrate run'\n")
			return nil
		}

		rows := make([][]string, 0, len(runs))
		for _, run := range runs {
			rows = append(rows, []string{
				run.ID,
				r.palette.Run(run.Status),
				run.StartedAt.Local().Format(time.DateTime),
				fmt.Sprintf("%d/%d", run.Completed, run.TotalDocuments),
				strconv.Itoa(run.Failed),
			})
		}
		r.writePlain("%s\n", renderTable(
			[]string{"Run", "Status", "Started", "Completed", "Failed"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
		))
		return nil
	})
}
