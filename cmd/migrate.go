package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/desertthunder/kbmigrate/internal/formatter"
	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/progress"
	"github.com/desertthunder/kbmigrate/internal/shared"
	"github.com/desertthunder/kbmigrate/internal/tasks"
	"github.com/desertthunder/kbmigrate/internal/ui"
	"github.com/urfave/cli/v3"
)

// MigrateRun starts the migration for the configured source and destination.
func (r *Runner) MigrateRun(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("dry-run") {
		config.Migration.DryRun = true
	}
	if err := config.Validate(); err != nil {
		return err
	}

	opts := tasks.RunOptions{
		Limit:  int(cmd.Int("limit")),
		Filter: cmd.String("filter"),
		DryRun: config.Migration.DryRun,
	}

	r.logger.Info("starting migration", "source", config.Source.DocumentsPath, "dry_run", opts.DryRun)
	return r.migrate(ctx, cmd, config, !opts.DryRun, func(engine *tasks.MigrationEngine, channels tasks.RunOptions) (*models.RunSummary, error) {
		opts.Progress, opts.Snapshots = channels.Progress, channels.Snapshots
		return engine.RunMigration(ctx, opts)
	})
}

// MigrateResume continues an existing run.
func (r *Runner) MigrateResume(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	runID := cmd.String("run-id")
	dryRun := cmd.Bool("dry-run") || config.Migration.DryRun

	r.logger.Info("resuming migration", "run_id", runID, "dry_run", dryRun)
	return r.migrate(ctx, cmd, config, !dryRun, func(engine *tasks.MigrationEngine, opts tasks.RunOptions) (*models.RunSummary, error) {
		opts.DryRun = dryRun
		return engine.ResumeMigration(ctx, runID, opts)
	})
}

type migrateFunc func(*tasks.MigrationEngine, tasks.RunOptions) (*models.RunSummary, error)

// migrate holds the database lock for the duration of fn and reports its outcome.
func (r *Runner) migrate(ctx context.Context, cmd *cli.Command, config *shared.Config, requireRemote bool, fn migrateFunc) error {
	lock, err := shared.AcquireLock(config.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.logger.Warn("failed to release lock", "error", err)
		}
	}()

	store, closeDB, err := r.openStore(ctx, config)
	if err != nil {
		return err
	}
	defer closeDB()

	engine, cleanup, err := r.newEngine(ctx, config, store, requireRemote)
	if err != nil {
		return err
	}
	defer cleanup()

	jsonOutput := cmd.Bool("json")

	var channels tasks.RunOptions
	stopReporter := func() {}
	if !jsonOutput {
		channels, stopReporter = r.startReporter(ctx, cmd.Bool("verbose"))
	}

	summary, runErr := fn(engine, channels)
	stopReporter()

	if summary == nil {
		return runErr
	}

	if path := cmd.String("summary"); path != "" {
		written, err := formatter.WriteSummary(summary, path)
		if err != nil {
			return err
		}
		r.logger.Info("summary written", "path", written)
	}

	if jsonOutput {
		if err := r.writeJSON(summary, true); err != nil {
			return err
		}
	} else {
		r.printSummary(summary)
	}

	if errors.Is(runErr, shared.ErrRunAborted) && !jsonOutput {
		r.writePlain("\nResume with: kbmigrate migrate resume --run-id %s\n", summary.RunID)
	}
	return runErr
}

// startReporter prints engine progress until the returned stop func is called.
func (r *Runner) startReporter(ctx context.Context, verbose bool) (tasks.RunOptions, func()) {
	updates := make(chan tasks.ProgressUpdate, 64)
	snapshots := make(chan progress.Snapshot, 4)
	reporter := ui.NewReporter(r.output, r.palette, verbose)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Watch(context.WithoutCancel(ctx), updates, snapshots)
	}()

	stop := func() {
		close(updates)
		close(snapshots)
		wg.Wait()
	}
	return tasks.RunOptions{Progress: updates, Snapshots: snapshots}, stop
}

func (r *Runner) printSummary(summary *models.RunSummary) {
	r.writePlainln("")
	r.writePlainHeader(fmt.Sprintf("Run %s: %s", summary.RunID, r.palette.Run(summary.Status)))
	if summary.AbortReason != "" {
		r.writePlain("Reason: %s\n", r.palette.Err(summary.AbortReason))
	}
	r.writePlain("Duration: %s\n\n", summary.Duration.Round(time.Second))

	rows := make([][]string, 0, len(models.Statuses))
	for _, status := range models.Statuses {
		if n := summary.Count(status); n > 0 {
			rows = append(rows, []string{r.palette.Status(status), strconv.Itoa(n)})
		}
	}
	rows = append(rows, []string{"TOTAL", strconv.Itoa(summary.Total)})
	r.writePlain("%s\n", renderTable([]string{"Status", "Documents"}, rows, []columnAlignment{alignLeft, alignRight}))

	if n := summary.Attachments[models.AttachmentFailed]; n > 0 {
		r.writePlain("%s %d attachments could not be uploaded\n", r.palette.Warn("!"), n)
	}
	if summary.SourceChanged > 0 {
		r.writePlain("%s %d completed documents changed in the export since they were migrated\n", r.palette.Warn("!"), summary.SourceChanged)
	}

	if len(summary.Failed) > 0 {
		r.writePlainln("Failed documents:")
		rows := make([][]string, 0, len(summary.Failed))
		for _, f := range summary.Failed {
			rows = append(rows, []string{f.Title, string(f.Kind), strconv.Itoa(f.RetryCount), truncate(f.Message, 80)})
		}
		r.writePlain("%s\n", renderTable([]string{"Title", "Kind", "Retries", "Error"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
	}
}
