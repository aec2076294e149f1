// package tasks implements the migration engine that moves an export into the remote knowledge base.
//
// The core abstraction is MigrationEngine, which drives every document through a persisted
// pipeline and resumes from the state store after any interruption.
package tasks

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/progress"
	"github.com/desertthunder/kbmigrate/internal/ratelimit"
	"github.com/desertthunder/kbmigrate/internal/repositories"
	"github.com/desertthunder/kbmigrate/internal/retry"
	"github.com/desertthunder/kbmigrate/internal/services"
	"github.com/desertthunder/kbmigrate/internal/shared"
)

// Reader enumerates and parses source documents. Enumeration must be deterministic.
type Reader interface {
	ListSourceDocuments(ctx context.Context) ([]models.SourceDocument, error)
	Parse(ctx context.Context, doc models.SourceDocument) (*models.RawDocument, error)
}

// Transformer converts a parsed document into article content without side effects.
type Transformer interface {
	Transform(doc *models.RawDocument) (*models.Content, error)
}

// RemoteClient is the destination knowledge base.
type RemoteClient interface {
	CreateCategory(ctx context.Context, name string) (string, error)
	FindExisting(ctx context.Context, key models.IdentityKey) (string, bool, error)
	CreateArticle(ctx context.Context, fields models.ArticleFields) (string, error)
	UploadAttachment(ctx context.Context, data []byte, meta models.AttachmentMeta) (string, error)
}

// AttachmentSource returns the bytes of a referenced file.
type AttachmentSource interface {
	ReadAttachment(ctx context.Context, path string) ([]byte, error)
}

// Limiter admits one outbound request.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Dependencies are the collaborators of a [MigrationEngine].
type Dependencies struct {
	Store       *repositories.Store
	Reader      Reader
	Transformer Transformer
	Remote      RemoteClient
	Attachments AttachmentSource
	Policy      *retry.Policy
	Limiter     Limiter
	Logger      *log.Logger
}

// RunOptions narrows a single invocation.
type RunOptions struct {
	Limit     int    // cap on enumerated documents, zero for all
	Filter    string // regular expression matched against title or organization
	DryRun    bool   // fabricate remote ids instead of calling the destination
	Progress  chan<- ProgressUpdate
	Snapshots chan<- progress.Snapshot
}

// MigrationEngine runs and resumes migrations.
type MigrationEngine struct {
	store       *repositories.Store
	reader      Reader
	transformer Transformer
	remote      RemoteClient
	attachments AttachmentSource
	policy      *retry.Policy
	limiter     Limiter
	logger      *log.Logger
	sleep       func(context.Context, time.Duration) error
	cfg         shared.MigrationConfig
	fingerprint string
}

// NewMigrationEngine creates an engine for the migration lineage identified by fingerprint.
func NewMigrationEngine(deps Dependencies, cfg shared.MigrationConfig, fingerprint string) (*MigrationEngine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: state store", shared.ErrMissingArgument)
	case deps.Reader == nil:
		return nil, fmt.Errorf("%w: reader", shared.ErrMissingArgument)
	case deps.Transformer == nil:
		return nil, fmt.Errorf("%w: transformer", shared.ErrMissingArgument)
	case fingerprint == "":
		return nil, fmt.Errorf("%w: fingerprint", shared.ErrMissingArgument)
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	policy := deps.Policy
	if policy == nil {
		policy = retry.NewPolicy(shared.RetryConfig{MaxAttempts: 1}, nil)
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited()
	}

	policy.Breaker().OnStateChange(func(kind shared.ErrorKind, from, to retry.State) {
		logger.Warn("circuit state changed", "kind", kind, "from", from, "to", to)
	})

	cfg.BatchSize = max(cfg.BatchSize, 1)
	cfg.Workers = max(cfg.Workers, 1)

	return &MigrationEngine{
		store:       deps.Store,
		reader:      deps.Reader,
		transformer: deps.Transformer,
		remote:      deps.Remote,
		attachments: deps.Attachments,
		policy:      policy,
		limiter:     limiter,
		logger:      logger,
		sleep:       sleepContext,
		cfg:         cfg,
		fingerprint: fingerprint,
	}, nil
}

// SetSleep replaces the function used to wait out an open circuit.
func (e *MigrationEngine) SetSleep(fn func(context.Context, time.Duration) error) {
	e.sleep = fn
}

// RunMigration starts the migration for the engine's lineage, or continues it when a run already exists.
//
// The returned summary is always populated once the run record exists. A run that ends
// ABORTED also returns an error wrapping [shared.ErrRunAborted].
func (e *MigrationEngine) RunMigration(ctx context.Context, opts RunOptions) (*models.RunSummary, error) {
	var filter *regexp.Regexp
	if opts.Filter != "" {
		re, err := regexp.Compile(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("%w: filter: %v", shared.ErrInvalidArgument, err)
		}
		filter = re
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", shared.ErrInvalidArgument)
	}

	remote, fingerprint, err := e.destination(opts.DryRun)
	if err != nil {
		return nil, err
	}

	run, created, err := e.store.CreateRunIfAbsent(ctx, fingerprint, e.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to open run: %w", err)
	}
	e.logger.Info("migration run opened", "run_id", run.ID, "created", created, "dry_run", opts.DryRun)

	return e.execute(ctx, run, remote, opts, filter)
}

// ResumeMigration continues an existing run from its persisted state.
//
// An empty runID resumes the run of the engine's lineage, or of its rehearsal lineage when
// opts.DryRun is set.
func (e *MigrationEngine) ResumeMigration(ctx context.Context, runID string, opts RunOptions) (*models.RunSummary, error) {
	existing, err := e.findRun(ctx, runID, opts.DryRun)
	if err != nil {
		return nil, err
	}
	runID = existing.ID

	var dryRun bool
	switch existing.Fingerprint {
	case e.fingerprint:
	case dryRunFingerprint(e.fingerprint):
		dryRun = true
	default:
		return nil, fmt.Errorf("%w: run %s belongs to a different source or destination", shared.ErrInvalidInput, runID)
	}

	remote, _, err := e.destination(dryRun)
	if err != nil {
		return nil, err
	}

	run, _, err := e.store.CreateRunIfAbsent(ctx, existing.Fingerprint, e.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen run: %w", err)
	}
	e.logger.Info("migration run resumed", "run_id", run.ID, "previous_status", existing.Status)

	opts.Limit, opts.Filter = 0, ""
	return e.execute(ctx, run, remote, opts, nil)
}

// GetStatus returns a run with counters computed from the current document states.
func (e *MigrationEngine) GetStatus(ctx context.Context, runID string) (*models.MigrationRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	summary, err := e.store.Summarize(ctx, runID)
	if err != nil {
		return nil, err
	}

	run.TotalDocuments = summary.Total
	run.Completed = summary.Counts[models.StatusCompleted]
	run.Failed = summary.Counts[models.StatusFailed]
	run.Skipped = summary.Counts[models.StatusSkipped]
	run.Pending = summary.Total - run.Completed - run.Failed - run.Skipped
	return run, nil
}

// ListDocuments returns the documents of a run, optionally only those in the given statuses.
func (e *MigrationEngine) ListDocuments(ctx context.Context, runID string, statuses ...models.Status) ([]*models.DocumentRecord, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListDocuments(ctx, runID, statuses...)
}

// ListFailed returns the FAILED documents of a run.
func (e *MigrationEngine) ListFailed(ctx context.Context, runID string) ([]*models.DocumentRecord, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListFailed(ctx, runID)
}

// Summary reports the per-status counts and failures of a run.
func (e *MigrationEngine) Summary(ctx context.Context, runID string) (*models.RunSummary, error) {
	return e.store.Summarize(ctx, runID)
}

// ListRuns returns every run, newest first.
func (e *MigrationEngine) ListRuns(ctx context.Context) ([]*models.MigrationRun, error) {
	return e.store.ListRuns(ctx)
}

// destination picks the remote client and run lineage for a real or rehearsal run.
//
// Rehearsals get their own lineage so their fabricated ids never mark real documents complete.
func (e *MigrationEngine) destination(dryRun bool) (RemoteClient, string, error) {
	if dryRun {
		return services.NewDryRunClient(e.logger), dryRunFingerprint(e.fingerprint), nil
	}
	if e.remote == nil {
		return nil, "", fmt.Errorf("%w: remote client", shared.ErrMissingArgument)
	}
	return e.remote, e.fingerprint, nil
}

func (e *MigrationEngine) findRun(ctx context.Context, runID string, dryRun bool) (*models.MigrationRun, error) {
	if runID != "" {
		return e.store.GetRun(ctx, runID)
	}
	fingerprint := e.fingerprint
	if dryRun {
		fingerprint = dryRunFingerprint(fingerprint)
	}
	return e.store.FindRun(ctx, fingerprint)
}

func dryRunFingerprint(fingerprint string) string {
	return shared.Fingerprint(fingerprint, "dry-run")
}

// execute enumerates the source into the run and processes pending documents until no pass makes progress.
func (e *MigrationEngine) execute(ctx context.Context, run *models.MigrationRun, remote RemoteClient, opts RunOptions, filter *regexp.Regexp) (*models.RunSummary, error) {
	logger := shared.WithLogger(e.logger, "run_id", run.ID)
	persist := context.WithoutCancel(ctx)

	if err := e.enumerate(ctx, run, opts, filter, logger); err != nil {
		if ctx.Err() != nil {
			return e.finish(persist, run, opts, logger, "interrupted")
		}
		e.finish(persist, run, opts, logger, err.Error())
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tracker := progress.New(run.ID, e.store, logger, e.cfg.CheckpointInterval())
	if opts.Snapshots != nil {
		tracker.Notify(opts.Snapshots)
	}
	trackerCtx, stopTracker := context.WithCancel(runCtx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Run(trackerCtx)
	}()

	m := &migration{
		engine:     e,
		run:        run,
		remote:     remote,
		logger:     logger,
		abort:      cancel,
		progress:   opts.Progress,
		categories: make(map[string]string),
		lastErrors: make(map[shared.ErrorKind]string),
	}

	var fatal error
	for pass := 1; ; pass++ {
		pending, err := e.store.ListPending(runCtx, run.ID)
		if err != nil {
			if runCtx.Err() == nil {
				fatal = err
			}
			break
		}
		if len(pending) == 0 {
			break
		}

		m.total = len(pending)
		m.done.Store(0)
		logger.Info("processing pass", "pass", pass, "pending", len(pending))

		changed, err := m.processPending(runCtx, pending)
		if err != nil && runCtx.Err() == nil {
			fatal = err
			break
		}
		if runCtx.Err() != nil || changed == 0 {
			break
		}
	}

	stopTracker()
	wg.Wait()
	if _, err := tracker.Tick(persist); err != nil {
		logger.Warn("final checkpoint failed", "error", err)
	}

	var reason string
	switch {
	case ctx.Err() != nil:
		reason = "interrupted"
	case fatal != nil:
		reason = fatal.Error()
	case context.Cause(runCtx) != nil:
		reason = context.Cause(runCtx).Error()
	}
	return e.finish(persist, run, opts, logger, reason)
}

func (e *MigrationEngine) enumerate(ctx context.Context, run *models.MigrationRun, opts RunOptions, filter *regexp.Regexp, logger *log.Logger) error {
	docs, err := e.reader.ListSourceDocuments(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate source: %w", err)
	}

	var inserted, changed, listed int
	for _, doc := range docs {
		if filter != nil && !filter.MatchString(doc.Title) && !filter.MatchString(doc.CustomerLabel) {
			continue
		}
		if opts.Limit > 0 && listed >= opts.Limit {
			break
		}
		listed++

		result, err := e.store.UpsertDocument(ctx, run.ID, doc)
		if err != nil {
			return err
		}
		if result.Inserted {
			inserted++
		}
		if result.HashChanged {
			changed++
			logger.Warn("source changed since it was recorded", "document", doc.Path)
		}
	}

	if listed == 0 {
		// documents recorded by an earlier invocation can still be worked on
		summary, err := e.store.Summarize(ctx, run.ID)
		if err != nil {
			return err
		}
		if summary.Total == 0 {
			return shared.ErrNoSourceFiles
		}
		logger.Warn("no source documents matched, continuing with recorded documents", "recorded", summary.Total)
		return nil
	}

	logger.Info("source enumerated", "documents", listed, "new", inserted, "changed", changed)
	sendProgress(opts.Progress, enumeratedUpdate(listed, inserted, changed))
	return nil
}

func (e *MigrationEngine) finish(ctx context.Context, run *models.MigrationRun, opts RunOptions, logger *log.Logger, reason string) (*models.RunSummary, error) {
	status := models.RunCompleted
	if reason != "" {
		status = models.RunAborted
	}

	if _, err := e.store.Checkpoint(ctx, run.ID); err != nil {
		logger.Warn("checkpoint failed", "error", err)
	}
	if _, err := e.store.FinishRun(ctx, run.ID, status, reason); err != nil {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}

	summary, err := e.store.Summarize(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	sendProgress(opts.Progress, finishedUpdate(summary))

	logger.Info("migration run finished",
		"status", status,
		"completed", summary.Counts[models.StatusCompleted],
		"failed", summary.Counts[models.StatusFailed],
		"skipped", summary.Counts[models.StatusSkipped],
		"duration", summary.Duration.Round(time.Second),
	)

	if status == models.RunAborted {
		return summary, fmt.Errorf("%w: %s", shared.ErrRunAborted, reason)
	}
	return summary, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
