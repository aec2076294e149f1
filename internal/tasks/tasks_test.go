package tasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/repositories"
	"github.com/desertthunder/kbmigrate/internal/retry"
	"github.com/desertthunder/kbmigrate/internal/shared"
	tu "github.com/desertthunder/kbmigrate/internal/testing"
)

const testFingerprint = "source|destination"

// fakeClock is a manually advanced time source shared by the breaker and the engine's sleep.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type countingLimiter struct {
	waits atomic.Int64
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.waits.Add(1)
	return ctx.Err()
}

type harness struct {
	store       *repositories.Store
	reader      *tu.FakeReader
	remote      *tu.FakeRemote
	source      *tu.MemorySource
	transformer Transformer
	limiter     Limiter
	clock       *fakeClock
	docs        []models.SourceDocument
	migration   shared.MigrationConfig
	retry       shared.RetryConfig
	breaker     shared.BreakerConfig
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	docs := tu.Documents(n)
	return &harness{
		store:       repositories.NewStore(db),
		reader:      tu.NewFakeReader(docs...),
		remote:      tu.NewFakeRemote(),
		source:      tu.NewMemorySource(),
		transformer: tu.NewFakeTransformer(),
		clock:       &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		docs:        docs,
		migration:   shared.MigrationConfig{BatchSize: 3, Workers: 2, MaxRetries: 3, CheckpointIntervalSeconds: 60},
		retry:       shared.RetryConfig{MaxAttempts: 3},
		breaker:     shared.BreakerConfig{Threshold: 50, WindowSeconds: 60, CooldownSeconds: 10},
	}
}

func (h *harness) engine(t *testing.T) *MigrationEngine {
	t.Helper()

	breaker := retry.NewBreaker(h.breaker)
	breaker.SetClock(h.clock.Now)
	policy := retry.NewPolicy(h.retry, breaker)
	policy.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })

	engine, err := NewMigrationEngine(Dependencies{
		Store:       h.store,
		Reader:      h.reader,
		Transformer: h.transformer,
		Remote:      h.remote,
		Attachments: h.source,
		Policy:      policy,
		Limiter:     h.limiter,
	}, h.migration, testFingerprint)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	engine.SetSleep(h.clock.Sleep)
	return engine
}

func (h *harness) document(t *testing.T, runID string, i int) *models.DocumentRecord {
	t.Helper()
	rec, err := h.store.GetDocument(context.Background(), runID, h.docs[i].ID)
	if err != nil {
		t.Fatalf("failed to get document %d: %v", i, err)
	}
	return rec
}

func titledDocument(label, path, title string) models.SourceDocument {
	return models.SourceDocument{
		ID:            shared.DocumentID(path),
		Path:          path,
		Title:         title,
		CustomerLabel: label,
		ContentHash:   shared.HashBytes([]byte(path)),
	}
}

func (h *harness) setDocuments(docs ...models.SourceDocument) {
	h.docs = docs
	h.reader.SetDocuments(docs...)
}

func TestNewMigrationEngine(t *testing.T) {
	h := newHarness(t, 1)

	t.Run("requires a store", func(t *testing.T) {
		_, err := NewMigrationEngine(Dependencies{Reader: h.reader, Transformer: h.transformer}, h.migration, testFingerprint)
		if !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})

	t.Run("requires a fingerprint", func(t *testing.T) {
		_, err := NewMigrationEngine(Dependencies{Store: h.store, Reader: h.reader, Transformer: h.transformer}, h.migration, "")
		if !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})
}

func TestRunMigration(t *testing.T) {
	ctx := context.Background()

	t.Run("content failures do not stop the run", func(t *testing.T) {
		h := newHarness(t, 10)
		h.transformer = tu.NewFakeTransformer(h.docs[8].ID, h.docs[9].ID)

		progress := make(chan ProgressUpdate, 32)
		summary, err := h.engine(t).RunMigration(ctx, RunOptions{Progress: progress})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		if summary.Status != models.RunCompleted {
			t.Errorf("expected COMPLETED run, got %s", summary.Status)
		}
		if summary.Count(models.StatusCompleted) != 8 || summary.Count(models.StatusFailed) != 2 {
			t.Errorf("expected 8 completed and 2 failed, got %v", summary.Counts)
		}
		if len(summary.Failed) != 2 || summary.Failed[0].Kind != shared.KindContent {
			t.Errorf("expected content failures in summary, got %+v", summary.Failed)
		}
		if got := len(h.remote.Articles()); got != 8 {
			t.Errorf("expected 8 articles, got %d", got)
		}

		failed := h.document(t, summary.RunID, 9)
		if failed.RetryCount != 0 || failed.ErrorClass != shared.ClassPermanentItem {
			t.Errorf("expected a permanent failure without retries, got %+v", failed)
		}

		close(progress)
		var phases []Phase
		for update := range progress {
			phases = append(phases, update.Phase)
		}
		if len(phases) != 12 || phases[0] != Enumerate || phases[len(phases)-1] != Finish {
			t.Errorf("expected enumerate, 10 document updates and finish, got %v", phases)
		}
	})

	t.Run("remote content rejections do not stop the run", func(t *testing.T) {
		h := newHarness(t, 10)
		h.remote.FailOn(tu.OpCreateArticle, func(key string, _ int) error {
			if key == h.docs[8].ID || key == h.docs[9].ID {
				return &shared.RemoteError{Kind: shared.KindContent, Op: tu.OpCreateArticle, Status: 422, Message: "content rejected"}
			}
			return nil
		})

		summary, err := h.engine(t).RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if summary.Status != models.RunCompleted {
			t.Errorf("expected COMPLETED run, got %s", summary.Status)
		}
		if summary.Count(models.StatusCompleted) != 8 || summary.Count(models.StatusFailed) != 2 {
			t.Errorf("expected 8 completed and 2 failed, got %v", summary.Counts)
		}
		for _, i := range []int{8, 9} {
			rec := h.document(t, summary.RunID, i)
			if rec.ErrorKind != shared.KindContent || rec.RetryCount != 0 {
				t.Errorf("document %d: expected a content failure without retries, got %+v", i, rec)
			}
		}
		if calls := h.remote.Calls(tu.OpCreateArticle); calls != 10 {
			t.Errorf("expected one create per document, got %d", calls)
		}
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		h := newHarness(t, 5)
		h.remote.FailOn(tu.OpCreateArticle, func(key string, call int) error {
			if call == 1 && (key == h.docs[0].ID || key == h.docs[1].ID || key == h.docs[2].ID) {
				return &shared.RemoteError{Kind: shared.KindTimeout, Op: tu.OpCreateArticle, Message: "deadline"}
			}
			return nil
		})

		summary, err := h.engine(t).RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if summary.Count(models.StatusCompleted) != 5 {
			t.Fatalf("expected every document completed, got %v", summary.Counts)
		}

		for i := range 5 {
			want := 0
			if i < 3 {
				want = 1
			}
			if rec := h.document(t, summary.RunID, i); rec.RetryCount != want {
				t.Errorf("document %d: expected retry count %d, got %d", i, want, rec.RetryCount)
			}
		}
		if got := len(h.remote.Articles()); got != 5 {
			t.Errorf("expected 5 articles without duplicates, got %d", got)
		}
	})

	t.Run("retry budget", func(t *testing.T) {
		h := newHarness(t, 2)
		h.retry.MaxAttempts = 1
		h.migration.MaxRetries = 2
		h.remote.FailOn(tu.OpCreateArticle, func(key string, call int) error {
			if key == h.docs[0].ID {
				return &shared.RemoteError{Kind: shared.KindServer, Op: tu.OpCreateArticle, Status: 503}
			}
			return nil
		})

		summary, err := h.engine(t).RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		rec := h.document(t, summary.RunID, 0)
		if rec.Status != models.StatusFailed || rec.RetryCount != 2 || rec.ErrorKind != shared.KindServer {
			t.Errorf("expected FAILED after 2 retries with server_error, got %+v", rec)
		}
		if calls := h.remote.Calls(tu.OpCreateArticle); calls != 3 {
			t.Errorf("expected 2 attempts for the failing document plus 1, got %d", calls)
		}
	})

	t.Run("confirmed circuit aborts the run", func(t *testing.T) {
		h := newHarness(t, 3)
		h.migration.Workers = 1
		h.retry.MaxAttempts = 2
		h.migration.MaxRetries = 5
		h.breaker = shared.BreakerConfig{Threshold: 3, WindowSeconds: 60, CooldownSeconds: 10}
		h.remote.FailOn(tu.OpCreateArticle, func(string, int) error {
			return &shared.RemoteError{Kind: shared.KindServer, Op: tu.OpCreateArticle, Status: 503, Message: "maintenance"}
		})

		summary, err := h.engine(t).RunMigration(ctx, RunOptions{})
		if !errors.Is(err, shared.ErrRunAborted) {
			t.Fatalf("expected ErrRunAborted, got %v", err)
		}
		if summary == nil || summary.Status != models.RunAborted {
			t.Fatalf("expected ABORTED summary, got %+v", summary)
		}
		if !strings.Contains(summary.AbortReason, "circuit open for server_error") || !strings.Contains(summary.AbortReason, "maintenance") {
			t.Errorf("unexpected abort reason %q", summary.AbortReason)
		}
		if calls := h.remote.Calls(tu.OpCreateArticle); calls > 5 {
			t.Errorf("expected the breaker to stop calls, got %d", calls)
		}
		if summary.Count(models.StatusFailed) != 0 {
			t.Errorf("expected no document failed by the abort, got %v", summary.Counts)
		}
		for i := range 3 {
			if rec := h.document(t, summary.RunID, i); rec.Status.InFlight() {
				t.Errorf("document %d left in flight: %s", i, rec.Status)
			}
		}
	})

	t.Run("skips existing articles", func(t *testing.T) {
		h := newHarness(t, 3)
		h.migration.SkipExisting = true
		h.remote.Seed("Acme", "Document 02", "existing-2")

		summary, err := h.engine(t).RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		rec := h.document(t, summary.RunID, 1)
		if rec.Status != models.StatusSkipped || rec.RemoteID != "existing-2" {
			t.Errorf("expected SKIPPED with the existing id, got %+v", rec)
		}
		if calls := h.remote.Calls(tu.OpCreateArticle); calls != 2 {
			t.Errorf("expected 2 creates, got %d", calls)
		}
	})

	t.Run("same title in another collection is not the same article", func(t *testing.T) {
		h := newHarness(t, 0)
		h.remote.Seed("Globex", "Document 01", "globex-1")
		h.setDocuments(titledDocument("Acme", "DOC-1-1/doc-01.html", "Document 01"))
		h.migration.SkipExisting = true

		summary, err := h.engine(t).RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		rec := h.document(t, summary.RunID, 0)
		if rec.Status != models.StatusCompleted || rec.RemoteID == "globex-1" {
			t.Errorf("expected a new article, got %+v", rec)
		}
	})

	t.Run("uploads attachments", func(t *testing.T) {
		h := newHarness(t, 1)
		found := h.reader.AddReference(h.docs[0].ID, "Acme/images/a.png")
		missing := h.reader.AddReference(h.docs[0].ID, "Acme/images/missing.png")
		h.source.Put(found.Path, []byte("png"))

		summary, err := h.engine(t).RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if summary.Count(models.StatusCompleted) != 1 {
			t.Fatalf("expected the document to complete despite a missing attachment, got %v", summary.Counts)
		}

		atts, err := h.store.ListAttachments(ctx, summary.RunID, h.docs[0].ID)
		if err != nil {
			t.Fatalf("failed to list attachments: %v", err)
		}
		byID := make(map[string]*models.AttachmentRecord)
		for _, att := range atts {
			byID[att.ID] = att
		}
		if att := byID[found.AttachmentID]; att == nil || att.Status != models.AttachmentUploaded || att.RemoteRef != "https://files.example.com/a.png" {
			t.Errorf("expected uploaded attachment, got %+v", att)
		}
		if att := byID[missing.AttachmentID]; att == nil || att.Status != models.AttachmentFailed {
			t.Errorf("expected failed attachment, got %+v", att)
		}
		if h.remote.Calls(tu.OpUploadAttachment) != 1 {
			t.Errorf("expected one upload, got %d", h.remote.Calls(tu.OpUploadAttachment))
		}
	})

	t.Run("every remote attempt waits for the limiter", func(t *testing.T) {
		h := newHarness(t, 4)
		limiter := &countingLimiter{}
		h.limiter = limiter

		if _, err := h.engine(t).RunMigration(ctx, RunOptions{}); err != nil {
			t.Fatalf("run failed: %v", err)
		}

		calls := h.remote.Calls(tu.OpCreateArticle) + h.remote.Calls(tu.OpCreateCategory)
		if got := int(limiter.waits.Load()); got != calls {
			t.Errorf("expected %d limiter waits, got %d", calls, got)
		}
	})

	t.Run("limit and filter", func(t *testing.T) {
		h := newHarness(t, 5)

		summary, err := h.engine(t).RunMigration(ctx, RunOptions{Filter: `0[2-5]$`, Limit: 2})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if summary.Total != 2 {
			t.Errorf("expected 2 documents, got %d", summary.Total)
		}
		if titles := h.remote.Articles(); len(titles) != 2 || titles[0] != "Document 02" {
			t.Errorf("unexpected articles %v", titles)
		}

		if _, err := h.engine(t).RunMigration(ctx, RunOptions{Filter: "("}); !errors.Is(err, shared.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("empty source", func(t *testing.T) {
		h := newHarness(t, 0)
		if _, err := h.engine(t).RunMigration(ctx, RunOptions{}); !errors.Is(err, shared.ErrNoSourceFiles) {
			t.Errorf("expected ErrNoSourceFiles, got %v", err)
		}
	})

	t.Run("dry run", func(t *testing.T) {
		h := newHarness(t, 2)
		engine := h.engine(t)

		dry, err := engine.RunMigration(ctx, RunOptions{DryRun: true})
		if err != nil {
			t.Fatalf("dry run failed: %v", err)
		}
		if rec := h.document(t, dry.RunID, 0); rec.RemoteID != "dry-run-"+rec.ID {
			t.Errorf("expected fabricated remote id, got %q", rec.RemoteID)
		}
		if h.remote.Calls(tu.OpCreateArticle) != 0 {
			t.Error("dry run must not reach the remote")
		}

		live, err := engine.RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if live.RunID == dry.RunID {
			t.Error("dry run and real run must not share state")
		}
		if len(h.remote.Articles()) != 2 {
			t.Errorf("expected 2 articles, got %v", h.remote.Articles())
		}
	})
}

func TestResumeMigration(t *testing.T) {
	ctx := context.Background()

	t.Run("resume after completion is a no-op", func(t *testing.T) {
		h := newHarness(t, 4)
		engine := h.engine(t)

		first, err := engine.RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		creates := h.remote.Calls(tu.OpCreateArticle)

		second, err := engine.ResumeMigration(ctx, first.RunID, RunOptions{})
		if err != nil {
			t.Fatalf("resume failed: %v", err)
		}
		if second.Count(models.StatusCompleted) != 4 || h.remote.Calls(tu.OpCreateArticle) != creates {
			t.Errorf("expected nothing to be redone, got %v and %d creates", second.Counts, h.remote.Calls(tu.OpCreateArticle))
		}
		if h.reader.Parses(h.docs[0].ID) != 1 {
			t.Errorf("expected completed documents not to be parsed again")
		}
	})

	t.Run("crash after create does not duplicate", func(t *testing.T) {
		h := newHarness(t, 3)
		h.migration.Workers = 1
		engine := h.engine(t)

		runCtx, cancel := context.WithCancel(ctx)
		var once sync.Once
		h.remote.AfterCreate(func(models.ArticleFields) { once.Do(cancel) })

		interrupted, err := engine.RunMigration(runCtx, RunOptions{})
		if !errors.Is(err, shared.ErrRunAborted) {
			t.Fatalf("expected ErrRunAborted, got %v", err)
		}
		if interrupted.AbortReason != "interrupted" {
			t.Errorf("expected interrupted, got %q", interrupted.AbortReason)
		}
		uploading := -1
		for i := range h.docs {
			if h.document(t, interrupted.RunID, i).Status == models.StatusUploading {
				uploading = i
			}
		}
		if uploading < 0 {
			t.Fatal("expected the interrupted document to stay UPLOADING")
		}

		h.remote.AfterCreate(nil)
		resumed, err := engine.ResumeMigration(ctx, interrupted.RunID, RunOptions{})
		if err != nil {
			t.Fatalf("resume failed: %v", err)
		}
		if resumed.Status != models.RunCompleted || resumed.Count(models.StatusCompleted) != 3 {
			t.Errorf("expected a completed run, got %s %v", resumed.Status, resumed.Counts)
		}
		if got := h.remote.Calls(tu.OpCreateArticle); got != 3 {
			t.Errorf("expected exactly 3 creates, got %d", got)
		}
		if rec := h.document(t, resumed.RunID, uploading); rec.RemoteID == "" {
			t.Error("expected the recovered remote id to be recorded")
		}
	})

	t.Run("colliding titles get their own articles", func(t *testing.T) {
		tc := []struct {
			name        string
			labels      [2]string
			collections int
		}{
			{name: "different customers", labels: [2]string{"Acme", "Globex"}, collections: 2},
			{name: "same customer", labels: [2]string{"Acme", "Acme"}, collections: 1},
		}

		for _, tt := range tc {
			t.Run(tt.name, func(t *testing.T) {
				h := newHarness(t, 0)
				h.migration.Workers = 1
				h.setDocuments(
					titledDocument(tt.labels[0], "DOC-1-1/network-overview.html", "Network Overview"),
					titledDocument(tt.labels[1], "DOC-2-1/network-overview.html", "Network Overview"),
				)

				// the second create times out once, after the first article exists
				var creates int
				h.remote.FailOn(tu.OpCreateArticle, func(string, int) error {
					creates++
					if creates == 2 {
						return &shared.RemoteError{Kind: shared.KindTimeout, Op: tu.OpCreateArticle, Message: "deadline"}
					}
					return nil
				})

				summary, err := h.engine(t).RunMigration(ctx, RunOptions{})
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if summary.Count(models.StatusCompleted) != 2 {
					t.Fatalf("expected both documents completed, got %v", summary.Counts)
				}

				first, second := h.document(t, summary.RunID, 0), h.document(t, summary.RunID, 1)
				if first.RemoteID == "" || first.RemoteID == second.RemoteID {
					t.Errorf("expected distinct remote ids, got %q and %q", first.RemoteID, second.RemoteID)
				}
				if got := len(h.remote.Articles()); got != 2 {
					t.Errorf("expected 2 articles, got %d", got)
				}
				if got := h.remote.Categories(); got != tt.collections {
					t.Errorf("expected %d collections, got %d", tt.collections, got)
				}
				if got := h.remote.Calls(tu.OpCreateArticle); got != 3 {
					t.Errorf("expected 3 creates, got %d", got)
				}
			})
		}
	})

	t.Run("article created elsewhere leaves attachments unlinked", func(t *testing.T) {
		h := newHarness(t, 1)
		engine := h.engine(t)
		ref := h.reader.AddReference(h.docs[0].ID, "Acme/images/a.png")
		h.source.Put(ref.Path, []byte("png"))

		runCtx, cancel := context.WithCancel(ctx)
		h.remote.FailOn(tu.OpUploadAttachment, func(string, int) error {
			cancel()
			return context.Canceled
		})

		interrupted, err := engine.RunMigration(runCtx, RunOptions{})
		if !errors.Is(err, shared.ErrRunAborted) {
			t.Fatalf("expected ErrRunAborted, got %v", err)
		}

		h.remote.FailOn(tu.OpUploadAttachment, nil)
		h.remote.Seed("Acme", "Document 01", "existing-1")

		resumed, err := engine.ResumeMigration(ctx, interrupted.RunID, RunOptions{})
		if err != nil {
			t.Fatalf("resume failed: %v", err)
		}
		if rec := h.document(t, resumed.RunID, 0); rec.Status != models.StatusCompleted || rec.RemoteID != "existing-1" {
			t.Errorf("expected COMPLETED with the existing id, got %+v", rec)
		}

		atts, err := h.store.ListAttachments(ctx, resumed.RunID, h.docs[0].ID)
		if err != nil {
			t.Fatalf("failed to list attachments: %v", err)
		}
		if len(atts) != 1 || atts[0].Status != models.AttachmentFailed || atts[0].ErrorMessage == "" {
			t.Errorf("expected the attachment marked FAILED, got %+v", atts)
		}
		if resumed.Attachments[models.AttachmentFailed] != 1 {
			t.Errorf("expected the summary to count the attachment, got %v", resumed.Attachments)
		}
		if h.remote.Calls(tu.OpCreateArticle) != 0 {
			t.Errorf("expected no create, got %d", h.remote.Calls(tu.OpCreateArticle))
		}
	})

	t.Run("without a run id", func(t *testing.T) {
		h := newHarness(t, 2)
		engine := h.engine(t)

		dry, err := engine.RunMigration(ctx, RunOptions{DryRun: true})
		if err != nil {
			t.Fatalf("dry run failed: %v", err)
		}
		live, err := engine.RunMigration(ctx, RunOptions{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		tc := []struct {
			name   string
			dryRun bool
			want   string
		}{
			{name: "real lineage", want: live.RunID},
			{name: "rehearsal lineage", dryRun: true, want: dry.RunID},
		}
		for _, tt := range tc {
			t.Run(tt.name, func(t *testing.T) {
				resumed, err := engine.ResumeMigration(ctx, "", RunOptions{DryRun: tt.dryRun})
				if err != nil {
					t.Fatalf("resume failed: %v", err)
				}
				if resumed.RunID != tt.want {
					t.Errorf("expected run %s, got %s", tt.want, resumed.RunID)
				}
			})
		}

		if _, err := newHarness(t, 1).engine(t).ResumeMigration(ctx, "", RunOptions{}); !errors.Is(err, shared.ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound without any run, got %v", err)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		h := newHarness(t, 1)
		if _, err := h.engine(t).ResumeMigration(ctx, "missing", RunOptions{}); !errors.Is(err, shared.ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("run from another lineage", func(t *testing.T) {
		h := newHarness(t, 1)
		run, _, err := h.store.CreateRunIfAbsent(ctx, "elsewhere", 3)
		if err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		if _, err := h.engine(t).ResumeMigration(ctx, run.ID, RunOptions{}); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestReporting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)
	h.transformer = tu.NewFakeTransformer(h.docs[3].ID)
	engine := h.engine(t)

	summary, err := engine.RunMigration(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	t.Run("GetStatus", func(t *testing.T) {
		run, err := engine.GetStatus(ctx, summary.RunID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if run.TotalDocuments != 4 || run.Completed != 3 || run.Failed != 1 || run.Pending != 0 {
			t.Errorf("unexpected counters %+v", run)
		}
		if run.Status != models.RunCompleted {
			t.Errorf("expected COMPLETED, got %s", run.Status)
		}
	})

	t.Run("ListFailed", func(t *testing.T) {
		failed, err := engine.ListFailed(ctx, summary.RunID)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(failed) != 1 || failed[0].ID != h.docs[3].ID || failed[0].ErrorMessage == "" {
			t.Errorf("unexpected failures %+v", failed)
		}

		if _, err := engine.ListFailed(ctx, "missing"); !errors.Is(err, shared.ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("ListDocuments", func(t *testing.T) {
		all, err := engine.ListDocuments(ctx, summary.RunID)
		if err != nil || len(all) != 4 {
			t.Fatalf("expected 4 documents, got %d %v", len(all), err)
		}
		completed, err := engine.ListDocuments(ctx, summary.RunID, models.StatusCompleted)
		if err != nil || len(completed) != 3 {
			t.Errorf("expected 3 completed documents, got %d %v", len(completed), err)
		}
		if _, err := engine.ListDocuments(ctx, "missing"); !errors.Is(err, shared.ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		runs, err := engine.ListRuns(ctx)
		if err != nil || len(runs) != 1 {
			t.Errorf("expected one run, got %d %v", len(runs), err)
		}
	})
}
