package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/repositories"
	"github.com/desertthunder/kbmigrate/internal/retry"
	"github.com/desertthunder/kbmigrate/internal/services"
	"github.com/desertthunder/kbmigrate/internal/shared"
	"golang.org/x/sync/errgroup"
)

// maxStaleReloads bounds how often a document is re-read after losing a compare-and-set.
const maxStaleReloads = 3

var errStopped = errors.New("document processing stopped")

// fatalError wraps state store failures that end the run.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// migration is the state of one execution of a run.
type migration struct {
	engine   *MigrationEngine
	run      *models.MigrationRun
	remote   RemoteClient
	logger   *log.Logger
	abort    context.CancelCauseFunc
	progress chan<- ProgressUpdate
	total    int
	done     atomic.Int64

	mu         sync.Mutex
	categories map[string]string
	lastErrors map[shared.ErrorKind]string
}

// document is a record being advanced together with what has been derived from it in this process.
type document struct {
	rec     *models.DocumentRecord
	raw     *models.RawDocument
	content *models.Content
	resumed bool // found UPLOADING, so an article may already exist
}

func (d *document) source() models.SourceDocument {
	return models.SourceDocument{
		ID:            d.rec.ID,
		Path:          d.rec.SourcePath,
		Title:         d.rec.Title,
		CustomerLabel: d.rec.CustomerLabel,
		ContentHash:   d.rec.ContentHash,
	}
}

// processPending works through pending documents in batches, each batch on a bounded worker group.
//
// It returns the number of documents whose state changed and the first fatal error.
func (m *migration) processPending(ctx context.Context, pending []*models.DocumentRecord) (int, error) {
	var changed atomic.Int64
	size := m.engine.cfg.BatchSize

	for start := 0; start < len(pending); start += size {
		batch := pending[start:min(start+size, len(pending))]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.engine.cfg.Workers)
		for _, rec := range batch {
			g.Go(func() error {
				ok, err := m.processDocument(gctx, rec)
				if ok {
					changed.Add(1)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return int(changed.Load()), err
		}
		if ctx.Err() != nil {
			break
		}

		if _, err := m.engine.store.Checkpoint(ctx, m.run.ID); err != nil && ctx.Err() == nil {
			m.logger.Warn("batch checkpoint failed", "error", err)
		}
	}
	return int(changed.Load()), nil
}

func (m *migration) processDocument(ctx context.Context, rec *models.DocumentRecord) (bool, error) {
	for range maxStaleReloads {
		final, err := m.advance(ctx, rec)
		switch {
		case err == nil:
			m.report(final)
			return true, nil
		case errors.Is(err, errStopped):
			return false, nil
		case ctx.Err() != nil:
			return false, nil
		case errors.Is(err, repositories.ErrStaleTransition):
			fresh, gerr := m.engine.store.GetDocument(ctx, m.run.ID, rec.ID)
			if gerr != nil {
				if ctx.Err() != nil {
					return false, nil
				}
				return false, fatal(gerr)
			}
			if fresh.Status.Terminal() || fresh.Status.InFlight() {
				m.logger.Debug("document changed underneath, dropping", "document", rec.SourcePath, "status", fresh.Status)
				return false, nil
			}
			rec = fresh
		default:
			return false, fatal(err)
		}
	}
	return false, nil
}

// advance moves one document as far down the pipeline as it goes in this pass.
//
// It returns the document in a resting state, or errStopped when the run is stopping and
// the document was left for a later resume.
func (m *migration) advance(ctx context.Context, rec *models.DocumentRecord) (*models.DocumentRecord, error) {
	d := &document{rec: rec, resumed: rec.Status == models.StatusUploading}

	if d.rec.Status == models.StatusFailed {
		if err := m.move(ctx, d, models.StatusPending, keep(d.rec)); err != nil {
			return nil, err
		}
	}

	if d.rec.Status == models.StatusPending && m.engine.cfg.SkipExisting && d.rec.RetryCount == 0 {
		skipped, err := m.skipExisting(ctx, d)
		if err != nil {
			return nil, err
		}
		if skipped {
			return d.rec, nil
		}
	}

	for {
		var proceed bool
		var err error

		switch d.rec.Status {
		case models.StatusPending, models.StatusParsing:
			proceed, err = m.parse(ctx, d)
		case models.StatusParsed, models.StatusTransforming:
			proceed, err = m.transform(ctx, d)
		case models.StatusTransformed, models.StatusUploading:
			proceed, err = m.upload(ctx, d)
		default:
			return d.rec, nil
		}
		if err != nil {
			return nil, err
		}
		if !proceed {
			return d.rec, nil
		}
	}
}

func (m *migration) skipExisting(ctx context.Context, d *document) (bool, error) {
	// the published title and collection come from the transformed content; a document
	// that cannot be derived goes down the pipeline and fails there
	if err := m.derive(ctx, d); err != nil {
		return false, nil
	}

	var id string
	var found bool
	err := m.call(ctx, d, "find existing article", func(ctx context.Context) error {
		var err error
		id, found, err = m.findExisting(ctx, d, identity(d))
		return err
	})
	if err != nil {
		if m.stopping(ctx, err) {
			return false, errStopped
		}
		var f *fatalError
		if errors.As(err, &f) {
			return false, err
		}
		m.logger.Warn("existence check failed, migrating anyway", "document", d.rec.SourcePath, "error", err)
		return false, nil
	}
	if !found {
		return false, nil
	}

	if err := m.move(ctx, d, models.StatusSkipped, models.TransitionDetails{RemoteID: id}); err != nil {
		return false, err
	}
	m.logger.Info("article already exists, skipping", "document", d.rec.SourcePath, "remote_id", id)
	return true, nil
}

func (m *migration) parse(ctx context.Context, d *document) (bool, error) {
	if err := m.move(ctx, d, models.StatusParsing, keep(d.rec)); err != nil {
		return false, err
	}

	raw := d.raw
	if raw == nil {
		var err error
		if raw, err = m.engine.reader.Parse(ctx, d.source()); err != nil {
			return m.fail(ctx, d, models.StatusPending, err)
		}
	}

	for _, ref := range raw.References {
		att := &models.AttachmentRecord{
			RunID:      m.run.ID,
			ID:         ref.AttachmentID,
			DocumentID: d.rec.ID,
			SourcePath: ref.Path,
			Filename:   ref.Filename,
			MimeType:   services.DetectMimeType(ref.Filename, nil),
			Status:     models.AttachmentPending,
		}
		if err := m.engine.store.RecordAttachment(ctx, att); err != nil {
			return false, fatal(err)
		}
	}
	d.raw = raw

	return true, m.move(ctx, d, models.StatusParsed, models.TransitionDetails{})
}

func (m *migration) transform(ctx context.Context, d *document) (bool, error) {
	if err := m.move(ctx, d, models.StatusTransforming, keep(d.rec)); err != nil {
		return false, err
	}

	if err := m.derive(ctx, d); err != nil {
		return m.fail(ctx, d, models.StatusParsed, err)
	}
	return true, m.move(ctx, d, models.StatusTransformed, models.TransitionDetails{})
}

func (m *migration) upload(ctx context.Context, d *document) (bool, error) {
	if err := m.move(ctx, d, models.StatusUploading, keep(d.rec)); err != nil {
		return false, err
	}

	if err := m.derive(ctx, d); err != nil {
		return m.fail(ctx, d, models.StatusTransformed, err)
	}

	key := identity(d)

	// an earlier attempt may have created the article before its outcome was recorded
	if d.resumed || d.rec.RetryCount > 0 {
		var id string
		var found bool
		err := m.call(ctx, d, "find existing article", func(ctx context.Context) error {
			var err error
			id, found, err = m.findExisting(ctx, d, key)
			return err
		})
		if err != nil {
			return m.fail(ctx, d, models.StatusTransformed, err)
		}
		if found {
			if err := m.abandonAttachments(ctx, d); err != nil {
				return false, err
			}
			m.logger.Info("article found from an earlier attempt", "document", d.rec.SourcePath, "remote_id", id)
			return false, m.move(ctx, d, models.StatusCompleted, models.TransitionDetails{RemoteID: id})
		}
	}

	refs, err := m.uploadAttachments(ctx, d)
	if err != nil {
		return m.fail(ctx, d, models.StatusTransformed, err)
	}

	categoryID, err := m.category(ctx, d, d.content.Category)
	if err != nil {
		return m.fail(ctx, d, models.StatusTransformed, err)
	}

	fields := models.ArticleFields{
		Identity:   key,
		Title:      d.content.Title,
		HTML:       d.content.Resolve(refs),
		CategoryID: categoryID,
	}

	var id string
	var attempts int
	err = m.call(ctx, d, "create article", func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			existing, found, err := m.findExisting(ctx, d, key)
			if err != nil {
				return err
			}
			if found {
				id = existing
				return nil
			}
		}

		var err error
		id, err = m.remote.CreateArticle(ctx, fields)
		return err
	})
	if err != nil {
		return m.fail(ctx, d, models.StatusTransformed, err)
	}

	if err := m.move(ctx, d, models.StatusCompleted, models.TransitionDetails{RemoteID: id}); err != nil {
		return false, err
	}
	m.logger.Info("article created", "document", d.rec.SourcePath, "remote_id", id, "attachments", len(refs))
	return false, nil
}

// identity is the remote identity of a derived document.
func identity(d *document) models.IdentityKey {
	return models.IdentityKey{DocumentID: d.rec.ID, Title: d.content.Title, Category: d.content.Category}
}

// findExisting looks the document's article up on the remote. A match whose id is already
// recorded on another document is that document's article and is not reported.
func (m *migration) findExisting(ctx context.Context, d *document, key models.IdentityKey) (string, bool, error) {
	id, found, err := m.remote.FindExisting(ctx, key)
	if err != nil || !found {
		return "", false, err
	}

	claimed, err := m.engine.store.RemoteIDClaimed(ctx, id, d.rec.ID)
	if err != nil {
		return "", false, fatal(err)
	}
	if claimed {
		m.logger.Warn("matching article belongs to another document, ignoring it", "document", d.rec.SourcePath, "remote_id", id)
		return "", false, nil
	}
	return id, true, nil
}

// derive re-parses and transforms a document whose intermediate form did not survive a restart.
func (m *migration) derive(ctx context.Context, d *document) error {
	if d.content != nil {
		return nil
	}
	if d.raw == nil {
		raw, err := m.engine.reader.Parse(ctx, d.source())
		if err != nil {
			return err
		}
		d.raw = raw
	}

	content, err := m.engine.transformer.Transform(d.raw)
	if err != nil {
		return err
	}
	d.content = content
	return nil
}

// uploadAttachments uploads every attachment of the document not uploaded yet and returns
// the remote reference of each by attachment id.
//
// An attachment that fails for its own reasons is marked FAILED and left out; the article
// still goes up with the reference pointing nowhere.
func (m *migration) uploadAttachments(ctx context.Context, d *document) (map[string]string, error) {
	store := m.engine.store

	atts, err := store.ListAttachments(ctx, m.run.ID, d.rec.ID)
	if err != nil {
		return nil, fatal(err)
	}

	refs := make(map[string]string, len(atts))
	for _, att := range atts {
		if att.Status == models.AttachmentUploaded {
			refs[att.ID] = att.RemoteRef
			continue
		}

		ref, err := m.uploadAttachment(ctx, d, att)
		if err != nil {
			if !m.itemFailure(ctx, err) {
				return nil, err
			}
			m.logger.Warn("attachment failed", "document", d.rec.SourcePath, "attachment", att.SourcePath, "error", err)
			if err := store.MarkAttachment(ctx, m.run.ID, att.ID, models.AttachmentFailed, "", err.Error()); err != nil {
				return nil, fatal(err)
			}
			continue
		}

		if err := store.MarkAttachment(ctx, m.run.ID, att.ID, models.AttachmentUploaded, ref, ""); err != nil {
			return nil, fatal(err)
		}
		refs[att.ID] = ref
	}
	return refs, nil
}

// abandonAttachments fails the attachments not yet uploaded of a document whose article
// was created by an earlier attempt, since nothing will link them any more.
func (m *migration) abandonAttachments(ctx context.Context, d *document) error {
	store := m.engine.store

	atts, err := store.ListAttachments(ctx, m.run.ID, d.rec.ID)
	if err != nil {
		return fatal(err)
	}
	for _, att := range atts {
		if att.Status != models.AttachmentPending {
			continue
		}
		if err := store.MarkAttachment(ctx, m.run.ID, att.ID, models.AttachmentFailed, "", "article already existed; attachment not linked"); err != nil {
			return fatal(err)
		}
		m.logger.Warn("attachment not linked", "document", d.rec.SourcePath, "attachment", att.SourcePath)
	}
	return nil
}

func (m *migration) uploadAttachment(ctx context.Context, d *document, att *models.AttachmentRecord) (string, error) {
	if m.engine.attachments == nil {
		return "", &shared.ContentError{Kind: shared.KindNotFound, Path: att.SourcePath, Message: "no attachment source configured"}
	}

	data, err := m.engine.attachments.ReadAttachment(ctx, att.SourcePath)
	if err != nil {
		return "", err
	}

	mimeType := att.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = services.DetectMimeType(att.Filename, data)
	}
	meta := models.AttachmentMeta{
		AttachmentID: att.ID,
		DocumentID:   d.rec.ID,
		Filename:     att.Filename,
		MimeType:     mimeType,
		Size:         int64(len(data)),
	}

	var ref string
	err = m.call(ctx, d, "upload attachment", func(ctx context.Context) error {
		var err error
		ref, err = m.remote.UploadAttachment(ctx, data, meta)
		return err
	})
	return ref, err
}

// category resolves a category name to its remote id once per run.
func (m *migration) category(ctx context.Context, d *document, name string) (string, error) {
	m.mu.Lock()
	id, ok := m.categories[name]
	m.mu.Unlock()
	if ok {
		return id, nil
	}

	err := m.call(ctx, d, "create category", func(ctx context.Context) error {
		var err error
		id, err = m.remote.CreateCategory(ctx, name)
		return err
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.categories[name] = id
	m.mu.Unlock()
	return id, nil
}

// call runs one remote operation under the rate limiter, the retry policy and the breaker.
//
// Every retry is recorded against the document before the backoff sleep. While a circuit is
// open the call waits it out; a confirmed circuit aborts the run.
func (m *migration) call(ctx context.Context, d *document, op string, fn func(context.Context) error) error {
	e := m.engine

	attempt := func(ctx context.Context) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	}

	onRetry := func(n int, kind shared.ErrorKind, err error, delay time.Duration) error {
		m.recordError(kind, err)

		count, serr := e.store.IncrementRetry(ctx, m.run.ID, d.rec.ID, d.rec.Status, kind, err.Error())
		if serr != nil {
			return fatal(serr)
		}
		d.rec.RetryCount = count
		d.rec.ErrorKind, d.rec.ErrorMessage = kind, err.Error()

		m.logger.Warn("retrying", "op", op, "document", d.rec.SourcePath, "attempt", n, "kind", kind, "delay", delay.Round(time.Millisecond))
		return nil
	}

	for {
		err := e.policy.Do(ctx, attempt, onRetry)

		var open *retry.OpenError
		if !errors.As(err, &open) {
			if kind := shared.Classify(err); kind != "" {
				m.recordError(kind, err)
			}
			return err
		}

		if open.Confirmed {
			m.abortRun(open)
			return err
		}

		m.logger.Warn("circuit open, waiting", "op", op, "kind", open.Kind, "retry_in", open.RetryIn.Round(time.Millisecond))
		if err := e.sleep(ctx, open.RetryIn); err != nil {
			return err
		}
	}
}

// fail settles a stage failure. The document is left claimed when the run is stopping,
// rolled back to rest for another attempt, or marked FAILED once it cannot succeed.
func (m *migration) fail(ctx context.Context, d *document, rest models.Status, err error) (bool, error) {
	var f *fatalError
	if errors.As(err, &f) {
		return false, err
	}

	persist := context.WithoutCancel(ctx)

	var open *retry.OpenError
	if errors.As(err, &open) {
		if rerr := m.move(persist, d, rest, keep(d.rec)); rerr != nil {
			return false, rerr
		}
		return false, errStopped
	}
	if m.stopping(ctx, err) {
		return false, errStopped
	}

	kind := shared.Classify(err)
	details := models.TransitionDetails{ErrorKind: kind, ErrorMessage: err.Error(), RetryIncrement: 1}

	to := rest
	switch {
	case !kind.Class().Retryable():
		to = models.StatusFailed
		details.RetryIncrement = 0
	case d.rec.RetryCount+1 >= m.run.MaxRetries:
		to = models.StatusFailed
	}

	if err := m.move(persist, d, to, details); err != nil {
		return false, err
	}

	if to == models.StatusFailed {
		m.logger.Error("document failed", "document", d.rec.SourcePath, "kind", kind, "retries", d.rec.RetryCount, "error", err)
	} else {
		m.logger.Warn("document will be retried", "document", d.rec.SourcePath, "kind", kind, "retries", d.rec.RetryCount, "error", err)
	}
	return false, nil
}

// move transitions the document from its current status and keeps the stored record.
func (m *migration) move(ctx context.Context, d *document, to models.Status, details models.TransitionDetails) error {
	rec, err := m.engine.store.Transition(ctx, m.run.ID, d.rec.ID, d.rec.Status, to, details)
	if err != nil {
		return err
	}
	d.rec = rec
	return nil
}

// keep carries the recorded error across a claim.
func keep(rec *models.DocumentRecord) models.TransitionDetails {
	return models.TransitionDetails{ErrorKind: rec.ErrorKind, ErrorMessage: rec.ErrorMessage}
}

// stopping reports errors caused by the run shutting down rather than by the operation.
func (m *migration) stopping(ctx context.Context, err error) bool {
	return ctx.Err() != nil || shared.Classify(err) == ""
}

func (m *migration) itemFailure(ctx context.Context, err error) bool {
	var open *retry.OpenError
	var f *fatalError
	if errors.As(err, &open) || errors.As(err, &f) || m.stopping(ctx, err) {
		return false
	}
	return !shared.Classify(err).Class().Retryable()
}

func (m *migration) recordError(kind shared.ErrorKind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErrors[kind] = err.Error()
}

func (m *migration) abortRun(open *retry.OpenError) {
	m.mu.Lock()
	last := m.lastErrors[open.Kind]
	m.mu.Unlock()

	reason := fmt.Sprintf("circuit open for %s", open.Kind)
	if last != "" {
		reason += ": " + last
	}
	m.logger.Error("aborting run", "reason", reason)
	m.abort(errors.New(reason))
}

func (m *migration) report(rec *models.DocumentRecord) {
	step := int(m.done.Add(1))
	sendProgress(m.progress, documentUpdate(step, m.total, rec))
}
