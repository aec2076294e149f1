package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrStaleTransition   = errors.New("stale transition")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrAttachmentState   = errors.New("attachment cannot be marked in current document state")
)

// Store is the durable state of every migration run: runs, documents and their attachments.
//
// All mutations are single statements or short transactions, so a record observed after a
// crash is always one that was fully committed.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store over a database that already has migrations applied
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB exposes the underlying connection for callers that manage its lifecycle.
func (s *Store) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

// nullable maps empty strings to NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// withTx runs fn inside a transaction that commits only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
