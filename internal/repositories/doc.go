// Package repositories implements the durable state of a migration in SQLite.
//
// A single [Store] owns three tables created by the shared migrations:
//   - migration_runs : one row per configuration fingerprint, with checkpointed counters
//   - documents : per-document pipeline status, keyed by (run_id, id)
//   - attachments : files referenced by a document, keyed by (run_id, id)
//
// Status changes go through [Store.Transition], an optimistic compare-and-set on the
// current status. A caller holding a stale view receives [ErrStaleTransition] and
// nothing is written. Moves not allowed by [models.CanTransition] are rejected with
// [ErrInvalidTransition] before touching the database.
//
// A remote id, once recorded on a document or attachment, is never overwritten.
package repositories
