// Package tasks drives documents from an export into the remote knowledge base with durable, resumable state.
//
// # Core Operations
//
// [MigrationEngine] exposes four operations:
//
//  1. [MigrationEngine.RunMigration] : Start or continue the run for the configured source and destination
//     - Enumerates the export and registers every document with the run
//     - Processes pending documents in batches on a bounded worker pool
//     - Finishes COMPLETED, or ABORTED when interrupted or a circuit is confirmed open
//
//  2. [MigrationEngine.ResumeMigration] : Continue an existing run by id
//     - Re-enters in-flight stages; documents already COMPLETED or SKIPPED are never touched
//     - Checks the remote side before re-creating anything that may already exist
//
//  3. [MigrationEngine.GetStatus] : Counters computed from current document states
//
//  4. [MigrationEngine.ListFailed] : Documents that ended FAILED, with their last error
//
// # Pipeline
//
// Each document moves PENDING → PARSING → PARSED → TRANSFORMING → TRANSFORMED → UPLOADING → COMPLETED.
// Every move is a compare-and-set in the state store, so a crash at any point leaves a status the
// next invocation can pick up. A failed stage rolls back to its resting predecessor with the retry
// count incremented, or to FAILED once the error is permanent or the budget is spent.
//
// # Progress Reporting
//
// [RunOptions.Progress] receives one [ProgressUpdate] per settled document plus enumeration and
// finish events. [RunOptions.Snapshots] receives the periodic rate and ETA from the progress tracker.
// Sends never block.
package tasks
