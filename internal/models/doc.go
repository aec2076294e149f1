// Package models defines the entities of the knowledge base migration.
//
// The package contains two categories of types:
//
// 1. Persistent state, owned by the state store in package repositories:
//   - [MigrationRun] : one migration lineage, keyed by a configuration fingerprint
//   - [DocumentRecord] : per-document pipeline status, remote id, error and retry count
//   - [AttachmentRecord] : files referenced by a document and their upload status
//
// 2. Pipeline values exchanged with collaborators:
//   - [SourceDocument] : an export entry as enumerated by a reader
//   - [RawDocument] : parsed HTML with its local [Reference] list
//   - [Content] : sanitized HTML with attachment placeholders
//   - [ArticleFields], [AttachmentMeta], [IdentityKey] : remote call payloads
//
// Document status follows a fixed state machine enforced by [CanTransition]:
//
//	PENDING → PARSING → PARSED → TRANSFORMING → TRANSFORMED → UPLOADING → COMPLETED
//
// with SKIPPED reachable from PENDING and FAILED from any non-terminal status.
package models
