// Package services reads the ITGlue export and talks to the SuperOps knowledge base.
//
// # Export reader
//
// [ExportReader] walks the documents directory for DOC-<org>-<doc> folders, joins each HTML file
// with its row in the metadata CSV (keyed by locator) and extracts the title, body and local
// references of a document on demand. Enumeration is sorted by path, so two listings of the same
// export are identical.
//
// # Transformer
//
// [HTMLTransformer] sanitizes the body with golang.org/x/net/html, keeps an attribute allowlist
// and swaps every local reference for a placeholder that the engine later resolves to the
// uploaded URL.
//
// # Remote clients
//
// [SuperOpsClient] creates collections and articles through GraphQL and uploads attachments
// through the multipart endpoint. Failures are returned as [shared.RemoteError] with the error
// kind already assigned from the HTTP status:
//   - 429 : rate_limited, with the Retry-After hint
//   - 401, 403 : auth
//   - 400, 413, 422 : content
//   - 404 : not_found
//   - 408 : timeout
//   - 5xx : server_error
//   - GraphQL errors on a 2xx : contract
//
// [DryRunClient] satisfies the same operations without any network traffic.
//
// # Attachments
//
// [BlobSource] reads attachment bytes from a gocloud.dev bucket. A plain directory opens
// with fileblob; URLs such as s3://bucket?region=... open with the registered driver.
package services
