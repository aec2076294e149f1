package models

import "strings"

// SourceDocument is one entry of the export as enumerated by a reader.
type SourceDocument struct {
	ID            string // derived from Path
	Path          string // relative to the export root
	Title         string
	CustomerLabel string
	ContentHash   string
	Locator       string // export locator, e.g. DOC-8250506-17263224
}

// ReferenceKind distinguishes inline images from linked files.
type ReferenceKind string

const (
	ReferenceImage ReferenceKind = "image"
	ReferenceFile  ReferenceKind = "file"
)

// Reference is a local file a document points at.
type Reference struct {
	AttachmentID string
	Path         string // path inside the attachment source
	Original     string // attribute value as written in the document
	Filename     string
	Kind         ReferenceKind
}

// RawDocument is the parsed, untransformed form of a source document.
type RawDocument struct {
	Source     SourceDocument
	Title      string
	HTML       string
	References []Reference
}

// Content is the cleaned document ready for upload.
//
// HTML carries attachment placeholders until [Content.Resolve] substitutes remote references.
type Content struct {
	Title    string
	HTML     string
	Category string
}

// AttachmentPlaceholder is the token the transformer leaves where an attachment's remote URL goes.
func AttachmentPlaceholder(attachmentID string) string {
	return "kbmigrate-attachment:" + attachmentID
}

// Resolve replaces attachment placeholders with their uploaded references.
//
// Placeholders without a reference are left pointing at a local anchor so the article still renders.
func (c *Content) Resolve(refs map[string]string) string {
	html := c.HTML
	for id, ref := range refs {
		html = strings.ReplaceAll(html, AttachmentPlaceholder(id), ref)
	}
	return strings.ReplaceAll(html, "kbmigrate-attachment:", "#missing-attachment-")
}

// IdentityKey identifies a document on the remote side independent of any remote id.
type IdentityKey struct {
	DocumentID string
	Title      string
	Category   string // collection name; titles only collide within one collection
}

// ArticleFields is the payload of a remote article creation.
type ArticleFields struct {
	Identity   IdentityKey
	Title      string
	HTML       string
	CategoryID string
}

// AttachmentMeta describes an attachment upload.
type AttachmentMeta struct {
	AttachmentID string
	DocumentID   string
	Filename     string
	MimeType     string
	Size         int64
}
