// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/shared"
)

// Remote operations a [FakeRemote] can fail.
const (
	OpCreateCategory   = "createKbCollection"
	OpFindExisting     = "getKbItems"
	OpCreateArticle    = "createKbArticle"
	OpUploadAttachment = "upload"
)

// FailFunc decides whether the call-th call (1-based) of an operation for key fails.
type FailFunc func(key string, call int) error

// FakeRemote is an in-memory knowledge base with failure injection.
//
// Keys are the document id for articles, the name for categories and the attachment id for uploads.
// Like the real knowledge base it accepts any number of articles with the same title.
type FakeRemote struct {
	mu          sync.Mutex
	articles    []fakeArticle
	categories  map[string]string // name -> id
	uploads     map[string]string
	calls       map[string]int
	keyCalls    map[string]int
	fail        map[string]FailFunc
	afterCreate func(models.ArticleFields)
	next        int
}

type fakeArticle struct {
	id         string
	title      string
	categoryID string
}

// NewFakeRemote creates an empty fake remote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		categories: make(map[string]string),
		uploads:    make(map[string]string),
		calls:      make(map[string]int),
		keyCalls:   make(map[string]int),
		fail:       make(map[string]FailFunc),
	}
}

// FailOn installs a failure hook for op.
func (r *FakeRemote) FailOn(op string, fn FailFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = fn
}

// AfterCreate runs fn once an article has been stored, before the call returns.
func (r *FakeRemote) AfterCreate(fn func(models.ArticleFields)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterCreate = fn
}

// Seed stores an article in the named category as if an earlier run had created it.
func (r *FakeRemote) Seed(category, title, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.articles = append(r.articles, fakeArticle{id: id, title: title, categoryID: r.category(category)})
}

// category returns the id of the named category, creating it silently. Callers hold r.mu.
func (r *FakeRemote) category(name string) string {
	if id, ok := r.categories[name]; ok {
		return id
	}
	r.next++
	id := fmt.Sprintf("collection-%d", r.next)
	r.categories[name] = id
	return id
}

// Calls returns how many times op was invoked.
func (r *FakeRemote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Articles returns the stored article titles in order, one entry per article.
func (r *FakeRemote) Articles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	titles := make([]string, 0, len(r.articles))
	for _, a := range r.articles {
		titles = append(titles, a.title)
	}
	sort.Strings(titles)
	return titles
}

// Categories returns the number of collections created.
func (r *FakeRemote) Categories() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.categories)
}

func (r *FakeRemote) enter(op, key string) error {
	r.calls[op]++
	r.keyCalls[op+"|"+key]++
	if fn := r.fail[op]; fn != nil {
		return fn(key, r.keyCalls[op+"|"+key])
	}
	return nil
}

func (r *FakeRemote) CreateCategory(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.enter(OpCreateCategory, name); err != nil {
		return "", err
	}
	return r.category(name), nil
}

func (r *FakeRemote) FindExisting(ctx context.Context, key models.IdentityKey) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.enter(OpFindExisting, key.DocumentID); err != nil {
		return "", false, err
	}
	categoryID, ok := r.categories[key.Category]
	if !ok {
		return "", false, nil
	}
	for _, a := range r.articles {
		if a.categoryID == categoryID && a.title == key.Title {
			return a.id, true, nil
		}
	}
	return "", false, nil
}

func (r *FakeRemote) CreateArticle(ctx context.Context, fields models.ArticleFields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	if err := r.enter(OpCreateArticle, fields.Identity.DocumentID); err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.next++
	id := fmt.Sprintf("article-%d", r.next)
	r.articles = append(r.articles, fakeArticle{id: id, title: fields.Title, categoryID: fields.CategoryID})
	hook := r.afterCreate
	r.mu.Unlock()

	if hook != nil {
		hook(fields)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return id, nil
}

func (r *FakeRemote) UploadAttachment(ctx context.Context, data []byte, meta models.AttachmentMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.enter(OpUploadAttachment, meta.AttachmentID); err != nil {
		return "", err
	}
	url := "https://files.example.com/" + meta.Filename
	r.uploads[meta.AttachmentID] = url
	return url, nil
}

// FakeReader serves a fixed set of documents.
type FakeReader struct {
	mu     sync.Mutex
	docs   []models.SourceDocument
	refs   map[string][]models.Reference
	fail   map[string]error
	parses map[string]int
}

// NewFakeReader creates a reader over docs, in the given order.
func NewFakeReader(docs ...models.SourceDocument) *FakeReader {
	return &FakeReader{
		docs:   docs,
		refs:   make(map[string][]models.Reference),
		fail:   make(map[string]error),
		parses: make(map[string]int),
	}
}

// Documents builds n documents named doc-01..doc-n with derived ids and hashes.
func Documents(n int) []models.SourceDocument {
	docs := make([]models.SourceDocument, 0, n)
	for i := 1; i <= n; i++ {
		path := fmt.Sprintf("DOC-1-%d/doc-%02d.html", i, i)
		docs = append(docs, models.SourceDocument{
			ID:            shared.DocumentID(path),
			Path:          path,
			Title:         fmt.Sprintf("Document %02d", i),
			CustomerLabel: "Acme",
			ContentHash:   shared.HashBytes([]byte(path)),
		})
	}
	return docs
}

// SetDocuments replaces the listed documents.
func (r *FakeReader) SetDocuments(docs ...models.SourceDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = docs
}

// AddReference attaches a local reference to the document with docID.
func (r *FakeReader) AddReference(docID, path string) models.Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := models.Reference{
		AttachmentID: shared.AttachmentID(docID, path),
		Path:         path,
		Original:     path,
		Filename:     path[strings.LastIndex(path, "/")+1:],
		Kind:         models.ReferenceImage,
	}
	r.refs[docID] = append(r.refs[docID], ref)
	return ref
}

// FailParse makes parsing docID fail with err.
func (r *FakeReader) FailParse(docID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[docID] = err
}

// Parses returns how many times docID was parsed.
func (r *FakeReader) Parses(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parses[docID]
}

func (r *FakeReader) ListSourceDocuments(ctx context.Context) ([]models.SourceDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SourceDocument(nil), r.docs...), nil
}

func (r *FakeReader) Parse(ctx context.Context, doc models.SourceDocument) (*models.RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.parses[doc.ID]++
	if err := r.fail[doc.ID]; err != nil {
		return nil, err
	}

	var html strings.Builder
	fmt.Fprintf(&html, "<p>%s</p>", doc.Title)
	for _, ref := range r.refs[doc.ID] {
		fmt.Fprintf(&html, `<img src="%s">`, ref.Original)
	}
	return &models.RawDocument{
		Source:     doc,
		Title:      doc.Title,
		HTML:       html.String(),
		References: append([]models.Reference(nil), r.refs[doc.ID]...),
	}, nil
}

// FakeTransformer passes content through, replacing references with placeholders.
type FakeTransformer struct {
	mu   sync.Mutex
	fail map[string]bool
}

// NewFakeTransformer creates a transformer that fails with a content error for the given document ids.
func NewFakeTransformer(failIDs ...string) *FakeTransformer {
	fail := make(map[string]bool, len(failIDs))
	for _, id := range failIDs {
		fail[id] = true
	}
	return &FakeTransformer{fail: fail}
}

func (t *FakeTransformer) Transform(doc *models.RawDocument) (*models.Content, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fail[doc.Source.ID] {
		return nil, shared.NewContentError(doc.Source.Path, "unsupported markup")
	}

	html := doc.HTML
	for _, ref := range doc.References {
		html = strings.ReplaceAll(html, ref.Original, models.AttachmentPlaceholder(ref.AttachmentID))
	}
	category := doc.Source.CustomerLabel
	if category == "" {
		category = "General"
	}
	return &models.Content{Title: doc.Title, HTML: html, Category: category}, nil
}

// MemorySource is an attachment source backed by a map.
type MemorySource struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{files: make(map[string][]byte)}
}

// Put stores data under path.
func (s *MemorySource) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
}

func (s *MemorySource) ReadAttachment(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, &shared.ContentError{Kind: shared.KindNotFound, Path: path, Message: "attachment not found"}
	}
	return data, nil
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// FCloser simulates a failure when reading response body
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

var _ io.ReadCloser = (*FCloser)(nil)

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
