package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/shared"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	locatorPattern  = regexp.MustCompile(`^(DOC-\d+-\d+)`)
	dirTitlePattern = regexp.MustCompile(`^DOC-\d+-\d+\s+(.+)$`)
)

const processNamePrefix = "Process Name:"

var requiredColumns = []string{"id", "organization", "name", "locator"}

// skipped reference prefixes; everything else is a local file
var externalPrefixes = []string{"#", "mailto:", "javascript:", "http://", "https://", "//", "data:", "tel:"}

// Metadata is one row of the export's documents CSV.
type Metadata struct {
	ID           string
	Organization string
	Name         string
	Locator      string
}

// ExportReader enumerates and parses the HTML documents of an export.
type ExportReader struct {
	root     string
	csvPath  string
	logger   *log.Logger
	metadata map[string]Metadata // by locator
}

// NewExportReader creates a reader over the documents directory in cfg.
func NewExportReader(cfg shared.SourceConfig, logger *log.Logger) (*ExportReader, error) {
	info, err := os.Stat(cfg.DocumentsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: documents path: %v", shared.ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: documents path %s is not a directory", shared.ErrInvalidConfig, cfg.DocumentsPath)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &ExportReader{root: cfg.DocumentsPath, csvPath: cfg.MetadataCSV, logger: logger}, nil
}

// ListSourceDocuments walks the export and returns its documents ordered by path.
func (r *ExportReader) ListSourceDocuments(ctx context.Context) ([]models.SourceDocument, error) {
	if r.metadata == nil {
		md, err := r.loadMetadata()
		if err != nil {
			return nil, err
		}
		r.metadata = md
	}

	var paths []string
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isHTML(p) {
			return nil
		}
		if !locatorPattern.MatchString(filepath.Base(filepath.Dir(p))) {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", r.root, err)
	}
	sort.Strings(paths)

	docs := make([]models.SourceDocument, 0, len(paths))
	for _, p := range paths {
		doc, err := r.describe(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	r.logger.Info("export enumerated", "documents", len(docs), "root", r.root)
	return docs, nil
}

// Parse reads a document and extracts its title, body and local references.
func (r *ExportReader) Parse(ctx context.Context, doc models.SourceDocument) (*models.RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(doc.Path)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &shared.ContentError{Kind: shared.KindNotFound, Path: doc.Path, Message: "source file is gone"}
		}
		return nil, fmt.Errorf("failed to read %s: %w", doc.Path, err)
	}

	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, shared.NewContentError(doc.Path, "invalid HTML: %v", err)
	}

	body := findFirst(root, func(n *html.Node) bool {
		return n.DataAtom == atom.Div && hasClass(n, "text-section")
	})
	if body == nil {
		body = findFirst(root, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	}
	if body == nil {
		return nil, shared.NewContentError(doc.Path, "document has no body")
	}

	content, err := renderChildren(body)
	if err != nil {
		return nil, shared.NewContentError(doc.Path, "failed to render body: %v", err)
	}

	title := doc.Title
	if title == "" {
		title = extractTitle(root)
	}

	return &models.RawDocument{
		Source:     doc,
		Title:      title,
		HTML:       content,
		References: r.references(doc, body),
	}, nil
}

func (r *ExportReader) describe(p string) (models.SourceDocument, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return models.SourceDocument{}, fmt.Errorf("failed to read %s: %w", p, err)
	}

	rel, err := filepath.Rel(r.root, p)
	if err != nil {
		return models.SourceDocument{}, fmt.Errorf("failed to relativize %s: %w", p, err)
	}
	rel = filepath.ToSlash(rel)

	dir := filepath.Base(filepath.Dir(p))
	locator := locatorPattern.FindString(dir)

	doc := models.SourceDocument{
		ID:          shared.DocumentID(rel),
		Path:        rel,
		ContentHash: shared.HashBytes(data),
		Locator:     locator,
	}

	md, ok := r.metadata[locator]
	if ok {
		doc.Title = md.Name
		doc.CustomerLabel = md.Organization
	}
	if doc.CustomerLabel == "" {
		doc.CustomerLabel = organizationFromPath(rel)
	}
	if doc.Title == "" {
		if root, err := html.Parse(bytes.NewReader(data)); err == nil {
			doc.Title = extractTitle(root)
		}
	}
	if doc.Title == "" {
		if m := dirTitlePattern.FindStringSubmatch(dir); m != nil {
			doc.Title = strings.TrimSpace(m[1])
		}
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	}
	return doc, nil
}

func (r *ExportReader) references(doc models.SourceDocument, body *html.Node) []models.Reference {
	base := path.Dir(doc.Path)
	seen := make(map[string]bool)
	var refs []models.Reference

	walk(body, func(n *html.Node) {
		var key string
		kind := models.ReferenceFile
		switch n.DataAtom {
		case atom.Img:
			key, kind = "src", models.ReferenceImage
		case atom.A:
			key = "href"
		default:
			return
		}

		original := strings.TrimSpace(attr(n, key))
		if original == "" || isExternal(original) || seen[original] {
			return
		}
		seen[original] = true

		target := original
		if i := strings.IndexAny(target, "?#"); i >= 0 {
			target = target[:i]
		}
		if unescaped, err := url.PathUnescape(target); err == nil {
			target = unescaped
		}
		target = path.Clean(path.Join(base, target))
		if strings.HasPrefix(target, "../") || target == ".." {
			r.logger.Warn("reference escapes the export", "document", doc.Path, "reference", original)
			return
		}

		refs = append(refs, models.Reference{
			AttachmentID: shared.AttachmentID(doc.ID, target),
			Path:         target,
			Original:     original,
			Filename:     path.Base(target),
			Kind:         kind,
		})
	})
	return refs
}

// loadMetadata indexes the documents CSV by locator. A missing CSV path yields no metadata.
func (r *ExportReader) loadMetadata() (map[string]Metadata, error) {
	md := make(map[string]Metadata)
	if r.csvPath == "" {
		return md, nil
	}

	f, err := os.Open(r.csvPath)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata csv: %v", shared.ErrInvalidConfig, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: metadata csv is missing column %q", shared.ErrInvalidInput, name)
		}
	}

	field := func(row []string, name string) string {
		if i := cols[name]; i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			r.logger.Warn("skipping malformed metadata row", "line", line, "error", err)
			continue
		}

		m := Metadata{
			ID:           field(row, "id"),
			Organization: field(row, "organization"),
			Name:         field(row, "name"),
			Locator:      field(row, "locator"),
		}
		if m.Locator == "" || m.Name == "" {
			r.logger.Warn("skipping metadata row without locator or name", "line", line, "id", m.ID)
			continue
		}
		md[locatorPattern.FindString(m.Locator)] = m
	}

	r.logger.Debug("metadata loaded", "rows", len(md))
	return md, nil
}

// organizationFromPath returns the first path element when it is not itself a document folder.
func organizationFromPath(rel string) string {
	first, _, found := strings.Cut(rel, "/")
	if !found || locatorPattern.MatchString(first) {
		return ""
	}
	// documents/<Org>/DOC-.../file.html leaves at least two more elements
	if strings.Count(rel, "/") < 2 {
		return ""
	}
	return first
}

func extractTitle(root *html.Node) string {
	if h1 := findFirst(root, func(n *html.Node) bool { return n.DataAtom == atom.H1 }); h1 != nil {
		if t := textContent(h1); t != "" {
			return t
		}
	}
	if pn := findFirst(root, func(n *html.Node) bool { return attr(n, "id") == "processname" }); pn != nil {
		if t := textContent(pn); strings.HasPrefix(t, processNamePrefix) {
			return strings.TrimSpace(strings.TrimPrefix(t, processNamePrefix))
		}
	}
	return ""
}

func isHTML(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".html" || ext == ".htm"
}

func isExternal(ref string) bool {
	lower := strings.ToLower(ref)
	for _, prefix := range externalPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func renderChildren(n *html.Node) (string, error) {
	var b bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(b.String()), nil
}
