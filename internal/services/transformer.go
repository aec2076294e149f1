package services

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/shared"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	maxTitleLength  = 255
	DefaultCategory = "General"
)

var (
	titleLocatorPattern   = regexp.MustCompile(`^DOC-\d+-\d+\s*`)
	titleExtensionPattern = regexp.MustCompile(`(?i)\.(html?|docx?|pdf|txt)$`)
)

var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Meta:     true,
	atom.Link:     true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
}

var allowedAttrs = map[atom.Atom][]string{
	atom.A:     {"href", "target", "rel"},
	atom.Img:   {"src", "alt", "title", "width", "height"},
	atom.Td:    {"colspan", "rowspan"},
	atom.Th:    {"colspan", "rowspan"},
	atom.Table: {"border", "cellpadding", "cellspacing"},
}

// HTMLTransformer turns a parsed export document into article content.
type HTMLTransformer struct {
	defaultCategory string
}

// NewHTMLTransformer creates a transformer that files documents without an organization
// under defaultCategory, or under [DefaultCategory] when that is empty.
func NewHTMLTransformer(defaultCategory string) *HTMLTransformer {
	if strings.TrimSpace(defaultCategory) == "" {
		defaultCategory = DefaultCategory
	}
	return &HTMLTransformer{defaultCategory: defaultCategory}
}

// Transform sanitizes the document body and swaps local references for attachment placeholders.
//
// It has no side effects, so the engine recomputes it instead of persisting the result.
func (t *HTMLTransformer) Transform(doc *models.RawDocument) (*models.Content, error) {
	title := CleanTitle(doc.Title)
	if title == "" {
		title = CleanTitle(doc.Source.Title)
	}
	if title == "" {
		return nil, &shared.ContentError{Kind: shared.KindValidation, Path: doc.Source.Path, Message: "document has no title"}
	}

	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(doc.HTML), body)
	if err != nil {
		return nil, shared.NewContentError(doc.Source.Path, "invalid HTML: %v", err)
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}

	placeholders := make(map[string]string, len(doc.References))
	for _, ref := range doc.References {
		placeholders[ref.Original] = models.AttachmentPlaceholder(ref.AttachmentID)
	}

	sanitize(body, placeholders)

	var buf bytes.Buffer
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return nil, shared.NewContentError(doc.Source.Path, "failed to render: %v", err)
		}
	}

	content := strings.TrimSpace(buf.String())
	if content == "" {
		return nil, shared.NewContentError(doc.Source.Path, "document is empty after cleaning")
	}

	category := strings.TrimSpace(doc.Source.CustomerLabel)
	if category == "" {
		category = t.defaultCategory
	}

	return &models.Content{Title: title, HTML: content, Category: category}, nil
}

// CleanTitle strips export locators and file extensions, collapses whitespace and caps the length.
func CleanTitle(title string) string {
	title = titleLocatorPattern.ReplaceAllString(strings.TrimSpace(title), "")
	title = titleExtensionPattern.ReplaceAllString(title, "")
	title = strings.NewReplacer("[TEMPLATE]", "", "[DELETEME]", "").Replace(title)
	title = strings.Join(strings.Fields(title), " ")

	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength-3]) + "..."
	}
	return title
}

func sanitize(n *html.Node, placeholders map[string]string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling

		switch {
		case c.Type == html.CommentNode:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && droppedElements[c.DataAtom]:
			n.RemoveChild(c)
		case c.Type == html.ElementNode:
			sanitize(c, placeholders)
			c.Attr = filterAttrs(c, placeholders)
			if c.DataAtom == atom.P && isBlank(c) {
				n.RemoveChild(c)
			}
		}
		c = next
	}
}

func filterAttrs(n *html.Node, placeholders map[string]string) []html.Attribute {
	allowed := allowedAttrs[n.DataAtom]
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if !strings.HasPrefix(a.Key, "data-") && !contains(allowed, a.Key) {
			continue
		}
		if a.Key == "src" || a.Key == "href" {
			if p, ok := placeholders[strings.TrimSpace(a.Val)]; ok {
				a.Val = p
			}
		}
		kept = append(kept, a)
	}
	return kept
}

// isBlank reports a paragraph with no text and no image.
func isBlank(n *html.Node) bool {
	if textContent(n) != "" {
		return false
	}
	return findFirst(n, func(c *html.Node) bool { return c.DataAtom == atom.Img }) == nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
