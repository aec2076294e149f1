package services

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/kbmigrate/internal/models"
)

const dryRunPrefix = "dry-run-"

// DryRunClient fabricates remote ids so a migration can be rehearsed end to end.
type DryRunClient struct {
	logger *log.Logger
}

// NewDryRunClient creates a client that only logs what it would send.
func NewDryRunClient(logger *log.Logger) *DryRunClient {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &DryRunClient{logger: logger}
}

func (c *DryRunClient) CreateCategory(_ context.Context, name string) (string, error) {
	c.logger.Debug("dry run: create collection", "name", name)
	return dryRunPrefix + "collection-" + name, nil
}

func (c *DryRunClient) FindExisting(context.Context, models.IdentityKey) (string, bool, error) {
	return "", false, nil
}

func (c *DryRunClient) CreateArticle(_ context.Context, fields models.ArticleFields) (string, error) {
	c.logger.Info("dry run: create article", "title", fields.Title, "category", fields.CategoryID, "bytes", len(fields.HTML))
	return dryRunPrefix + fields.Identity.DocumentID, nil
}

func (c *DryRunClient) UploadAttachment(_ context.Context, data []byte, meta models.AttachmentMeta) (string, error) {
	c.logger.Debug("dry run: upload attachment", "filename", meta.Filename, "size", len(data))
	return dryRunPrefix + meta.AttachmentID, nil
}
