// SuperOps knowledge base client
//
// Articles and collections are created through the GraphQL API; attachments go through the
// multipart upload endpoint. Both authenticate with a bearer token and the CustomerSubDomain header.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/desertthunder/kbmigrate/internal/shared"
	"golang.org/x/oauth2"
)

const (
	defaultPageSize = 100
	maxErrorBody    = 300
)

const (
	queryKbItems = `query GetKbItems($page: Int, $pageSize: Int) {
  getKbItems(listInfo: {page: $page, pageSize: $pageSize}) {
    items { itemId name itemType parent { itemId } }
    listInfo { page pageSize totalCount }
  }
}`

	mutationCreateArticle = `mutation CreateKbArticle($input: CreateKbArticleInput!) {
  createKbArticle(input: $input) { itemId name }
}`

	mutationCreateCollection = `mutation CreateKbCollection($input: CreateKbCollectionInput!) {
  createKbCollection(input: $input) { itemId name }
}`
)

// Waiter admits one outbound request.
type Waiter interface {
	Wait(ctx context.Context) error
}

type kbItem struct {
	ItemID   string  `json:"itemId"`
	Name     string  `json:"name"`
	ItemType string  `json:"itemType"`
	Parent   *kbItem `json:"parent,omitempty"`
}

func (i kbItem) parentID() string {
	if i.Parent == nil {
		return ""
	}
	return i.Parent.ItemID
}

// articleKey places an article name inside its collection.
type articleKey struct {
	collection string
	name       string
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// SuperOpsClient implements the remote knowledge base operations.
//
// Existing collections are indexed by name and articles by collection and name on first use. The index is rebuilt
// whenever an article creation ends without a definite answer, since the server may have
// created it anyway.
type SuperOpsClient struct {
	mu          sync.Mutex
	graphql     *APIService
	upload      *APIService
	logger      *log.Logger
	pages       Waiter
	collections map[string]string
	articles    map[articleKey]string
	uploads     map[string]string // content hash -> url
	indexed     bool
	pageSize    int
}

// NewSuperOpsClient creates a client from destination configuration.
//
// The HTTP client carries the API token through an oauth2 static token source. A client
// stored in ctx under [oauth2.HTTPClient] is used as the base transport.
func NewSuperOpsClient(ctx context.Context, cfg shared.DestinationConfig, logger *log.Logger) (*SuperOpsClient, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("%w: destination api_token", shared.ErrMissingCredentials)
	}
	if cfg.BaseURL == "" || cfg.Subdomain == "" {
		return nil, fmt.Errorf("%w: destination base_url and subdomain are required", shared.ErrMissingConfig)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.APIToken,
		TokenType:   "Bearer",
	}))
	httpClient.Timeout = cfg.Timeout()

	headers := http.Header{}
	headers.Set("CustomerSubDomain", cfg.Subdomain)

	uploadURL := cfg.UploadURL
	if uploadURL == "" {
		uploadURL = strings.TrimSuffix(cfg.BaseURL, "/graphql") + "/upload"
	}

	return &SuperOpsClient{
		graphql:     NewAPIService(cfg.BaseURL, httpClient, headers),
		upload:      NewAPIService(uploadURL, httpClient, headers),
		logger:      logger,
		collections: make(map[string]string),
		articles:    make(map[articleKey]string),
		uploads:     make(map[string]string),
		pageSize:    defaultPageSize,
	}, nil
}

// SetPageLimiter makes every index page after the first wait on w.
func (c *SuperOpsClient) SetPageLimiter(w Waiter) {
	c.pages = w
}

// CreateCategory returns the id of the collection called name, creating it if needed.
func (c *SuperOpsClient) CreateCategory(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureIndex(ctx); err != nil {
		return "", err
	}
	if id, ok := c.collections[name]; ok {
		return id, nil
	}

	var out struct {
		CreateKbCollection kbItem `json:"createKbCollection"`
	}
	vars := map[string]any{"input": map[string]any{"name": name}}
	if err := c.execute(ctx, "createKbCollection", mutationCreateCollection, vars, &out); err != nil {
		return "", err
	}
	if out.CreateKbCollection.ItemID == "" {
		return "", &shared.RemoteError{Kind: shared.KindContract, Op: "createKbCollection", Message: "empty response"}
	}

	c.collections[name] = out.CreateKbCollection.ItemID
	c.logger.Info("collection created", "name", name, "item_id", out.CreateKbCollection.ItemID)
	return out.CreateKbCollection.ItemID, nil
}

// FindExisting looks up an article by title, as given or as [CleanTitle] would publish it,
// inside the collection named by the key's category. Articles of the same title in other
// collections belong to other customers and never match.
func (c *SuperOpsClient) FindExisting(ctx context.Context, key models.IdentityKey) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureIndex(ctx); err != nil {
		return "", false, err
	}
	collection, ok := c.collections[key.Category]
	if !ok {
		return "", false, nil
	}
	for _, name := range []string{key.Title, CleanTitle(key.Title)} {
		if id, ok := c.articles[articleKey{collection: collection, name: name}]; ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

// CreateArticle publishes an article visible to all requesters and technicians.
func (c *SuperOpsClient) CreateArticle(ctx context.Context, fields models.ArticleFields) (string, error) {
	input := map[string]any{
		"name":    fields.Title,
		"content": fields.HTML,
		"parent":  map[string]any{"itemId": fields.CategoryID},
		"status":  "PUBLISHED",
		"visibility": map[string]any{
			"added": []map[string]any{
				{
					"portalType":         "REQUESTER",
					"clientSharedType":   "AllClients",
					"siteSharedType":     "AllSites",
					"userRoleSharedType": "AllRoles",
				},
				{
					"portalType":      "TECHNICIAN",
					"userSharedType":  "AllUsers",
					"groupSharedType": "AllGroups",
				},
			},
		},
		"loginRequired": false,
	}

	var out struct {
		CreateKbArticle kbItem `json:"createKbArticle"`
	}
	err := c.execute(ctx, "createKbArticle", mutationCreateArticle, map[string]any{"input": input}, &out)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if kind := shared.Classify(err); kind == "" || kind.Class() == shared.ClassTransient {
			c.indexed = false
		}
		return "", err
	}
	if out.CreateKbArticle.ItemID == "" {
		c.indexed = false
		return "", &shared.RemoteError{Kind: shared.KindContract, Op: "createKbArticle", Message: "empty response"}
	}

	c.articles[articleKey{collection: fields.CategoryID, name: fields.Title}] = out.CreateKbArticle.ItemID
	return out.CreateKbArticle.ItemID, nil
}

// UploadAttachment uploads a file and returns its download URL. Identical content is uploaded once.
func (c *SuperOpsClient) UploadAttachment(ctx context.Context, data []byte, meta models.AttachmentMeta) (string, error) {
	hash := shared.HashBytes(data)

	c.mu.Lock()
	url, ok := c.uploads[hash]
	c.mu.Unlock()
	if ok {
		return url, nil
	}

	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = DetectMimeType(meta.Filename, data)
	}

	resp, err := c.upload.PostMultipart(ctx, "",
		map[string]string{"module": "kb"},
		FilePart{Field: "files", Filename: meta.Filename, MimeType: mimeType, Data: data},
	)
	if err != nil {
		return "", transportError("upload", err)
	}
	if err := statusError("upload", resp); err != nil {
		return "", err
	}

	var out struct {
		Data []struct {
			URL      string `json:"url"`
			FileName string `json:"fileName"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || len(out.Data) == 0 || out.Data[0].URL == "" {
		return "", &shared.RemoteError{Kind: shared.KindContract, Op: "upload", Status: resp.StatusCode, Message: "no file data in response"}
	}

	c.mu.Lock()
	c.uploads[hash] = out.Data[0].URL
	c.mu.Unlock()

	c.logger.Debug("attachment uploaded", "filename", meta.Filename, "size", len(data))
	return out.Data[0].URL, nil
}

// ensureIndex loads every collection and article name. Callers hold c.mu.
func (c *SuperOpsClient) ensureIndex(ctx context.Context) error {
	if c.indexed {
		return nil
	}

	collections := make(map[string]string)
	articles := make(map[articleKey]string)

	for page := 1; ; page++ {
		if page > 1 && c.pages != nil {
			if err := c.pages.Wait(ctx); err != nil {
				return err
			}
		}

		var out struct {
			GetKbItems struct {
				Items    []kbItem `json:"items"`
				ListInfo struct {
					TotalCount int `json:"totalCount"`
				} `json:"listInfo"`
			} `json:"getKbItems"`
		}
		vars := map[string]any{"page": page, "pageSize": c.pageSize}
		if err := c.execute(ctx, "getKbItems", queryKbItems, vars, &out); err != nil {
			return err
		}

		for _, item := range out.GetKbItems.Items {
			switch item.ItemType {
			case "COLLECTION":
				collections[item.Name] = item.ItemID
			case "ARTICLE", "":
				articles[articleKey{collection: item.parentID(), name: item.Name}] = item.ItemID
			}
		}

		items := out.GetKbItems.Items
		if len(items) < c.pageSize || page*c.pageSize >= out.GetKbItems.ListInfo.TotalCount {
			break
		}
	}

	c.collections = collections
	for key, id := range c.articles {
		if _, ok := articles[key]; !ok {
			articles[key] = id
		}
	}
	c.articles = articles
	c.indexed = true

	c.logger.Debug("knowledge base indexed", "collections", len(collections), "articles", len(articles))
	return nil
}

func (c *SuperOpsClient) execute(ctx context.Context, op, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", op, err)
	}

	resp, err := c.graphql.Post(ctx, "", body)
	if err != nil {
		return transportError(op, err)
	}
	if err := statusError(op, resp); err != nil {
		return err
	}

	var gql graphQLResponse
	if err := json.Unmarshal(resp.Body, &gql); err != nil {
		return &shared.RemoteError{Kind: shared.KindContract, Op: op, Status: resp.StatusCode, Message: "invalid JSON response", Err: err}
	}
	if len(gql.Errors) > 0 {
		msgs := make([]string, 0, len(gql.Errors))
		for _, e := range gql.Errors {
			msgs = append(msgs, e.Message)
		}
		c.logger.Error("graphql errors", "op", op, "errors", msgs)
		return &shared.RemoteError{Kind: shared.KindContract, Op: op, Status: resp.StatusCode, Message: strings.Join(msgs, "; ")}
	}

	if out != nil && len(gql.Data) > 0 {
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return &shared.RemoteError{Kind: shared.KindContract, Op: op, Status: resp.StatusCode, Message: "unexpected response shape", Err: err}
		}
	}
	return nil
}

// transportError classifies a request that produced no response.
func transportError(op string, err error) error {
	kind := shared.Classify(err)
	switch kind {
	case "":
		return err
	case shared.KindUnknown:
		kind = shared.KindNetwork
	}
	return &shared.RemoteError{Kind: kind, Op: op, Err: err}
}

// statusError maps a non-2xx response onto a [shared.RemoteError].
func statusError(op string, resp *APIResponse) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err := &shared.RemoteError{Op: op, Status: resp.StatusCode, Message: truncate(string(resp.Body), maxErrorBody)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err.Kind = shared.KindRateLimited
		err.RetryAfter = parseRetryAfter(resp.Headers.Get("Retry-After"), time.Now())
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err.Kind = shared.KindAuth
	case resp.StatusCode == http.StatusNotFound:
		err.Kind = shared.KindNotFound
	case resp.StatusCode == http.StatusRequestTimeout:
		err.Kind = shared.KindTimeout
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity ||
		resp.StatusCode == http.StatusRequestEntityTooLarge:
		err.Kind = shared.KindContent
	case resp.StatusCode >= 500:
		err.Kind = shared.KindServer
	default:
		err.Kind = shared.KindUnknown
	}
	return err
}

// parseRetryAfter reads a delay in seconds or an HTTP date. Zero means no hint, so the
// retry policy falls back to its own backoff.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
