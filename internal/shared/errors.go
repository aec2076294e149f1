package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Run errors
	ErrRunNotFound   = fmt.Errorf("migration run not found")
	ErrRunAborted    = fmt.Errorf("migration run aborted")
	ErrRunLocked     = fmt.Errorf("another migration holds the database lock")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrNoSourceFiles = fmt.Errorf("no source documents found")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)

// ErrorClass groups error kinds by how the orchestrator reacts to them.
type ErrorClass string

const (
	ClassTransient     ErrorClass = "transient" // retried with backoff
	ClassPermanentItem ErrorClass = "item"      // the document fails, the run continues
	ClassPermanentRun  ErrorClass = "run"       // systemic; aborts the run once the breaker confirms it
)

// Retryable reports whether documents failing with this class may be attempted again.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassPermanentRun
}

// ErrorKind is the fine-grained failure classification that circuit breakers key on.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindServer      ErrorKind = "server_error"
	KindRateLimited ErrorKind = "rate_limited"
	KindNetwork     ErrorKind = "network"
	KindContent     ErrorKind = "content"
	KindNotFound    ErrorKind = "not_found"
	KindValidation  ErrorKind = "validation"
	KindAuth        ErrorKind = "auth"
	KindContract    ErrorKind = "contract"
	KindUnknown     ErrorKind = "unknown"
)

// Class maps the kind onto its [ErrorClass].
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindTimeout, KindServer, KindRateLimited, KindNetwork:
		return ClassTransient
	case KindAuth, KindContract:
		return ClassPermanentRun
	default:
		return ClassPermanentItem
	}
}

// RemoteError is returned by remote clients for any failed call.
type RemoteError struct {
	Kind       ErrorKind
	Op         string        // remote operation, e.g. createKbArticle
	Status     int           // HTTP status when available
	Message    string        // server-provided detail
	RetryAfter time.Duration // server wait hint, zero when absent
	Err        error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ContentError reports a source document that cannot be parsed or transformed.
type ContentError struct {
	Kind    ErrorKind // content, not_found or validation
	Path    string
	Message string
}

func (e *ContentError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Message)
}

// NewContentError builds a [ContentError] of kind content.
func NewContentError(path, format string, args ...any) *ContentError {
	return &ContentError{Kind: KindContent, Path: path, Message: fmt.Sprintf(format, args...)}
}

var transientTokens = []string{"429", "500", "502", "503", "504", "timeout", "timed out", "temporar", "connection reset", "connection refused", "unexpected eof"}

// Classify returns the [ErrorKind] for err.
//
// Cancellation by the caller is not a failure of the operation and yields an empty kind.
func Classify(err error) ErrorKind {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind
	}

	var content *ContentError
	if errors.As(err, &content) {
		return content.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, token := range transientTokens {
		if strings.Contains(msg, token) {
			return KindNetwork
		}
	}
	return KindUnknown
}

// RetryAfter extracts a server-provided wait hint from err, if any.
func RetryAfter(err error) time.Duration {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.RetryAfter
	}
	return 0
}
