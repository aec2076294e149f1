// package shared defines shared helpers
package shared

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// namespace for deterministic document and attachment identifiers
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kbmigrate://documents"))

// NewLogger creates a new [log.Logger] instance with the specified [io.Writer], with timestamps and caller reporting enabled.
//
// The writer defaults to [os.Stderr]
func NewLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, ReportCaller: true}
	return log.NewWithOptions(w, opts)
}

// NewLoggerWithOptions creates a [log.Logger] configured from a [LoggingConfig].
//
// Unknown levels fall back to info; format is one of text, json or logfmt.
func NewLoggerWithOptions(w io.Writer, cfg LoggingConfig) *log.Logger {
	l := NewLogger(w)

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(log.JSONFormatter)
	case "logfmt":
		l.SetFormatter(log.LogfmtFormatter)
	default:
		l.SetFormatter(log.TextFormatter)
	}
	return l
}

// WithLogger creates a child [log.Logger] with the specified key-value pairs added to all log entries.
func WithLogger(l *log.Logger, kv ...any) *log.Logger {
	return l.With(kv...)
}

// SetLogLevel sets the [log.Level] for the given [log.Logger].
func SetLogLevel(l *log.Logger, ll log.Level) {
	l.SetLevel(ll)
}

// GenerateID generates a new v4 [uuid.UUID] as a string
func GenerateID() string {
	return uuid.New().String()
}

// DocumentID derives a stable identifier from a document's source path.
//
// Paths are cleaned and slash-normalized first so the same export yields the same
// identifier regardless of the platform or of how the root was spelled.
func DocumentID(sourcePath string) string {
	return uuid.NewSHA1(idNamespace, []byte(normalizePath(sourcePath))).String()
}

// AttachmentID derives a stable identifier for a reference found inside a document.
func AttachmentID(documentID, reference string) string {
	return uuid.NewSHA1(idNamespace, []byte(documentID+"|"+normalizePath(reference))).String()
}

// Fingerprint hashes the parts of a configuration that define a migration lineage.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(strings.TrimSpace(p)))
}

// MarshalJSON encodes v, indented with two spaces when pretty is set.
func MarshalJSON(v any, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}
