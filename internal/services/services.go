// package services implements the collaborators the migration engine drives:
// the export reader, the HTML transformer, the attachment source and the remote clients.
package services

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const defaultMimeType = "application/octet-stream"

// DetectMimeType guesses a content type from the filename, then from the leading bytes.
func DetectMimeType(filename string, data []byte) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if len(data) == 0 {
		return defaultMimeType
	}
	return http.DetectContentType(data)
}
