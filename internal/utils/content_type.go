package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

// DetectContentType guesses a MIME type from the object key's extension.
// Config-ish extensions the mime table maps poorly are forced to text so
// browsers render them inline.
func DetectContentType(key string) string {
	if isTextLike(key) {
		return "text/plain; charset=utf-8"
	}
	if mimeType := mime.TypeByExtension(filepath.Ext(key)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}

func isTextLike(key string) bool {
	for _, ext := range []string{".yaml", ".yml", ".toml", ".md"} {
		if strings.HasSuffix(key, ext) {
			return true
		}
	}
	return false
}
