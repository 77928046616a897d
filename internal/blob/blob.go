// Package blob abstracts the object store the sync engine talks to. All
// implementations are interchangeable: the AWS SDK backend, the aws-cli
// subprocess backend and the in-memory backend used by tests.
package blob

import (
	"context"
	"errors"
	"regexp"
	"unicode/utf8"
)

var (
	ErrInvalidKey  = errors.New("invalid key")
	ErrKeyNotFound = errors.New("key not found")
)

// Backend is a single-page, token-paginated view over an object store.
// DeleteObject is idempotent: deleting a missing key succeeds.
type Backend interface {
	PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error)
	PutObjectMultipart(ctx context.Context, params *PutMultipartParams) (*PutObjectResponse, error)
	GetObject(ctx context.Context, key string) (*GetObjectResponse, error)
	DeleteObject(ctx context.Context, key string) (bool, error)
	ListObjects(ctx context.Context, params *ListParams) (*ListResponse, error)
}

// Match: starts with one or more / OR contains \ OR contains ..
var regexForbiddenPatterns = regexp.MustCompile(`^/+|\\+|\.\.`)

// ValidateKey checks a key for S3 and local file system compatibility.
func ValidateKey(key string) bool {
	// S3 keys must be between 1 and 1024 bytes long
	if len(key) == 0 || len(key) > 1024 {
		return false
	} else if key == "." || key == ".." {
		return false
	}

	if regexForbiddenPatterns.MatchString(key) {
		return false
	}

	// S3 keys must be valid UTF-8 strings
	return utf8.ValidString(key)
}
