package blob

import (
	"io"
	"time"
)

// Metadata is the user metadata attached to an object. Stores normalize keys
// to lowercase; callers should use lowercase keys throughout.
type Metadata map[string]string

type PutObjectParams struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    Metadata
}

type PutMultipartParams struct {
	Key         string
	Body        io.Reader
	Size        int64
	PartSize    int64
	ContentType string
	Metadata    Metadata

	// MaxConcurrentParts bounds in-flight part uploads. <=1 means sequential.
	MaxConcurrentParts int

	// OnProgress is invoked after each completed part with cumulative bytes.
	OnProgress func(uploaded, total int64)
}

type PutObjectResponse struct {
	Key          string
	ETag         string
	Version      string
	Size         int64
	LastModified time.Time
}

type GetObjectResponse struct {
	Body         io.ReadCloser
	Size         int64
	ETag         string
	ContentType  string
	Metadata     Metadata
	LastModified time.Time
}

type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

type ListParams struct {
	Prefix string

	// ContinuationToken resumes a previous listing. Empty starts from the
	// beginning of the prefix.
	ContinuationToken string

	// MaxKeys caps the page size. 0 uses the store default (1000).
	MaxKeys int32
}

type ListResponse struct {
	Objects           []*ObjectInfo
	ContinuationToken string
	Truncated         bool
}
