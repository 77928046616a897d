package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const memoryDefaultPageSize = 1000

type memObject struct {
	data         []byte
	etag         string
	version      string
	contentType  string
	metadata     Metadata
	lastModified time.Time
}

// MemoryBackend is an in-process object store for tests. Listing is
// lexicographic with token paging, like the real store. Fault hooks and call
// counters support failure-path and pagination assertions.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]*memObject

	listCalls atomic.Int64
	putCalls  atomic.Int64

	// Optional fault hooks. A non-nil return fails the operation.
	PutFault    func(key string) error
	GetFault    func(key string) error
	DeleteFault func(key string) error
	ListFault   func() error

	// Keys listed here serve an empty body while reporting the real size.
	EmptyBody map[string]bool

	// Clock returns the store's notion of now. Defaults to time.Now.
	Clock func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects:   make(map[string]*memObject),
		EmptyBody: make(map[string]bool),
	}
}

func (m *MemoryBackend) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

func etagFor(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (m *MemoryBackend) PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}
	if m.PutFault != nil {
		if err := m.PutFault(params.Key); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	md := make(Metadata, len(params.Metadata))
	for k, v := range params.Metadata {
		md[strings.ToLower(k)] = v
	}

	obj := &memObject{
		data:         data,
		etag:         etagFor(data),
		version:      uuid.NewString(),
		contentType:  params.ContentType,
		metadata:     md,
		lastModified: m.now(),
	}

	m.mu.Lock()
	m.objects[params.Key] = obj
	m.mu.Unlock()
	m.putCalls.Add(1)

	return &PutObjectResponse{
		Key:          params.Key,
		ETag:         obj.etag,
		Version:      obj.version,
		Size:         int64(len(data)),
		LastModified: obj.lastModified,
	}, nil
}

func (m *MemoryBackend) PutObjectMultipart(ctx context.Context, params *PutMultipartParams) (*PutObjectResponse, error) {
	if params.PartSize <= 0 {
		return nil, fmt.Errorf("part size must be positive")
	}

	resp, err := m.PutObject(ctx, &PutObjectParams{
		Key:         params.Key,
		Body:        params.Body,
		Size:        params.Size,
		ContentType: params.ContentType,
		Metadata:    params.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if params.OnProgress != nil {
		params.OnProgress(resp.Size, resp.Size)
	}
	return resp, nil
}

func (m *MemoryBackend) GetObject(ctx context.Context, key string) (*GetObjectResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidateKey(key) {
		return nil, ErrInvalidKey
	}
	if m.GetFault != nil {
		if err := m.GetFault(key); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	obj, ok := m.objects[key]
	empty := m.EmptyBody[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	body := obj.data
	if empty {
		body = nil
	}

	md := make(Metadata, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}

	return &GetObjectResponse{
		Body:         io.NopCloser(bytes.NewReader(body)),
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		ContentType:  obj.contentType,
		Metadata:     md,
		LastModified: obj.lastModified,
	}, nil
}

func (m *MemoryBackend) DeleteObject(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !ValidateKey(key) {
		return false, ErrInvalidKey
	}
	if m.DeleteFault != nil {
		if err := m.DeleteFault(key); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return true, nil
}

func (m *MemoryBackend) ListObjects(ctx context.Context, params *ListParams) (*ListResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.listCalls.Add(1)
	if m.ListFault != nil {
		if err := m.ListFault(); err != nil {
			return nil, err
		}
	}

	pageSize := int(params.MaxKeys)
	if pageSize <= 0 {
		pageSize = memoryDefaultPageSize
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if params.Prefix == "" || strings.HasPrefix(k, params.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != "" {
		start = sort.SearchStrings(keys, params.ContinuationToken)
		if start < len(keys) && keys[start] == params.ContinuationToken {
			start++
		}
	}

	end := start + pageSize
	truncated := false
	if end < len(keys) {
		truncated = true
	} else {
		end = len(keys)
	}

	objects := make([]*ObjectInfo, 0, end-start)
	for _, k := range keys[start:end] {
		obj := m.objects[k]
		objects = append(objects, &ObjectInfo{
			Key:          k,
			ETag:         obj.etag,
			Size:         int64(len(obj.data)),
			LastModified: obj.lastModified,
		})
	}
	m.mu.RUnlock()

	resp := &ListResponse{Objects: objects, Truncated: truncated}
	if truncated && len(objects) > 0 {
		resp.ContinuationToken = objects[len(objects)-1].Key
	}
	return resp, nil
}

// ListCalls returns how many list requests the store has served.
func (m *MemoryBackend) ListCalls() int64 {
	return m.listCalls.Load()
}

// PutCalls returns how many put requests the store has served.
func (m *MemoryBackend) PutCalls() int64 {
	return m.putCalls.Load()
}

// Data returns a copy of an object's bytes, or nil when absent.
func (m *MemoryBackend) Data(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil
	}
	return bytes.Clone(obj.data)
}

// Meta returns a copy of an object's metadata, or nil when absent.
func (m *MemoryBackend) Meta(key string) Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil
	}
	md := make(Metadata, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}
	return md
}

// Exists reports whether key is present.
func (m *MemoryBackend) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Touch bumps an object's LastModified and rewrites its content, simulating
// an out-of-band remote change.
func (m *MemoryBackend) Touch(key string, data []byte, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &memObject{
		data:         data,
		etag:         etagFor(data),
		version:      uuid.NewString(),
		lastModified: at,
	}
}

// Len reports the number of stored objects.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Backend = (*MemoryBackend)(nil)
