package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hqcloud/hqsync/internal/blob"
	"github.com/hqcloud/hqsync/internal/utils"
)

// Metadata keys tagged on every uploaded object.
const (
	MetaContentHash       = "content-hash"
	MetaHashAlgorithm     = "hash-algorithm"
	MetaLocalPath         = "local-path"
	MetaLastModifiedLocal = "last-modified-local"
	MetaUploadedBy        = "uploaded-by"
	MetaSyncAgentVersion  = "sync-agent-version"
	MetaFileSize          = "file-size"
)

const dirMarkerContentType = "application/x-directory"

// UploadResult is the outcome of one event against the object store.
type UploadResult struct {
	Event    FileEvent
	Success  bool
	Vanished bool
	Size     int64
	Duration time.Duration
	ETag     string
	Hash     string
	// RemoteModified is the store's timestamp for the written object, as
	// reported by the put response. Zero for deletes.
	RemoteModified time.Time
	Err            error
}

// Uploader executes drained event batches against the object store. It does
// not retry; per-event failures land in the results and the daemon decides
// what happens next.
type Uploader struct {
	cfg        *UploaderConfig
	backend    blob.Backend
	hasher     *Hasher
	onProgress func(path RelPath, transferred, total int64)
}

func NewUploader(cfg *UploaderConfig, backend blob.Backend) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hasher, err := NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	return &Uploader{cfg: cfg, backend: backend, hasher: hasher}, nil
}

// OnProgress registers a per-file transfer callback. Must be set before the
// first Process call.
func (u *Uploader) OnProgress(fn func(path RelPath, transferred, total int64)) {
	u.onProgress = fn
}

func (u *Uploader) report(path RelPath, transferred, total int64) {
	if u.onProgress != nil {
		u.onProgress(path, transferred, total)
	}
}

// Process runs every event in batch, at most MaxConcurrent at a time, and
// returns one result per event in batch order. Coalescing upstream
// guarantees at most one event per path, so concurrent events never touch
// the same key.
func (u *Uploader) Process(ctx context.Context, batch []FileEvent) []UploadResult {
	results := make([]UploadResult, len(batch))
	if len(batch) == 0 {
		return results
	}

	sem := make(chan struct{}, u.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i, ev := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, ev FileEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = u.processOne(ctx, ev)
		}(i, ev)
	}
	wg.Wait()
	return results
}

func (u *Uploader) processOne(ctx context.Context, ev FileEvent) UploadResult {
	if u.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.UploadTimeout)
		defer cancel()
	}

	start := time.Now()
	res := func() UploadResult {
		switch ev.Type {
		case EventUnlink:
			return u.deleteObject(ctx, ev, ev.Path.Key(u.cfg.UserID))
		case EventUnlinkDir:
			return u.deleteObject(ctx, ev, ev.Path.MarkerKey(u.cfg.UserID))
		case EventAddDir:
			return u.putDirMarker(ctx, ev)
		case EventAdd, EventChange:
			return u.uploadFile(ctx, ev)
		default:
			return UploadResult{Event: ev, Err: fmt.Errorf("unknown event type %q", ev.Type)}
		}
	}()
	res.Duration = time.Since(start)

	if res.Err != nil {
		slog.Warn("upload failed", "op", ev.Type, "path", ev.Path, "error", res.Err)
	} else {
		slog.Debug("upload done", "op", ev.Type, "path", ev.Path,
			"size", humanize.Bytes(uint64(max(res.Size, 0))), "took", res.Duration)
	}
	return res
}

// deleteObject removes key. A missing object counts as success; the goal
// state is "not there" either way.
func (u *Uploader) deleteObject(ctx context.Context, ev FileEvent, key string) UploadResult {
	if _, err := u.backend.DeleteObject(ctx, key); err != nil {
		return UploadResult{Event: ev, Err: fmt.Errorf("delete %s: %w", key, err)}
	}
	return UploadResult{Event: ev, Success: true}
}

func (u *Uploader) putDirMarker(ctx context.Context, ev FileEvent) UploadResult {
	key := ev.Path.MarkerKey(u.cfg.UserID)
	resp, err := u.backend.PutObject(ctx, &blob.PutObjectParams{
		Key:         key,
		Body:        bytes.NewReader(nil),
		ContentType: dirMarkerContentType,
		Metadata:    u.metadata("", "", time.Time{}, 0),
	})
	if err != nil {
		return UploadResult{Event: ev, Err: fmt.Errorf("put marker %s: %w", key, err)}
	}
	return UploadResult{Event: ev, Success: true, ETag: resp.ETag}
}

func (u *Uploader) uploadFile(ctx context.Context, ev FileEvent) UploadResult {
	fi, err := os.Stat(ev.AbsPath)
	if errors.Is(err, fs.ErrNotExist) {
		// Changed and removed between drain and upload. The unlink will
		// arrive as its own event.
		return UploadResult{Event: ev, Success: true, Vanished: true}
	}
	if err != nil {
		return UploadResult{Event: ev, Err: fmt.Errorf("stat %s: %w", ev.AbsPath, err)}
	}

	// Hash failure degrades to an upload without a recorded hash; the next
	// conflict check treats the file as never synced.
	var contentHash string
	if hr, herr := u.hasher.HashFile(ctx, ev.AbsPath); herr != nil {
		slog.Warn("hash failed, uploading without content hash", "path", ev.Path, "error", herr)
	} else {
		contentHash = hr.Hash
	}

	f, err := os.Open(ev.AbsPath)
	if err != nil {
		return UploadResult{Event: ev, Err: fmt.Errorf("open %s: %w", ev.AbsPath, err)}
	}
	defer f.Close()

	key := ev.Path.Key(u.cfg.UserID)
	size := fi.Size()
	md := u.metadata(contentHash, ev.AbsPath, fi.ModTime(), size)
	contentType := utils.DetectContentType(key)

	u.report(ev.Path, 0, size)

	var resp *blob.PutObjectResponse
	if size <= u.cfg.MultipartThreshold {
		resp, err = u.backend.PutObject(ctx, &blob.PutObjectParams{
			Key:         key,
			Body:        f,
			Size:        size,
			ContentType: contentType,
			Metadata:    md,
		})
	} else {
		resp, err = u.backend.PutObjectMultipart(ctx, &blob.PutMultipartParams{
			Key:                key,
			Body:               f,
			Size:               size,
			PartSize:           u.cfg.MultipartPartSize,
			ContentType:        contentType,
			Metadata:           md,
			MaxConcurrentParts: u.cfg.MaxConcurrent,
			OnProgress: func(uploaded, total int64) {
				u.report(ev.Path, uploaded, total)
				slog.Debug("multipart progress", "path", ev.Path,
					"uploaded", humanize.Bytes(uint64(uploaded)), "total", humanize.Bytes(uint64(total)))
			},
		})
	}
	if err != nil {
		return UploadResult{Event: ev, Err: fmt.Errorf("put %s: %w", key, err)}
	}
	u.report(ev.Path, size, size)

	return UploadResult{
		Event:          ev,
		Success:        true,
		Size:           size,
		ETag:           resp.ETag,
		Hash:           contentHash,
		RemoteModified: resp.LastModified,
	}
}

// metadata builds the upload tag map. Empty values are tagged as empty
// strings rather than omitted so the key set stays fixed.
func (u *Uploader) metadata(contentHash, localPath string, modTime time.Time, size int64) blob.Metadata {
	lm := ""
	if !modTime.IsZero() {
		lm = modTime.UTC().Format(time.RFC3339)
	}
	md := blob.Metadata{
		MetaContentHash:       contentHash,
		MetaHashAlgorithm:     u.cfg.HashAlgorithm,
		MetaLocalPath:         localPath,
		MetaLastModifiedLocal: lm,
		MetaUploadedBy:        u.cfg.UserID,
		MetaSyncAgentVersion:  u.cfg.AgentVersion,
		MetaFileSize:          strconv.FormatInt(size, 10),
	}
	if u.cfg.MetadataPrefix == "" {
		return md
	}
	prefixed := make(blob.Metadata, len(md))
	for k, v := range md {
		prefixed[u.cfg.MetadataPrefix+k] = v
	}
	return prefixed
}
