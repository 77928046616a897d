package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hqcloud/hqsync/internal/blob"
	"github.com/hqcloud/hqsync/internal/utils"
)

const downloadTmpPattern = ".hq-tmp-*"

// DownloadResult is the outcome of materializing one detected change.
type DownloadResult struct {
	Change   DetectedChange
	Success  bool
	Skipped  bool // local_wins or deferred conflict left the local copy alone
	Size     int64
	Duration time.Duration
	Conflict *SyncConflict
	Err      error
}

// Downloader applies detected changes to the local tree and keeps the sync
// state in step. Conflict checking is optional; without a detector every
// remote change wins.
type Downloader struct {
	cfg      *DownloadConfig
	backend  blob.Backend
	state    *SyncState
	hasher   *Hasher
	detector *ConflictDetector
	resolver *ConflictResolver

	// suppress, when set, tells the watcher to swallow the next event for an
	// absolute path we are about to write or remove.
	suppress func(absPath string)
}

func NewDownloader(cfg *DownloadConfig, backend blob.Backend, state *SyncState, hasher *Hasher) *Downloader {
	return &Downloader{cfg: cfg, backend: backend, state: state, hasher: hasher}
}

// WithConflicts wires in conflict detection and resolution.
func (d *Downloader) WithConflicts(detector *ConflictDetector, resolver *ConflictResolver) *Downloader {
	d.detector = detector
	d.resolver = resolver
	return d
}

// WithSuppression wires in the watcher self-write hook.
func (d *Downloader) WithSuppression(fn func(absPath string)) *Downloader {
	d.suppress = fn
	return d
}

// Apply materializes every change, at most MaxConcurrent at a time, and
// returns one result per change in input order. The state advances entry by
// entry as changes succeed, so a failed batch leaves completed work
// recorded.
func (d *Downloader) Apply(ctx context.Context, changes []DetectedChange) []DownloadResult {
	results := make([]DownloadResult, len(changes))
	if len(changes) == 0 {
		return results
	}

	sem := make(chan struct{}, d.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i, ch := range changes {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, ch DetectedChange) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.applyOne(ctx, ch)
		}(i, ch)
	}
	wg.Wait()
	return results
}

func (d *Downloader) applyOne(ctx context.Context, ch DetectedChange) DownloadResult {
	start := time.Now()
	var res DownloadResult
	switch ch.Type {
	case ChangeAdded, ChangeModified:
		res = d.downloadChange(ctx, ch)
	case ChangeDeleted:
		res = d.deleteChange(ch)
	default:
		res = DownloadResult{Change: ch, Err: fmt.Errorf("unknown change type %q", ch.Type)}
	}
	res.Duration = time.Since(start)

	if res.Err != nil {
		slog.Warn("download failed", "op", ch.Type, "path", ch.Path, "error", res.Err)
	} else {
		slog.Debug("download done", "op", ch.Type, "path", ch.Path,
			"size", humanize.Bytes(uint64(max(res.Size, 0))), "skipped", res.Skipped, "took", res.Duration)
	}
	return res
}

func (d *Downloader) abs(rel RelPath) string {
	return filepath.Join(d.cfg.RootDir, filepath.FromSlash(string(rel)))
}

func (d *Downloader) downloadChange(ctx context.Context, ch DetectedChange) DownloadResult {
	if ch.Remote == nil {
		return DownloadResult{Change: ch, Err: fmt.Errorf("change %s has no remote record", ch.Path)}
	}

	res := DownloadResult{Change: ch}
	absPath := d.abs(ch.Path)

	if conflict := d.checkConflict(ctx, ch, absPath); conflict != nil {
		res.Conflict = conflict
		if err := d.resolver.Resolve(conflict); err != nil {
			res.Err = err
			return res
		}
		switch conflict.Strategy {
		case StrategyLocalWins:
			// Advance state to the remote record so the same divergence is
			// not re-detected next cycle. The recorded hash stays empty:
			// the local bytes never matched this remote version.
			entry := *ch.Remote
			entry.Hash = ""
			d.state.Upsert(&entry)
			res.Success, res.Skipped = true, true
			return res
		case StrategyManual:
			res.Success, res.Skipped = true, true
			return res
		}
		// keep_both already renamed the local copy aside; remote_wins just
		// falls through. Either way the download proceeds.
	}

	hash, size, err := d.fetch(ctx, ch, absPath)
	if err != nil {
		res.Err = err
		return res
	}

	entry := *ch.Remote
	entry.Hash = hash
	d.state.Upsert(&entry)

	res.Success = true
	res.Size = size
	return res
}

// checkConflict gathers both sides' evidence for an existing local file.
// Returns nil when conflict checking is off, the local file is absent, or
// hashing fails; an unreadable file is not evidence of divergence.
func (d *Downloader) checkConflict(ctx context.Context, ch DetectedChange, absPath string) *SyncConflict {
	if d.detector == nil || d.resolver == nil {
		return nil
	}
	fi, err := os.Stat(absPath)
	if err != nil || fi.IsDir() {
		return nil
	}

	hr, err := d.hasher.HashFile(ctx, absPath)
	if err != nil {
		slog.Warn("hash failed, skipping conflict check", "path", ch.Path, "error", err)
		return nil
	}

	check := &ConflictCheck{
		Path:          ch.Path,
		LocalHash:     hr.Hash,
		RemoteETag:    ch.Remote.ETag,
		LocalSize:     fi.Size(),
		RemoteSize:    ch.Remote.Size,
		LocalModTime:  fi.ModTime(),
		RemoteModTime: time.UnixMilli(ch.Remote.LastModified),
		RemoteKey:     ch.Remote.Key,
	}
	if prev, ok := d.state.Get(ch.Path); ok {
		check.LastSyncedHash = prev.Hash
		check.LastSyncedETag = prev.ETag
	}
	return d.detector.Check(check)
}

// fetch streams the object to a sibling temp file, verifies its size
// against the listing, then renames it into place. The content hash is
// computed on the wire so the state records it without a second read.
func (d *Downloader) fetch(ctx context.Context, ch DetectedChange, absPath string) (hash string, size int64, err error) {
	if d.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DownloadTimeout)
		defer cancel()
	}

	obj, err := d.backend.GetObject(ctx, ch.Remote.Key)
	if err != nil {
		return "", 0, fmt.Errorf("get %s: %w", ch.Remote.Key, err)
	}
	defer obj.Body.Close()

	if err := utils.EnsureParent(absPath); err != nil {
		return "", 0, fmt.Errorf("ensure parent of %s: %w", absPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(absPath), downloadTmpPattern)
	if err != nil {
		return "", 0, fmt.Errorf("create temp for %s: %w", absPath, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	hasher := d.hasher.newHash()
	size, err = io.Copy(tmp, io.TeeReader(obj.Body, hasher))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if size != ch.Remote.Size {
		err = fmt.Errorf("short body for %s: got %d bytes, want %d", ch.Remote.Key, size, ch.Remote.Size)
		return "", 0, err
	}

	if d.cfg.PreserveTimestamps && ch.Remote.LastModified > 0 {
		mtime := time.UnixMilli(ch.Remote.LastModified)
		if terr := os.Chtimes(tmpPath, mtime, mtime); terr != nil {
			slog.Warn("restore mtime", "path", ch.Path, "error", terr)
		}
	}

	if d.suppress != nil {
		d.suppress(absPath)
	}
	if err = os.Rename(tmpPath, absPath); err != nil {
		return "", 0, fmt.Errorf("rename into place: %w", err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), size, nil
}

// deleteChange applies the deletion policy to a locally tracked file whose
// remote object disappeared.
func (d *Downloader) deleteChange(ch DetectedChange) DownloadResult {
	res := DownloadResult{Change: ch}
	absPath := d.abs(ch.Path)

	switch d.cfg.DeletedPolicy {
	case DeletedKeep:
		res.Success, res.Skipped = true, true
		return res

	case DeletedDelete:
		if d.suppress != nil {
			d.suppress(absPath)
		}
		if err := os.Remove(absPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			res.Err = fmt.Errorf("remove %s: %w", absPath, err)
			return res
		}

	case DeletedTrash:
		trashPath := filepath.Join(d.cfg.TrashDir, filepath.FromSlash(string(ch.Path)))
		if utils.FileExists(absPath) {
			if err := utils.EnsureParent(trashPath); err != nil {
				res.Err = fmt.Errorf("ensure trash parent: %w", err)
				return res
			}
			if d.suppress != nil {
				d.suppress(absPath)
			}
			if err := utils.MoveFile(absPath, trashPath); err != nil {
				res.Err = fmt.Errorf("trash %s: %w", absPath, err)
				return res
			}
			slog.Info("trashed", "path", ch.Path, "to", trashPath)
		}

	default:
		res.Err = fmt.Errorf("unknown deleted policy %q", d.cfg.DeletedPolicy)
		return res
	}

	d.state.Remove(ch.Path)
	d.cleanupEmptyParents(absPath)
	res.Success = true
	return res
}

// cleanupEmptyParents removes now-empty directories above a deleted file,
// stopping at the HQ root.
func (d *Downloader) cleanupEmptyParents(absPath string) {
	root := filepath.Clean(d.cfg.RootDir)
	dir := filepath.Dir(absPath)
	for dir != root && len(dir) > len(root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if d.suppress != nil {
			d.suppress(dir)
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
