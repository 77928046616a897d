package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hqcloud/hqsync/internal/blob"
)

// ChangeType classifies a remote-side difference against the sync state.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// DetectedChange is one remote difference the downloader must act on.
// Remote is nil only for deletions.
type DetectedChange struct {
	Type                 ChangeType
	Path                 RelPath
	Remote               *SyncStateEntry
	PreviousLastModified int64 // unix millis from the state, 0 when untracked
}

// DetectResult is one detector pass over the remote prefix.
type DetectResult struct {
	Changes   []DetectedChange
	Pages     int
	Truncated bool
}

// ChangeDetector lists the remote prefix and diffs it against the sync
// state. Real changes advance the state from the downloader once applied;
// the detector's only write is the timestamp refresh for etag-identical
// objects.
type ChangeDetector struct {
	cfg     *DownloadConfig
	backend blob.Backend
	ignore  *Ignore
	state   *SyncState
}

func NewChangeDetector(cfg *DownloadConfig, backend blob.Backend, ignore *Ignore, state *SyncState) *ChangeDetector {
	return &ChangeDetector{cfg: cfg, backend: backend, ignore: ignore, state: state}
}

// Detect lists up to MaxListPages pages under the user prefix and returns
// the differences, sorted ascending by path. A truncated listing suppresses
// deletions: absence from a partial listing proves nothing.
func (d *ChangeDetector) Detect(ctx context.Context) (*DetectResult, error) {
	remote, pages, truncated, err := d.listRemote(ctx)
	if err != nil {
		return nil, err
	}

	result := &DetectResult{Pages: pages, Truncated: truncated}
	seen := mapset.NewThreadUnsafeSet[RelPath]()

	for rel, obj := range remote {
		seen.Add(rel)
		prev, tracked := d.state.Get(rel)
		if !tracked {
			result.Changes = append(result.Changes, DetectedChange{
				Type:   ChangeAdded,
				Path:   rel,
				Remote: obj,
			})
			continue
		}
		if obj.ETag != "" && obj.ETag == prev.ETag {
			// Same object version. Upload commits stamp the put response
			// time, which on some backends is a local clock; fold the
			// listing's timestamp in quietly so the drift never reads as
			// a change.
			if prev.LastModified != obj.LastModified {
				refreshed := *prev
				refreshed.LastModified = obj.LastModified
				d.state.Upsert(&refreshed)
			}
			continue
		}
		// The listing carries no content hash, so etag and timestamp are
		// the only modification evidence at this stage; hash comparison
		// happens later, at conflict-check time.
		if prev.LastModified != obj.LastModified || prev.ETag != obj.ETag {
			result.Changes = append(result.Changes, DetectedChange{
				Type:                 ChangeModified,
				Path:                 rel,
				Remote:               obj,
				PreviousLastModified: prev.LastModified,
			})
		}
	}

	if d.cfg.DeletedPolicy != DeletedKeep && !truncated {
		tracked := mapset.NewThreadUnsafeSet[RelPath]()
		state := d.state.All()
		for rel := range state {
			tracked.Add(rel)
		}
		for rel := range tracked.Difference(seen).Iter() {
			result.Changes = append(result.Changes, DetectedChange{
				Type:                 ChangeDeleted,
				Path:                 rel,
				PreviousLastModified: state[rel].LastModified,
			})
		}
	}

	sort.Slice(result.Changes, func(i, j int) bool {
		return result.Changes[i].Path < result.Changes[j].Path
	})
	return result, nil
}

// listRemote pages through the prefix, mapping keys back to relative paths.
// Directory markers and ignored paths are skipped here so they never reach
// the downloader.
func (d *ChangeDetector) listRemote(ctx context.Context) (map[RelPath]*SyncStateEntry, int, bool, error) {
	if d.cfg.ListTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ListTimeout)
		defer cancel()
	}

	remote := make(map[RelPath]*SyncStateEntry)
	token := ""
	pages := 0
	truncated := false

	for {
		resp, err := d.backend.ListObjects(ctx, &blob.ListParams{
			Prefix:            d.cfg.Prefix,
			ContinuationToken: token,
			MaxKeys:           d.cfg.ListPageSize,
		})
		if err != nil {
			return nil, pages, false, fmt.Errorf("list %s: %w", d.cfg.Prefix, err)
		}
		pages++

		for _, obj := range resp.Objects {
			if IsMarkerKey(obj.Key) {
				continue
			}
			rel, rerr := RelPathFromKey(obj.Key, d.cfg.UserID)
			if rerr != nil {
				slog.Warn("skipping unmappable key", "key", obj.Key, "error", rerr)
				continue
			}
			if d.ignore.ShouldIgnore(rel, false) {
				continue
			}
			remote[rel] = &SyncStateEntry{
				Key:          obj.Key,
				RelPath:      string(rel),
				LastModified: obj.LastModified.UnixMilli(),
				Size:         obj.Size,
				ETag:         obj.ETag,
			}
		}

		if !resp.Truncated {
			break
		}
		if pages >= d.cfg.MaxListPages {
			truncated = true
			slog.Warn("listing capped, deletions suppressed this cycle",
				"prefix", d.cfg.Prefix, "pages", pages, "max", d.cfg.MaxListPages)
			break
		}
		token = resp.ContinuationToken
	}

	return remote, pages, truncated, nil
}
