package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqcloud/hqsync/internal/blob"
)

type downloaderFixture struct {
	root       string
	backend    *blob.MemoryBackend
	state      *SyncState
	downloader *Downloader
	cfg        *DownloadConfig
	log        *ConflictLog
}

func newDownloaderFixture(t *testing.T, mutate func(*DownloadConfig), conflictCfg *ConflictConfig) *downloaderFixture {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultDownloadConfig(testUser, root)
	cfg.StateFilePath = filepath.Join(root, ".hq-sync-state.json")
	cfg.TrashDir = filepath.Join(root, ".hq-trash")
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	backend := blob.NewMemoryBackend()
	state := NewSyncState(cfg.StateFilePath, testUser)
	hasher, err := NewHasher(HashAlgoSHA256)
	require.NoError(t, err)

	dl := NewDownloader(cfg, backend, state, hasher)
	f := &downloaderFixture{root: root, backend: backend, state: state, downloader: dl, cfg: cfg}

	if conflictCfg != nil {
		det, err := NewConflictDetector(conflictCfg)
		require.NoError(t, err)
		log, err := NewConflictLog("", 100)
		require.NoError(t, err)
		t.Cleanup(func() { log.Close() })
		f.log = log
		dl.WithConflicts(det, NewConflictResolver(det, root, log))
	}
	return f
}

func (f *downloaderFixture) change(t *testing.T, rel string, content string) DetectedChange {
	t.Helper()
	resp, err := f.backend.PutObject(context.Background(), &blob.PutObjectParams{
		Key:  testUser + "/hq/" + rel,
		Body: strings.NewReader(content),
	})
	require.NoError(t, err)
	return DetectedChange{
		Type: ChangeAdded,
		Path: RelPath(rel),
		Remote: &SyncStateEntry{
			Key:          resp.Key,
			RelPath:      rel,
			LastModified: resp.LastModified.UnixMilli(),
			Size:         resp.Size,
			ETag:         resp.ETag,
		},
	}
}

func TestDownloaderWritesFileAndState(t *testing.T) {
	f := newDownloaderFixture(t, nil, nil)
	ch := f.change(t, "docs/a.txt", "hello")

	results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Success)
	assert.EqualValues(t, 5, results[0].Size)

	data, err := os.ReadFile(filepath.Join(f.root, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entry, ok := f.state.Get("docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, ch.Remote.ETag, entry.ETag)
	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), entry.Hash)
}

func TestDownloaderPreservesTimestamps(t *testing.T) {
	f := newDownloaderFixture(t, nil, nil)
	ch := f.change(t, "a.txt", "x")
	ch.Remote.LastModified = time.Now().Add(-24 * time.Hour).UnixMilli()

	results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
	require.NoError(t, results[0].Err)

	fi, err := os.Stat(filepath.Join(f.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(ch.Remote.LastModified).Unix(), fi.ModTime().Unix())
}

func TestDownloaderEmptyBodyFails(t *testing.T) {
	f := newDownloaderFixture(t, nil, nil)
	ch := f.change(t, "a.txt", "content")
	f.backend.EmptyBody[ch.Remote.Key] = true

	results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
	require.Error(t, results[0].Err)
	assert.ErrorContains(t, results[0].Err, "short body")

	// no partial file, no temp droppings, no state entry
	assert.NoFileExists(t, filepath.Join(f.root, "a.txt"))
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, ok := f.state.Get("a.txt")
	assert.False(t, ok)
}

func TestDownloaderMissingRemoteRecordFails(t *testing.T) {
	f := newDownloaderFixture(t, nil, nil)
	results := f.downloader.Apply(context.Background(), []DetectedChange{
		{Type: ChangeAdded, Path: "a.txt"},
	})
	require.Error(t, results[0].Err)
}

func TestDownloaderDeletePolicies(t *testing.T) {
	seed := func(f *downloaderFixture) DetectedChange {
		abs := filepath.Join(f.root, "gone.txt")
		require.NoError(t, os.WriteFile(abs, []byte("old"), 0o644))
		f.state.Upsert(&SyncStateEntry{Key: testUser + "/hq/gone.txt", RelPath: "gone.txt", ETag: "e"})
		return DetectedChange{Type: ChangeDeleted, Path: "gone.txt"}
	}

	t.Run("keep", func(t *testing.T) {
		f := newDownloaderFixture(t, func(c *DownloadConfig) { c.DeletedPolicy = DeletedKeep }, nil)
		ch := seed(f)
		results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
		require.NoError(t, results[0].Err)
		assert.True(t, results[0].Skipped)
		assert.FileExists(t, filepath.Join(f.root, "gone.txt"))
	})

	t.Run("delete", func(t *testing.T) {
		f := newDownloaderFixture(t, func(c *DownloadConfig) { c.DeletedPolicy = DeletedDelete }, nil)
		ch := seed(f)
		results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
		require.NoError(t, results[0].Err)
		assert.NoFileExists(t, filepath.Join(f.root, "gone.txt"))
		_, ok := f.state.Get("gone.txt")
		assert.False(t, ok)
	})

	t.Run("trash", func(t *testing.T) {
		f := newDownloaderFixture(t, func(c *DownloadConfig) { c.DeletedPolicy = DeletedTrash }, nil)
		ch := seed(f)
		results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
		require.NoError(t, results[0].Err)
		assert.NoFileExists(t, filepath.Join(f.root, "gone.txt"))
		data, err := os.ReadFile(filepath.Join(f.cfg.TrashDir, "gone.txt"))
		require.NoError(t, err)
		assert.Equal(t, "old", string(data))
		_, ok := f.state.Get("gone.txt")
		assert.False(t, ok)
	})
}

func TestDownloaderCleansEmptyParents(t *testing.T) {
	f := newDownloaderFixture(t, nil, nil)
	abs := filepath.Join(f.root, "a", "b", "gone.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("x"), 0o644))
	f.state.Upsert(&SyncStateEntry{Key: testUser + "/hq/a/b/gone.txt", RelPath: "a/b/gone.txt", ETag: "e"})

	results := f.downloader.Apply(context.Background(), []DetectedChange{
		{Type: ChangeDeleted, Path: "a/b/gone.txt"},
	})
	require.NoError(t, results[0].Err)
	assert.NoDirExists(t, filepath.Join(f.root, "a"))
	assert.DirExists(t, f.root)
}

func TestDownloaderConflictKeepBoth(t *testing.T) {
	f := newDownloaderFixture(t, nil, DefaultConflictConfig())

	// last synced: hash h0 / etag e0; both sides have since diverged
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.md"), []byte("local edit"), 0o644))
	f.state.Upsert(&SyncStateEntry{
		Key: testUser + "/hq/notes.md", RelPath: "notes.md",
		ETag: "e0", Hash: "h0",
	})

	ch := f.change(t, "notes.md", "remote edit")
	ch.Type = ChangeModified

	results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.NotNil(t, results[0].Conflict)
	assert.Equal(t, ConflictResolved, results[0].Conflict.Status)

	// remote content landed at the original path
	data, err := os.ReadFile(filepath.Join(f.root, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "remote edit", string(data))

	// the local edit survives under the conflict name
	renamed := filepath.Join(f.root, filepath.FromSlash(results[0].Conflict.ConflictFilePath))
	data, err = os.ReadFile(renamed)
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(data))

	// conflict recorded as resolved
	resolved, err := f.log.ByStatus(ConflictResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
}

func TestDownloaderConflictLocalWins(t *testing.T) {
	cc := DefaultConflictConfig()
	cc.DefaultStrategy = StrategyLocalWins
	f := newDownloaderFixture(t, nil, cc)

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.md"), []byte("local edit"), 0o644))
	f.state.Upsert(&SyncStateEntry{
		Key: testUser + "/hq/notes.md", RelPath: "notes.md",
		ETag: "e0", Hash: "h0",
	})

	ch := f.change(t, "notes.md", "remote edit")
	ch.Type = ChangeModified

	results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Skipped)

	// local copy untouched, state advanced to the remote record
	data, err := os.ReadFile(filepath.Join(f.root, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(data))
	entry, ok := f.state.Get("notes.md")
	require.True(t, ok)
	assert.Equal(t, ch.Remote.ETag, entry.ETag)
	assert.Empty(t, entry.Hash)
}

func TestDownloaderConflictManualDefers(t *testing.T) {
	cc := DefaultConflictConfig()
	cc.DefaultStrategy = StrategyManual
	f := newDownloaderFixture(t, nil, cc)

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.md"), []byte("local edit"), 0o644))
	f.state.Upsert(&SyncStateEntry{
		Key: testUser + "/hq/notes.md", RelPath: "notes.md",
		ETag: "e0", Hash: "h0",
	})

	ch := f.change(t, "notes.md", "remote edit")
	ch.Type = ChangeModified

	results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Skipped)
	assert.Equal(t, ConflictDeferred, results[0].Conflict.Status)

	// nothing moved: local intact, state still at the old record
	data, err := os.ReadFile(filepath.Join(f.root, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(data))
	entry, _ := f.state.Get("notes.md")
	assert.Equal(t, "e0", entry.ETag)
}

func TestDownloaderNoConflictWhenOnlyRemoteChanged(t *testing.T) {
	f := newDownloaderFixture(t, nil, DefaultConflictConfig())

	// local file matches the last synced hash; only the remote moved
	sum := sha256.Sum256([]byte("same"))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.md"), []byte("same"), 0o644))
	f.state.Upsert(&SyncStateEntry{
		Key: testUser + "/hq/notes.md", RelPath: "notes.md",
		ETag: "e0", Hash: hex.EncodeToString(sum[:]),
	})

	ch := f.change(t, "notes.md", "remote edit")
	ch.Type = ChangeModified

	results := f.downloader.Apply(context.Background(), []DetectedChange{ch})
	require.NoError(t, results[0].Err)
	assert.Nil(t, results[0].Conflict)
	data, _ := os.ReadFile(filepath.Join(f.root, "notes.md"))
	assert.Equal(t, "remote edit", string(data))
}

func TestDownloaderBoundedConcurrency(t *testing.T) {
	f := newDownloaderFixture(t, func(c *DownloadConfig) { c.MaxConcurrent = 2 }, nil)

	var inFlight, highWater atomic.Int64
	f.backend.GetFault = func(string) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			hw := highWater.Load()
			if cur <= hw || highWater.CompareAndSwap(hw, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	changes := make([]DetectedChange, 0, 5)
	for i := 0; i < 5; i++ {
		changes = append(changes, f.change(t, fmt.Sprintf("f%d.txt", i), "data"))
	}
	results := f.downloader.Apply(context.Background(), changes)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, highWater.Load(), int64(2))
}
