package sync

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqcloud/hqsync/internal/blob"
)

func newTestDetector(t *testing.T, backend blob.Backend, mutate func(*DownloadConfig)) (*ChangeDetector, *SyncState) {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultDownloadConfig(testUser, root)
	cfg.StateFilePath = filepath.Join(root, ".hq-sync-state.json")
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	state := NewSyncState(cfg.StateFilePath, testUser)
	return NewChangeDetector(cfg, backend, NewIgnore(), state), state
}

func putRemote(t *testing.T, backend *blob.MemoryBackend, rel string, content string) {
	t.Helper()
	_, err := backend.PutObject(context.Background(), &blob.PutObjectParams{
		Key:  testUser + "/hq/" + rel,
		Body: strings.NewReader(content),
	})
	require.NoError(t, err)
}

func TestDetectorFirstRunSeesAdds(t *testing.T) {
	backend := blob.NewMemoryBackend()
	putRemote(t, backend, "a.txt", "a")
	putRemote(t, backend, "docs/b.txt", "bb")

	det, _ := newTestDetector(t, backend, nil)
	res, err := det.Detect(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Changes, 2)
	// sorted ascending by path
	assert.Equal(t, RelPath("a.txt"), res.Changes[0].Path)
	assert.Equal(t, RelPath("docs/b.txt"), res.Changes[1].Path)
	for _, ch := range res.Changes {
		assert.Equal(t, ChangeAdded, ch.Type)
		require.NotNil(t, ch.Remote)
	}
	assert.EqualValues(t, 2, res.Changes[1].Remote.Size)
}

func TestDetectorUnchangedNotEmitted(t *testing.T) {
	backend := blob.NewMemoryBackend()
	putRemote(t, backend, "a.txt", "a")

	det, state := newTestDetector(t, backend, nil)
	first, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Changes, 1)
	state.Upsert(first.Changes[0].Remote)

	second, err := det.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Changes)
}

func TestDetectorModifiedOnETagChange(t *testing.T) {
	backend := blob.NewMemoryBackend()
	putRemote(t, backend, "a.txt", "v1")

	det, state := newTestDetector(t, backend, nil)
	first, err := det.Detect(context.Background())
	require.NoError(t, err)
	state.Upsert(first.Changes[0].Remote)
	prevLM := first.Changes[0].Remote.LastModified

	backend.Touch(testUser+"/hq/a.txt", []byte("v2"), time.Now().Add(time.Minute))

	res, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, ChangeModified, res.Changes[0].Type)
	assert.Equal(t, prevLM, res.Changes[0].PreviousLastModified)
}

// A tracked entry whose stored timestamp disagrees with the listing but
// whose etag still matches is clock drift, not a change: nothing is emitted
// and the stored timestamp converges to the listing's.
func TestDetectorETagMatchRefreshesTimestamp(t *testing.T) {
	backend := blob.NewMemoryBackend()
	putRemote(t, backend, "a.txt", "v1")

	det, state := newTestDetector(t, backend, nil)
	first, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Changes, 1)
	listed := first.Changes[0].Remote

	stale := *listed
	stale.LastModified -= 60_000
	stale.Hash = "localhash"
	state.Upsert(&stale)

	res, err := det.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Changes)

	entry, ok := state.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, listed.LastModified, entry.LastModified)
	assert.Equal(t, "localhash", entry.Hash) // the refresh keeps the synced hash
}

func TestDetectorDeletedRespectsPolicy(t *testing.T) {
	entry := &SyncStateEntry{
		Key:          testUser + "/hq/gone.txt",
		RelPath:      "gone.txt",
		LastModified: 1700000000000,
		Size:         3,
		ETag:         "x",
	}

	t.Run("policy delete emits deleted", func(t *testing.T) {
		det, state := newTestDetector(t, blob.NewMemoryBackend(), nil)
		state.Upsert(entry)

		res, err := det.Detect(context.Background())
		require.NoError(t, err)
		require.Len(t, res.Changes, 1)
		assert.Equal(t, ChangeDeleted, res.Changes[0].Type)
		assert.Nil(t, res.Changes[0].Remote)
		assert.EqualValues(t, 1700000000000, res.Changes[0].PreviousLastModified)
	})

	t.Run("policy keep suppresses deleted", func(t *testing.T) {
		det, state := newTestDetector(t, blob.NewMemoryBackend(), func(c *DownloadConfig) {
			c.DeletedPolicy = DeletedKeep
		})
		state.Upsert(entry)

		res, err := det.Detect(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.Changes)
	})
}

func TestDetectorSkipsMarkersAndIgnored(t *testing.T) {
	backend := blob.NewMemoryBackend()
	putRemote(t, backend, "docs/", "")
	putRemote(t, backend, "node_modules/pkg/index.js", "x")
	putRemote(t, backend, "real.txt", "x")

	det, _ := newTestDetector(t, backend, nil)
	res, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, RelPath("real.txt"), res.Changes[0].Path)
}

func TestDetectorPaginationCap(t *testing.T) {
	backend := blob.NewMemoryBackend()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		putRemote(t, backend, name, "x")
	}

	det, state := newTestDetector(t, backend, func(c *DownloadConfig) {
		c.MaxListPages = 1
		c.ListPageSize = 1
	})
	// a tracked entry absent from the partial listing must not be deleted
	state.Upsert(&SyncStateEntry{Key: testUser + "/hq/z.txt", RelPath: "z.txt", ETag: "e"})

	res, err := det.Detect(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, backend.ListCalls())
	assert.Equal(t, 1, res.Pages)
	assert.True(t, res.Truncated)
	for _, ch := range res.Changes {
		assert.NotEqual(t, ChangeDeleted, ch.Type)
	}
}
