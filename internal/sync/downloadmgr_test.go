package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqcloud/hqsync/internal/blob"
)

func newTestManager(t *testing.T, backend *blob.MemoryBackend, mutate func(*DownloadConfig)) (*DownloadManager, *SyncState, string) {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultDownloadConfig(testUser, root)
	cfg.StateFilePath = filepath.Join(root, ".hq-sync-state.json")
	cfg.TrashDir = filepath.Join(root, ".hq-trash")
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	state := NewSyncState(cfg.StateFilePath, testUser)
	hasher, err := NewHasher(HashAlgoSHA256)
	require.NoError(t, err)
	ignore := NewIgnore()

	detector := NewChangeDetector(cfg, backend, ignore, state)
	downloader := NewDownloader(cfg, backend, state, hasher)
	mgr, err := NewDownloadManager(cfg, detector, downloader, state)
	require.NoError(t, err)
	return mgr, state, root
}

// First-run pull: an empty local dir against one remote object.
func TestManagerFirstRunPull(t *testing.T) {
	backend := blob.NewMemoryBackend()
	putRemote(t, backend, "a.txt", "A")

	mgr, state, root := newTestManager(t, backend, nil)
	res := mgr.PollOnce(context.Background())

	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Changes)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 0, res.Failed)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))

	entry, ok := state.Get("a.txt")
	require.True(t, ok)
	assert.NotEmpty(t, entry.ETag)

	stats := mgr.Stats()
	assert.EqualValues(t, 1, stats.TotalFilesDownloaded)
	assert.EqualValues(t, 1, stats.PollCyclesCompleted)
	assert.Equal(t, 1, stats.TrackedFiles)
	assert.False(t, stats.LastPollAt.IsZero())
}

// Deletion policy trash: tracked entry, remote gone, local file present.
func TestManagerDeletionToTrash(t *testing.T) {
	backend := blob.NewMemoryBackend()
	mgr, state, root := newTestManager(t, backend, func(c *DownloadConfig) {
		c.DeletedPolicy = DeletedTrash
	})

	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.txt"), []byte("bye"), 0o644))
	state.Upsert(&SyncStateEntry{Key: testUser + "/hq/gone.txt", RelPath: "gone.txt", ETag: "e"})

	res := mgr.PollOnce(context.Background())
	assert.Equal(t, 1, res.Deleted)
	assert.NoFileExists(t, filepath.Join(root, "gone.txt"))
	data, err := os.ReadFile(filepath.Join(root, ".hq-trash", "gone.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))

	_, ok := state.Get("gone.txt")
	assert.False(t, ok)
}

func TestManagerIdleCycleStillRecordsPoll(t *testing.T) {
	backend := blob.NewMemoryBackend()
	mgr, state, _ := newTestManager(t, backend, nil)

	require.True(t, state.LastPollAt().IsZero())
	res := mgr.PollOnce(context.Background())
	assert.Equal(t, 0, res.Changes)

	// poll recorded and state persisted even with nothing to do
	assert.False(t, state.LastPollAt().IsZero())
	assert.FileExists(t, state.Path())
}

func TestManagerSingleCycleInFlight(t *testing.T) {
	backend := blob.NewMemoryBackend()
	block := make(chan struct{})
	entered := make(chan struct{})
	var once bool
	backend.ListFault = func() error {
		if !once {
			once = true
			close(entered)
			<-block
		}
		return nil
	}

	mgr, _, _ := newTestManager(t, backend, nil)

	done := make(chan PollResult, 1)
	go func() { done <- mgr.PollOnce(context.Background()) }()
	<-entered

	skipped := mgr.PollOnce(context.Background())
	assert.True(t, skipped.Skipped)

	close(block)
	first := <-done
	assert.False(t, first.Skipped)

	// with the first cycle finished, polling works again
	res := mgr.PollOnce(context.Background())
	assert.False(t, res.Skipped)
}

func TestManagerDetectorErrorCounts(t *testing.T) {
	backend := blob.NewMemoryBackend()
	backend.ListFault = func() error { return assert.AnError }

	mgr, _, _ := newTestManager(t, backend, nil)
	res := mgr.PollOnce(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.EqualValues(t, 1, mgr.Stats().TotalErrors)
}

func TestManagerResetState(t *testing.T) {
	backend := blob.NewMemoryBackend()
	putRemote(t, backend, "a.txt", "A")

	mgr, state, _ := newTestManager(t, backend, nil)
	mgr.PollOnce(context.Background())
	require.Equal(t, 1, state.Len())

	require.NoError(t, mgr.ResetState())
	assert.Equal(t, 0, state.Len())

	// next cycle re-detects everything as added
	res := mgr.PollOnce(context.Background())
	assert.Equal(t, 1, res.Changes)
}

func TestManagerPollingLoop(t *testing.T) {
	backend := blob.NewMemoryBackend()
	putRemote(t, backend, "a.txt", "A")

	mgr, _, root := newTestManager(t, backend, nil)
	var cycles []PollResult
	mgr.OnCycle(func(r PollResult) { cycles = append(cycles, r) })

	mgr.StartPolling(context.Background())
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "a.txt"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	mgr.StopPolling()
	assert.False(t, mgr.Stats().IsPolling)
	assert.NotEmpty(t, cycles)

	// idempotent
	mgr.StopPolling()
}
