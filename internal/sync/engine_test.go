package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqcloud/hqsync/internal/blob"
	"github.com/hqcloud/hqsync/internal/workspace"
)

func newTestEngine(t *testing.T, backend *blob.MemoryBackend, root string) *Engine {
	t.Helper()
	cfg := DefaultEngineConfig(testUser, root)
	cfg.Daemon.SyncInterval = 50 * time.Millisecond
	cfg.Daemon.DebounceWindow = 10 * time.Millisecond
	cfg.Daemon.SyncOnStart = false

	e, err := NewEngine(cfg, backend)
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })
	return e
}

// Two engines on the same user and store: a file written in one root
// comes back byte-identical in the other, and a local delete propagates.
func TestEngineRoundTrip(t *testing.T) {
	backend := blob.NewMemoryBackend()
	rootA, rootB := t.TempDir(), t.TempDir()

	a := newTestEngine(t, backend, rootA)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(rootA, "note.txt"), []byte("round trip"), 0o644))
	key := testUser + "/hq/note.txt"
	require.Eventually(t, func() bool { return backend.Exists(key) },
		3*time.Second, 10*time.Millisecond)

	b := newTestEngine(t, backend, rootB)
	require.NoError(t, b.Start(context.Background()))

	// the poll loop runs its first cycle immediately on start
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(rootB, "note.txt"))
		return err == nil && string(data) == "round trip"
	}, 3*time.Second, 10*time.Millisecond)

	// deleting in A removes the remote object, and B follows on its next poll
	require.NoError(t, os.Remove(filepath.Join(rootA, "note.txt")))
	require.Eventually(t, func() bool { return !backend.Exists(key) },
		3*time.Second, 10*time.Millisecond)

	// retried because a background cycle may hold the poll lock
	require.Eventually(t, func() bool {
		b.PollOnce(context.Background())
		_, err := os.Stat(filepath.Join(rootB, "note.txt"))
		return os.IsNotExist(err)
	}, 3*time.Second, 20*time.Millisecond)
}

// Both sides change a synced file: keep_both renames the local copy to a
// conflict file and lets the remote version take the original name.
func TestEngineConflictKeepBoth(t *testing.T) {
	backend := blob.NewMemoryBackend()
	root := t.TempDir()

	e := newTestEngine(t, backend, root)
	require.NoError(t, e.Start(context.Background()))

	abs := filepath.Join(root, "doc.txt")
	require.NoError(t, os.WriteFile(abs, []byte("v1"), 0o644))
	require.Eventually(t, func() bool {
		entry, ok := e.state.Get("doc.txt")
		return ok && entry.Hash != ""
	}, 3*time.Second, 10*time.Millisecond)

	// hold uploads so the local edit stays unsynced
	require.NoError(t, e.Daemon().Pause())
	require.NoError(t, os.WriteFile(abs, []byte("local v2"), 0o644))
	putRemote(t, backend, "doc.txt", "remote v2")

	res := e.PollOnce(context.Background())
	require.Equal(t, 1, res.Downloaded)

	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "remote v2", string(data))

	matches, err := filepath.Glob(filepath.Join(root, "doc.*.conflict.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	saved, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "local v2", string(saved))

	conflicts, err := e.Conflicts().Recent(1)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, RelPath("doc.txt"), conflicts[0].Path)
	assert.Equal(t, ConflictResolved, conflicts[0].Status)
	assert.Equal(t, StrategyKeepBoth, conflicts[0].Strategy)
}

func TestEngineSecondInstanceCannotLockRoot(t *testing.T) {
	backend := blob.NewMemoryBackend()
	root := t.TempDir()

	first := newTestEngine(t, backend, root)
	require.NoError(t, first.Start(context.Background()))

	second := newTestEngine(t, backend, root)
	assert.ErrorIs(t, second.Start(context.Background()), workspace.ErrWorkspaceLocked)

	require.NoError(t, first.Stop())
	require.NoError(t, second.Start(context.Background()))
}

func TestEngineStatusAndTrigger(t *testing.T) {
	backend := blob.NewMemoryBackend()
	e := newTestEngine(t, backend, t.TempDir())
	require.NoError(t, e.Start(context.Background()))

	st := e.Status()
	assert.Equal(t, DaemonRunning, st.DaemonState)
	assert.Equal(t, HealthHealthy, st.Health)
	assert.True(t, st.Download.IsPolling)

	res := e.TriggerSync()
	assert.True(t, res.Accepted)

	require.NoError(t, e.Stop())
	assert.Equal(t, HealthOffline, e.status.Snapshot().Health)

	rejected := e.TriggerSync()
	assert.False(t, rejected.Accepted)
}

func TestEngineStopPersistsState(t *testing.T) {
	backend := blob.NewMemoryBackend()
	root := t.TempDir()
	e := newTestEngine(t, backend, root)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))
	require.Eventually(t, func() bool {
		_, ok := e.state.Get("keep.txt")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop())
	assert.FileExists(t, filepath.Join(root, workspace.StateFileName))
	assert.NoFileExists(t, filepath.Join(root, ".hq.lock"))

	// stop again is a no-op
	require.NoError(t, e.Stop())
}

// Keys that cannot map back under the root are skipped, never written
// outside it.
func TestEngineIgnoresTraversalKeys(t *testing.T) {
	backend := blob.NewMemoryBackend()
	_, err := backend.PutObject(context.Background(), &blob.PutObjectParams{
		Key:  testUser + "/hq/../../evil.txt",
		Body: strings.NewReader("boom"),
	})
	require.NoError(t, err)

	root := t.TempDir()
	e := newTestEngine(t, backend, root)
	require.NoError(t, e.Start(context.Background()))

	res := e.PollOnce(context.Background())
	assert.Equal(t, 0, res.Changes)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(root)), "evil.txt"))
}
