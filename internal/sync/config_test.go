package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonConfigDefaults(t *testing.T) {
	cfg := DefaultDaemonConfig("/tmp/hq")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.True(t, cfg.EnableDeletions)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 10000, cfg.MaxQueueSize)
	assert.True(t, cfg.SyncOnStart)
}

func TestDaemonConfigMissingRoot(t *testing.T) {
	cfg := &DaemonConfig{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root_dir")
}

func TestUploaderConfigDefaults(t *testing.T) {
	cfg := DefaultUploaderConfig("alice@example.com", "/tmp/hq")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, HashAlgoSHA256, cfg.HashAlgorithm)
	assert.Equal(t, int64(5*1024*1024), cfg.MultipartThreshold)
	assert.Equal(t, int64(5*1024*1024), cfg.MultipartPartSize)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.NotEmpty(t, cfg.AgentVersion)
}

func TestUploaderConfigRejectsUnknownHash(t *testing.T) {
	cfg := DefaultUploaderConfig("alice@example.com", "/tmp/hq")
	cfg.HashAlgorithm = "md5"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash_algorithm")
}

func TestDownloadConfigDefaults(t *testing.T) {
	cfg := DefaultDownloadConfig("alice@example.com", "/tmp/hq")
	cfg.StateFilePath = "/tmp/hq/.hq-sync-state.json"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "alice@example.com/hq/", cfg.Prefix)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, DeletedDelete, cfg.DeletedPolicy)
	assert.True(t, cfg.PreserveTimestamps)
	assert.Equal(t, 100, cfg.MaxListPages)
}

func TestDownloadConfigClampsRanges(t *testing.T) {
	cfg := DefaultDownloadConfig("alice@example.com", "/tmp/hq")
	cfg.StateFilePath = "/tmp/state.json"
	cfg.PollInterval = time.Second
	cfg.MaxConcurrent = 500
	require.NoError(t, cfg.Validate())
	assert.Equal(t, MinPollInterval, cfg.PollInterval)
	assert.Equal(t, MaxConcurrentDownloads, cfg.MaxConcurrent)

	cfg.PollInterval = 48 * time.Hour
	require.NoError(t, cfg.Validate())
	assert.Equal(t, MaxPollInterval, cfg.PollInterval)
}

func TestDownloadConfigAccumulatesErrors(t *testing.T) {
	cfg := &DownloadConfig{DeletedPolicy: "shred"}
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "user_id")
	assert.Contains(t, msg, "root_dir")
	assert.Contains(t, msg, "state_file")
	assert.Contains(t, msg, "deleted_policy")
}

func TestDownloadConfigTrashRequiresDir(t *testing.T) {
	cfg := DefaultDownloadConfig("alice@example.com", "/tmp/hq")
	cfg.StateFilePath = "/tmp/state.json"
	cfg.DeletedPolicy = DeletedTrash
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trash_dir")

	cfg.TrashDir = "/tmp/hq/.hq-trash"
	require.NoError(t, cfg.Validate())
}

func TestDownloadConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"HQ_USER_ID":                   "bob@example.com",
		"HQ_DIR":                       "/srv/hq",
		"HQ_DOWNLOAD_POLL_INTERVAL_MS": "60000",
		"HQ_DOWNLOAD_MAX_CONCURRENT":   "8",
		"HQ_DOWNLOAD_DELETED_POLICY":   "trash",
		"HQ_DOWNLOAD_TRASH_DIR":        "/srv/hq/.hq-trash",
		"HQ_DOWNLOAD_STATE_FILE":       "/srv/hq/.hq-sync-state.json",
		"HQ_DOWNLOAD_EXCLUDE":          "*.tmp, logs/ ,node_modules/",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := DefaultDownloadConfig("alice@example.com", "/tmp/hq")
	cfg.ApplyEnvOverrides(lookup)

	assert.Equal(t, "bob@example.com", cfg.UserID)
	assert.Equal(t, "bob@example.com/hq/", cfg.Prefix)
	assert.Equal(t, "/srv/hq", cfg.RootDir)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, DeletedTrash, cfg.DeletedPolicy)
	assert.Equal(t, "/srv/hq/.hq-trash", cfg.TrashDir)
	assert.Equal(t, "/srv/hq/.hq-sync-state.json", cfg.StateFilePath)
	assert.Equal(t, []string{"*.tmp", "logs/", "node_modules/"}, cfg.ExcludePatterns)
	require.NoError(t, cfg.Validate())
}

func TestDownloadConfigEnvBadNumbersIgnored(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "HQ_DOWNLOAD_POLL_INTERVAL_MS" {
			return "soon", true
		}
		return "", false
	}
	cfg := DefaultDownloadConfig("alice@example.com", "/tmp/hq")
	cfg.ApplyEnvOverrides(lookup)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

func TestConflictConfigDefaults(t *testing.T) {
	cfg := DefaultConflictConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StrategyKeepBoth, cfg.DefaultStrategy)
	assert.Equal(t, ".conflict", cfg.ConflictSuffix)
	assert.True(t, cfg.TimestampConflictFiles)
}

func TestConflictConfigRejectsBadOverrides(t *testing.T) {
	cfg := DefaultConflictConfig()
	cfg.StrategyOverrides = []StrategyOverride{
		{Glob: "*.md", Strategy: "newest_wins"},
		{Glob: "", Strategy: StrategyManual},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newest_wins")
	assert.Contains(t, err.Error(), "empty glob")
}
