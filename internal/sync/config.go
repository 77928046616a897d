package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hqcloud/hqsync/internal/version"
)

const (
	DefaultSyncInterval   = 5 * time.Second
	DefaultBatchSize      = 100
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxQueueSize   = 10000
	DefaultDebounceWindow = 200 * time.Millisecond
	DefaultRescanInterval = 5 * time.Minute

	DefaultMultipartThreshold   = 5 * 1024 * 1024
	DefaultMultipartPartSize    = 5 * 1024 * 1024
	DefaultMaxConcurrentUploads = 5

	DefaultPollInterval           = 30 * time.Second
	MinPollInterval               = 5 * time.Second
	MaxPollInterval               = time.Hour
	DefaultMaxConcurrentDownloads = 5
	MinConcurrentDownloads        = 1
	MaxConcurrentDownloads        = 50
	DefaultMaxListPages           = 100

	DefaultConflictSuffix  = ".conflict"
	DefaultMaxRecentErrors = 50
)

// DeletedPolicy says what happens locally when a tracked remote object
// disappears.
type DeletedPolicy string

const (
	DeletedKeep   DeletedPolicy = "keep"
	DeletedDelete DeletedPolicy = "delete"
	DeletedTrash  DeletedPolicy = "trash"
)

func (p DeletedPolicy) valid() bool {
	switch p {
	case DeletedKeep, DeletedDelete, DeletedTrash:
		return true
	}
	return false
}

// DaemonConfig drives the upload-side daemon loop.
type DaemonConfig struct {
	RootDir         string        `mapstructure:"root_dir"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	EnableDeletions bool          `mapstructure:"enable_deletions"`
	ExcludePatterns []string      `mapstructure:"exclude_patterns"`
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxQueueSize    int           `mapstructure:"max_queue_size"`
	SyncOnStart     bool          `mapstructure:"sync_on_start"`
	DebounceWindow  time.Duration `mapstructure:"debounce_window"`
	RescanInterval  time.Duration `mapstructure:"rescan_interval"`
}

func DefaultDaemonConfig(rootDir string) *DaemonConfig {
	return &DaemonConfig{
		RootDir:         rootDir,
		SyncInterval:    DefaultSyncInterval,
		BatchSize:       DefaultBatchSize,
		EnableDeletions: true,
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		MaxQueueSize:    DefaultMaxQueueSize,
		SyncOnStart:     true,
		DebounceWindow:  DefaultDebounceWindow,
		RescanInterval:  DefaultRescanInterval,
	}
}

func (c *DaemonConfig) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = DefaultRescanInterval
	}
}

func (c *DaemonConfig) Validate() error {
	c.applyDefaults()
	var errs []error
	if c.RootDir == "" {
		errs = append(errs, errors.New("daemon: root_dir required"))
	}
	return errors.Join(errs...)
}

// UploaderConfig drives local-to-remote transfers.
type UploaderConfig struct {
	UserID             string        `mapstructure:"user_id"`
	RootDir            string        `mapstructure:"root_dir"`
	HashAlgorithm      string        `mapstructure:"hash_algorithm"`
	MultipartThreshold int64         `mapstructure:"multipart_threshold"`
	MultipartPartSize  int64         `mapstructure:"multipart_part_size"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	MetadataPrefix     string        `mapstructure:"metadata_prefix"`
	AgentVersion       string        `mapstructure:"agent_version"`
	UploadTimeout      time.Duration `mapstructure:"upload_timeout"`
}

func DefaultUploaderConfig(userID, rootDir string) *UploaderConfig {
	return &UploaderConfig{
		UserID:             userID,
		RootDir:            rootDir,
		HashAlgorithm:      HashAlgoSHA256,
		MultipartThreshold: DefaultMultipartThreshold,
		MultipartPartSize:  DefaultMultipartPartSize,
		MaxConcurrent:      DefaultMaxConcurrentUploads,
		AgentVersion:       version.Version,
	}
}

func (c *UploaderConfig) applyDefaults() {
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = HashAlgoSHA256
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.MultipartPartSize <= 0 {
		c.MultipartPartSize = DefaultMultipartPartSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrentUploads
	}
	if c.AgentVersion == "" {
		c.AgentVersion = version.Version
	}
}

func (c *UploaderConfig) Validate() error {
	c.applyDefaults()
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("uploader: user_id required"))
	}
	if c.RootDir == "" {
		errs = append(errs, errors.New("uploader: root_dir required"))
	}
	if c.HashAlgorithm != HashAlgoSHA256 && c.HashAlgorithm != HashAlgoSHA1 {
		errs = append(errs, fmt.Errorf("uploader: unsupported hash_algorithm %q", c.HashAlgorithm))
	}
	return errors.Join(errs...)
}

// DownloadConfig drives remote-to-local polling.
type DownloadConfig struct {
	UserID             string        `mapstructure:"user_id"`
	RootDir            string        `mapstructure:"root_dir"`
	Prefix             string        `mapstructure:"prefix"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	DeletedPolicy      DeletedPolicy `mapstructure:"deleted_policy"`
	TrashDir           string        `mapstructure:"trash_dir"`
	StateFilePath      string        `mapstructure:"state_file"`
	ExcludePatterns    []string      `mapstructure:"exclude_patterns"`
	PreserveTimestamps bool          `mapstructure:"preserve_timestamps"`
	MaxListPages       int           `mapstructure:"max_list_pages"`
	ListPageSize       int32         `mapstructure:"list_page_size"`   // 0 = store default
	ListTimeout        time.Duration `mapstructure:"list_timeout"`     // 0 = none
	DownloadTimeout    time.Duration `mapstructure:"download_timeout"` // 0 = none
}

func DefaultDownloadConfig(userID, rootDir string) *DownloadConfig {
	return &DownloadConfig{
		UserID:             userID,
		RootDir:            rootDir,
		Prefix:             KeyPrefix(userID),
		PollInterval:       DefaultPollInterval,
		MaxConcurrent:      DefaultMaxConcurrentDownloads,
		DeletedPolicy:      DeletedDelete,
		PreserveTimestamps: true,
		MaxListPages:       DefaultMaxListPages,
	}
}

// applyDefaults also clamps numeric ranges; out-of-range values are legal
// input, just noisy.
func (c *DownloadConfig) applyDefaults() {
	if c.Prefix == "" && c.UserID != "" {
		c.Prefix = KeyPrefix(c.UserID)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < MinPollInterval {
		slog.Warn("poll_interval below minimum, clamping", "value", c.PollInterval, "min", MinPollInterval)
		c.PollInterval = MinPollInterval
	}
	if c.PollInterval > MaxPollInterval {
		slog.Warn("poll_interval above maximum, clamping", "value", c.PollInterval, "max", MaxPollInterval)
		c.PollInterval = MaxPollInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrentDownloads
	}
	if c.MaxConcurrent < MinConcurrentDownloads {
		c.MaxConcurrent = MinConcurrentDownloads
	}
	if c.MaxConcurrent > MaxConcurrentDownloads {
		slog.Warn("max_concurrent above maximum, clamping", "value", c.MaxConcurrent, "max", MaxConcurrentDownloads)
		c.MaxConcurrent = MaxConcurrentDownloads
	}
	if c.DeletedPolicy == "" {
		c.DeletedPolicy = DeletedDelete
	}
	if c.MaxListPages <= 0 {
		c.MaxListPages = DefaultMaxListPages
	}
}

func (c *DownloadConfig) Validate() error {
	c.applyDefaults()
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("download: user_id required"))
	}
	if c.RootDir == "" {
		errs = append(errs, errors.New("download: root_dir required"))
	}
	if c.StateFilePath == "" {
		errs = append(errs, errors.New("download: state_file required"))
	}
	if !c.DeletedPolicy.valid() {
		errs = append(errs, fmt.Errorf("download: invalid deleted_policy %q", c.DeletedPolicy))
	}
	if c.DeletedPolicy == DeletedTrash && c.TrashDir == "" {
		errs = append(errs, errors.New("download: trash_dir required when deleted_policy=trash"))
	}
	return errors.Join(errs...)
}

// ConflictStrategy decides who wins when both sides changed a file.
type ConflictStrategy string

const (
	StrategyKeepBoth   ConflictStrategy = "keep_both"
	StrategyLocalWins  ConflictStrategy = "local_wins"
	StrategyRemoteWins ConflictStrategy = "remote_wins"
	StrategyManual     ConflictStrategy = "manual"
)

func (s ConflictStrategy) valid() bool {
	switch s {
	case StrategyKeepBoth, StrategyLocalWins, StrategyRemoteWins, StrategyManual:
		return true
	}
	return false
}

// StrategyOverride binds a glob to a strategy. The last matching override
// wins.
type StrategyOverride struct {
	Glob     string           `mapstructure:"glob" yaml:"glob"`
	Strategy ConflictStrategy `mapstructure:"strategy" yaml:"strategy"`
}

type ConflictConfig struct {
	DefaultStrategy        ConflictStrategy   `mapstructure:"default_strategy"`
	StrategyOverrides      []StrategyOverride `mapstructure:"overrides"`
	ConflictSuffix         string             `mapstructure:"conflict_suffix"`
	TimestampConflictFiles bool               `mapstructure:"timestamp_conflict_files"`
	LogPath                string             `mapstructure:"log_path"` // empty = in-memory
	MaxLogEntries          int                `mapstructure:"max_log_entries"`
}

func DefaultConflictConfig() *ConflictConfig {
	return &ConflictConfig{
		DefaultStrategy:        StrategyKeepBoth,
		ConflictSuffix:         DefaultConflictSuffix,
		TimestampConflictFiles: true,
		MaxLogEntries:          1000,
	}
}

func (c *ConflictConfig) applyDefaults() {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = StrategyKeepBoth
	}
	if c.ConflictSuffix == "" {
		c.ConflictSuffix = DefaultConflictSuffix
	}
	if c.MaxLogEntries <= 0 {
		c.MaxLogEntries = 1000
	}
}

func (c *ConflictConfig) Validate() error {
	c.applyDefaults()
	var errs []error
	if !c.DefaultStrategy.valid() {
		errs = append(errs, fmt.Errorf("conflict: invalid default_strategy %q", c.DefaultStrategy))
	}
	for _, ov := range c.StrategyOverrides {
		if ov.Glob == "" {
			errs = append(errs, errors.New("conflict: override with empty glob"))
		}
		if !ov.Strategy.valid() {
			errs = append(errs, fmt.Errorf("conflict: invalid strategy %q for glob %q", ov.Strategy, ov.Glob))
		}
	}
	return errors.Join(errs...)
}

type StatusConfig struct {
	MaxRecentErrors int `mapstructure:"max_recent_errors"`
}

func (c *StatusConfig) applyDefaults() {
	if c.MaxRecentErrors <= 0 {
		c.MaxRecentErrors = DefaultMaxRecentErrors
	}
}

// ApplyEnvOverrides maps the documented environment variables onto a
// download config. lookup defaults to os.LookupEnv; tests inject their own.
func (c *DownloadConfig) ApplyEnvOverrides(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("HQ_USER_ID"); ok && v != "" {
		c.UserID = v
		c.Prefix = KeyPrefix(v)
	}
	if v, ok := lookup("HQ_DIR"); ok && v != "" {
		c.RootDir = v
	}
	if v, ok := lookup("HQ_DOWNLOAD_POLL_INTERVAL_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil {
			c.PollInterval = time.Duration(ms) * time.Millisecond
		} else {
			slog.Warn("bad HQ_DOWNLOAD_POLL_INTERVAL_MS, ignoring", "value", v)
		}
	}
	if v, ok := lookup("HQ_DOWNLOAD_MAX_CONCURRENT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrent = n
		} else {
			slog.Warn("bad HQ_DOWNLOAD_MAX_CONCURRENT, ignoring", "value", v)
		}
	}
	if v, ok := lookup("HQ_DOWNLOAD_DELETED_POLICY"); ok && v != "" {
		c.DeletedPolicy = DeletedPolicy(v)
	}
	if v, ok := lookup("HQ_DOWNLOAD_TRASH_DIR"); ok && v != "" {
		c.TrashDir = v
	}
	if v, ok := lookup("HQ_DOWNLOAD_STATE_FILE"); ok && v != "" {
		c.StateFilePath = v
	}
	if v, ok := lookup("HQ_DOWNLOAD_EXCLUDE"); ok && v != "" {
		var patterns []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		c.ExcludePatterns = patterns
	}
}
