package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hqcloud/hqsync/internal/utils"
)

// ConflictStatus tracks a conflict through its lifecycle.
type ConflictStatus string

const (
	ConflictDetected ConflictStatus = "detected"
	ConflictResolved ConflictStatus = "resolved"
	ConflictDeferred ConflictStatus = "deferred"
)

// ConflictLocal is the local side of a diverged file.
type ConflictLocal struct {
	Hash           string
	LastSyncedHash string
	Size           int64
	ModTime        time.Time
}

// ConflictRemote is the remote side of a diverged file.
type ConflictRemote struct {
	Key            string
	ETag           string
	LastSyncedETag string
	Hash           string // empty unless the store exposed a content hash
	Size           int64
	ModTime        time.Time
}

// SyncConflict records one local-and-remote divergence of a path.
type SyncConflict struct {
	ID               string
	Path             RelPath
	Local            ConflictLocal
	Remote           ConflictRemote
	Status           ConflictStatus
	Strategy         ConflictStrategy
	DetectedAt       time.Time
	ResolvedAt       time.Time
	ConflictFilePath string
}

// ConflictCheck is the evidence gathered for one path before a download.
// Empty LastSynced values mean the path was never synced; the conflict
// definition treats that as changed.
type ConflictCheck struct {
	Path           RelPath
	LocalHash      string
	RemoteHash     string
	RemoteETag     string
	LastSyncedHash string
	LastSyncedETag string
	LocalSize      int64
	RemoteSize     int64
	LocalModTime   time.Time
	RemoteModTime  time.Time
	RemoteKey      string
}

// ConflictDetector decides whether both sides of a path changed since its
// last sync, and which strategy applies.
type ConflictDetector struct {
	cfg *ConflictConfig
}

func NewConflictDetector(cfg *ConflictConfig) (*ConflictDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConflictDetector{cfg: cfg}, nil
}

// Check returns a conflict when both the local and the remote copy changed
// since the last sync, nil otherwise.
func (d *ConflictDetector) Check(in *ConflictCheck) *SyncConflict {
	localChanged := in.LastSyncedHash == "" || in.LocalHash != in.LastSyncedHash
	remoteChanged := in.LastSyncedETag == "" ||
		in.RemoteETag != in.LastSyncedETag ||
		(in.RemoteHash != "" && in.LastSyncedHash != "" && in.RemoteHash != in.LastSyncedHash)

	if !localChanged || !remoteChanged {
		return nil
	}

	return &SyncConflict{
		ID:   uuid.NewString(),
		Path: in.Path,
		Local: ConflictLocal{
			Hash:           in.LocalHash,
			LastSyncedHash: in.LastSyncedHash,
			Size:           in.LocalSize,
			ModTime:        in.LocalModTime,
		},
		Remote: ConflictRemote{
			Key:            in.RemoteKey,
			ETag:           in.RemoteETag,
			LastSyncedETag: in.LastSyncedETag,
			Hash:           in.RemoteHash,
			Size:           in.RemoteSize,
			ModTime:        in.RemoteModTime,
		},
		Status:     ConflictDetected,
		Strategy:   d.StrategyFor(in.Path),
		DetectedAt: time.Now(),
	}
}

// StrategyFor picks the strategy for rel: the last matching override glob
// wins, else the configured default.
func (d *ConflictDetector) StrategyFor(rel RelPath) ConflictStrategy {
	strategy := d.cfg.DefaultStrategy
	for _, ov := range d.cfg.StrategyOverrides {
		if ok, err := doublestar.Match(ov.Glob, string(rel)); err == nil && ok {
			strategy = ov.Strategy
		}
	}
	return strategy
}

// ConflictFileName derives the keep-both rename target for rel:
// {stem}.{unixMillis}.conflict{.ext}, the timestamp segment dropped when
// timestamping is off.
func (d *ConflictDetector) ConflictFileName(rel RelPath, at time.Time) RelPath {
	dir, base := path.Split(string(rel))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	parts := []string{stem}
	if d.cfg.TimestampConflictFiles {
		parts = append(parts, strconv.FormatInt(at.UnixMilli(), 10))
	}
	name := strings.Join(parts, ".") + d.cfg.ConflictSuffix + ext
	return RelPath(dir + name)
}

// ConflictResolver applies a conflict's strategy to the local filesystem and
// records the outcome in the log. Resolving the same conflict ID twice is a
// no-op.
type ConflictResolver struct {
	detector *ConflictDetector
	rootDir  string
	log      *ConflictLog
}

func NewConflictResolver(detector *ConflictDetector, rootDir string, log *ConflictLog) *ConflictResolver {
	return &ConflictResolver{detector: detector, rootDir: rootDir, log: log}
}

// Resolve performs the filesystem action for c's strategy and stamps its
// status. The caller (downloader) still owns the download decision; Resolve
// only prepares the local side.
func (r *ConflictResolver) Resolve(c *SyncConflict) error {
	if prev, err := r.log.Get(c.ID); err == nil && prev != nil && prev.Status != ConflictDetected {
		c.Status = prev.Status
		c.ResolvedAt = prev.ResolvedAt
		c.ConflictFilePath = prev.ConflictFilePath
		return nil
	}

	switch c.Strategy {
	case StrategyKeepBoth:
		target := r.detector.ConflictFileName(c.Path, c.DetectedAt)
		abs := filepath.Join(r.rootDir, filepath.FromSlash(string(c.Path)))
		absTarget := filepath.Join(r.rootDir, filepath.FromSlash(string(target)))
		if utils.FileExists(abs) {
			if err := os.Rename(abs, absTarget); err != nil {
				return fmt.Errorf("rename conflicted copy: %w", err)
			}
		}
		c.ConflictFilePath = string(target)
		c.Status = ConflictResolved
		c.ResolvedAt = time.Now()

	case StrategyLocalWins, StrategyRemoteWins:
		c.Status = ConflictResolved
		c.ResolvedAt = time.Now()

	case StrategyManual:
		c.Status = ConflictDeferred

	default:
		return fmt.Errorf("unknown conflict strategy %q", c.Strategy)
	}

	slog.Info("conflict", "path", c.Path, "strategy", c.Strategy, "status", c.Status,
		"renamed_to", c.ConflictFilePath)
	if err := r.log.Record(c); err != nil {
		slog.Error("conflict log write", "path", c.Path, "error", err)
	}
	return nil
}

// conflictPolicyFile is the optional per-root policy at
// {root}/.hqconflict.yaml.
type conflictPolicyFile struct {
	DefaultStrategy ConflictStrategy   `yaml:"default_strategy"`
	Overrides       []StrategyOverride `yaml:"overrides"`
}

const ConflictPolicyFile = ".hqconflict.yaml"

// LoadConflictPolicy merges the root's policy file over cfg. A missing file
// leaves cfg untouched; a malformed one is an error.
func LoadConflictPolicy(rootDir string, cfg *ConflictConfig) error {
	policyPath := filepath.Join(rootDir, ConflictPolicyFile)
	data, err := os.ReadFile(policyPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", policyPath, err)
	}

	var pf conflictPolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse %s: %w", policyPath, err)
	}

	if pf.DefaultStrategy != "" {
		cfg.DefaultStrategy = pf.DefaultStrategy
	}
	// Policy overrides append after config overrides, so the file wins under
	// last-match-wins.
	cfg.StrategyOverrides = append(cfg.StrategyOverrides, pf.Overrides...)

	slog.Info("loaded conflict policy", "path", policyPath,
		"default", cfg.DefaultStrategy, "overrides", len(pf.Overrides))
	return cfg.Validate()
}
