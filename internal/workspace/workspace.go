// Package workspace lays out the local HQ directory: the synced tree plus the
// reserved files the engine keeps alongside it (sync state, trash, lock).
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/hqcloud/hqsync/internal/utils"
)

const (
	StateFileName = ".hq-sync-state.json"
	TrashDirName  = ".hq-trash"
	IgnoreFile    = ".hqignore"
	lockFile      = ".hq.lock"
)

var (
	ErrWorkspaceLocked = errors.New("hq directory locked by another process")
)

type Workspace struct {
	Owner     string
	Root      string
	StateFile string
	TrashDir  string

	flock *flock.Flock
}

func NewWorkspace(rootDir string, owner string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", rootDir, err)
	}

	return &Workspace{
		Owner:     owner,
		Root:      root,
		StateFile: filepath.Join(root, StateFileName),
		TrashDir:  filepath.Join(root, TrashDirName),
		flock:     flock.New(filepath.Join(root, lockFile)),
	}, nil
}

// Lock takes the single-instance lock so two agents cannot sync one root.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.Root); err != nil {
		return fmt.Errorf("create directory %s: %w", w.Root, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock hq directory: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock hq directory: %w", err)
	}
	return os.Remove(w.flock.Path())
}

func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}
	slog.Info("workspace", "root", w.Root, "owner", w.Owner)
	return nil
}

// AbsPath maps a canonical relative path into the root.
func (w *Workspace) AbsPath(relPath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(relPath))
}

// RelPath maps an absolute path under the root back to canonical form
// (forward slashes, no leading slash).
func (w *Workspace) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s escapes hq root", absPath)
	}
	return strings.TrimLeft(rel, "/"), nil
}

// TrashPath maps a relative path to its destination under the trash dir.
func (w *Workspace) TrashPath(relPath string) string {
	return filepath.Join(w.TrashDir, filepath.FromSlash(relPath))
}
