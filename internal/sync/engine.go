package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hqcloud/hqsync/internal/blob"
	"github.com/hqcloud/hqsync/internal/workspace"
)

const statsPublishInterval = 2 * time.Second

// EngineConfig bundles every component's configuration. Validation runs
// over all of them at construction; a single joined error reports every
// problem at once.
type EngineConfig struct {
	Daemon   *DaemonConfig   `mapstructure:"daemon"`
	Uploader *UploaderConfig `mapstructure:"uploader"`
	Download *DownloadConfig `mapstructure:"download"`
	Conflict *ConflictConfig `mapstructure:"conflict"`
	Status   *StatusConfig   `mapstructure:"status"`
}

// DefaultEngineConfig builds a full config for one user and root.
func DefaultEngineConfig(userID, rootDir string) *EngineConfig {
	return &EngineConfig{
		Daemon:   DefaultDaemonConfig(rootDir),
		Uploader: DefaultUploaderConfig(userID, rootDir),
		Download: DefaultDownloadConfig(userID, rootDir),
		Conflict: DefaultConflictConfig(),
		Status:   &StatusConfig{},
	}
}

// Engine wires the whole bidirectional pipeline: watcher, queue, uploader
// and daemon on the way up; detector, downloader and poll loop on the way
// down; conflicts and status across both.
type Engine struct {
	ws          *workspace.Workspace
	ignore      *Ignore
	state       *SyncState
	watcher     *Watcher
	daemon      *Daemon
	dlmgr       *DownloadManager
	conflictLog *ConflictLog
	status      *StatusAggregator

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewEngine validates cfg and builds every component against backend.
// Nothing touches the filesystem or the store until Start.
func NewEngine(cfg *EngineConfig, backend blob.Backend) (*Engine, error) {
	if cfg == nil || cfg.Daemon == nil || cfg.Uploader == nil || cfg.Download == nil {
		return nil, errors.New("engine: daemon, uploader and download configs are required")
	}
	if cfg.Conflict == nil {
		cfg.Conflict = DefaultConflictConfig()
	}
	if cfg.Status == nil {
		cfg.Status = &StatusConfig{}
	}

	ws, err := workspace.NewWorkspace(cfg.Daemon.RootDir, cfg.Uploader.UserID)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	// The reserved workspace locations fill any gaps before validation, so
	// a minimal config still passes.
	cfg.Daemon.RootDir = ws.Root
	cfg.Uploader.RootDir = ws.Root
	cfg.Download.RootDir = ws.Root
	if cfg.Download.StateFilePath == "" {
		cfg.Download.StateFilePath = ws.StateFile
	}
	if cfg.Download.DeletedPolicy == DeletedTrash && cfg.Download.TrashDir == "" {
		cfg.Download.TrashDir = ws.TrashDir
	}

	if err := errors.Join(
		cfg.Daemon.Validate(),
		cfg.Uploader.Validate(),
		cfg.Download.Validate(),
		cfg.Conflict.Validate(),
	); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	if err := LoadConflictPolicy(ws.Root, cfg.Conflict); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	ignoreLines, err := LoadIgnoreFile(ws.Root)
	if err != nil {
		slog.Warn("ignore file unreadable, using defaults", "error", err)
	}
	ignoreLines = append(ignoreLines, cfg.Daemon.ExcludePatterns...)
	ignoreLines = append(ignoreLines, cfg.Download.ExcludePatterns...)
	ignore := NewIgnore(ignoreLines...)

	state := NewSyncState(cfg.Download.StateFilePath, cfg.Uploader.UserID)

	hasher, err := NewHasher(cfg.Uploader.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	uploader, err := NewUploader(cfg.Uploader, backend)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	queue := NewEventQueue(cfg.Daemon.MaxQueueSize)
	watcher := NewWatcher(ws.Root, ignore, cfg.Daemon.DebounceWindow, cfg.Daemon.RescanInterval)

	daemon, err := NewDaemon(cfg.Daemon, watcher, queue, uploader, state, ignore)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	conflictDetector, err := NewConflictDetector(cfg.Conflict)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	conflictLog, err := NewConflictLog(cfg.Conflict.LogPath, cfg.Conflict.MaxLogEntries)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	resolver := NewConflictResolver(conflictDetector, ws.Root, conflictLog)

	changeDetector := NewChangeDetector(cfg.Download, backend, ignore, state)
	downloader := NewDownloader(cfg.Download, backend, state, hasher).
		WithConflicts(conflictDetector, resolver).
		WithSuppression(watcher.SuppressNext)

	dlmgr, err := NewDownloadManager(cfg.Download, changeDetector, downloader, state)
	if err != nil {
		conflictLog.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	status := NewStatusAggregator(cfg.Status)

	e := &Engine{
		ws:          ws,
		ignore:      ignore,
		state:       state,
		watcher:     watcher,
		daemon:      daemon,
		dlmgr:       dlmgr,
		conflictLog: conflictLog,
		status:      status,
	}

	// Per-file transfer progress lands in the status surface while a cycle
	// is running; between cycles the callback is a no-op.
	uploader.OnProgress(func(path RelPath, transferred, total int64) {
		status.UpdateProgress(func(p *SyncProgress) {
			p.CurrentFile = string(path)
			p.BytesTransferred = transferred
			p.BytesTotal = total
		})
	})

	dlmgr.OnCycle(func(res PollResult) {
		status.UpdateDownloadStats(dlmgr.Stats())
		for _, r := range res.Results {
			if r.Err != nil {
				status.AddError(SyncError{
					Direction: DirectionDownload,
					Code:      CodeDownloadFailed,
					Message:   r.Err.Error(),
					FilePath:  string(r.Change.Path),
				})
			}
		}
	})

	return e, nil
}

// Start locks the workspace, loads the state and brings both directions up.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyRunning
	}

	if err := e.ws.Setup(); err != nil {
		return err
	}
	if err := e.state.Load(); err != nil {
		e.ws.Unlock()
		return fmt.Errorf("load sync state: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.daemon.Start(ctx); err != nil {
		cancel()
		e.ws.Unlock()
		return err
	}
	e.dlmgr.StartPolling(ctx)

	e.wg.Add(2)
	go e.watchDaemonEvents(ctx)
	go e.publishStats(ctx)

	e.started = true
	return nil
}

// Stop winds both directions down and releases the workspace. Safe to call
// more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	e.dlmgr.StopPolling()
	err := e.daemon.Stop()
	e.cancel()
	e.wg.Wait()

	e.status.UpdateDaemonStats(e.daemon.Stats())
	e.status.UpdateDownloadStats(e.dlmgr.Stats())

	if cerr := e.conflictLog.Close(); cerr != nil {
		slog.Warn("conflict log close", "error", cerr)
	}
	if uerr := e.ws.Unlock(); uerr != nil {
		slog.Warn("workspace unlock", "error", uerr)
	}
	return err
}

// Status publishes fresh component stats and returns the merged snapshot.
func (e *Engine) Status() SyncStatus {
	e.status.UpdateDaemonStats(e.daemon.Stats())
	e.status.UpdateDownloadStats(e.dlmgr.Stats())
	return e.status.Snapshot()
}

// TriggerSync requests an immediate flush through the status gate.
func (e *Engine) TriggerSync() TriggerResult {
	return e.status.RequestTrigger(e.daemon)
}

// PollOnce runs a single remote-to-local cycle.
func (e *Engine) PollOnce(ctx context.Context) PollResult {
	return e.dlmgr.PollOnce(ctx)
}

// Daemon exposes the upload-side daemon, mainly for subscriptions.
func (e *Engine) Daemon() *Daemon { return e.daemon }

// Conflicts exposes the conflict history.
func (e *Engine) Conflicts() *ConflictLog { return e.conflictLog }

// watchDaemonEvents feeds daemon errors and cycle boundaries into the
// status surface.
func (e *Engine) watchDaemonEvents(ctx context.Context) {
	defer e.wg.Done()
	sub := e.daemon.Subscribe(EvError | EvSyncStart | EvFileSynced | EvSyncComplete)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Type {
			case EvError:
				se := SyncError{Direction: DirectionUpload, Code: CodeUploadFailed, Message: ev.Err.Error()}
				if ev.Result != nil {
					se.FilePath = string(ev.Result.Event.Path)
				} else {
					// only the watcher publishes errors without a result
					se.Code = CodeWatcherDegraded
				}
				e.status.AddError(se)
			case EvSyncStart:
				e.status.SetProgress(SyncProgress{
					Direction:  DirectionUpload,
					FilesTotal: e.daemon.Stats().PendingEvents,
				})
			case EvFileSynced:
				e.status.UpdateProgress(func(p *SyncProgress) { p.FilesCompleted++ })
			case EvSyncComplete:
				e.status.ClearProgress()
				e.status.UpdateDaemonStats(e.daemon.Stats())
			}
		}
	}
}

// publishStats keeps the status surface warm even when nothing changes.
func (e *Engine) publishStats(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(statsPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.status.UpdateDaemonStats(e.daemon.Stats())
			e.status.UpdateDownloadStats(e.dlmgr.Stats())
		}
	}
}
