package sync

import (
	"os"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/shirou/gopsutil/v4/process"
)

// SyncDirection tags which side of the engine an error or progress report
// belongs to.
type SyncDirection string

const (
	DirectionUpload   SyncDirection = "upload"
	DirectionDownload SyncDirection = "download"
	DirectionBoth     SyncDirection = "both"
)

// SyncHealth is the coarse label derived from daemon state and recent
// errors.
type SyncHealth string

const (
	HealthHealthy  SyncHealth = "healthy"
	HealthDegraded SyncHealth = "degraded"
	HealthError    SyncHealth = "error"
	HealthOffline  SyncHealth = "offline"
)

// errorThreshold and degradedThreshold split the error-ring count into
// health bands.
const (
	degradedThreshold = 1
	errorThreshold    = 5
)

// Stable codes for SyncError.Code, for clients that match on failures
// rather than parse messages.
const (
	CodeUploadFailed    = "E_UPLOAD_FAILED"
	CodeDownloadFailed  = "E_DOWNLOAD_FAILED"
	CodeWatcherDegraded = "E_WATCHER_DEGRADED"
	CodeTriggerFailed   = "E_TRIGGER_FAILED"
)

// SyncError is one user-visible failure, kept in the bounded ring.
type SyncError struct {
	Direction SyncDirection
	Message   string
	Code      string
	FilePath  string
	Time      time.Time
}

// SyncProgress describes an in-flight cycle. It exists only while work is
// running.
type SyncProgress struct {
	Direction          SyncDirection
	FilesCompleted     int
	FilesTotal         int
	BytesTransferred   int64
	BytesTotal         int64
	CurrentFile        string
	EstimatedRemaining time.Duration
}

// UploadStatus is the upload-side slice of a status snapshot.
type UploadStatus struct {
	TotalFilesUploaded  uint64
	SyncCyclesCompleted uint64
	TotalErrors         uint64
}

// DownloadStatus is the download-side slice of a status snapshot.
type DownloadStatus struct {
	IsPolling            bool
	TotalFilesDownloaded uint64
	TotalFilesDeleted    uint64
	TotalErrors          uint64
	LastPollAt           time.Time
}

// ProcessInfo is best-effort resource usage of the agent process.
type ProcessInfo struct {
	PID        int32
	RSSBytes   uint64
	CPUPercent float64
}

// SyncStatus is one externally observable snapshot of the whole engine.
type SyncStatus struct {
	DaemonState      DaemonState
	Health           SyncHealth
	IsSyncing        bool
	Progress         *SyncProgress
	LastSyncAt       time.Time
	LastSyncDuration time.Duration
	PendingChanges   int
	TrackedFiles     int
	Upload           UploadStatus
	Download         DownloadStatus
	RecentErrors     []SyncError
	AgentID          string
	Process          *ProcessInfo
	GeneratedAt      time.Time
}

// TriggerResult reports the outcome of a user-requested sync.
type TriggerResult struct {
	Accepted bool
	Reason   string
}

// triggerTarget is what the aggregator needs from a daemon to gate and run
// a user trigger.
type triggerTarget interface {
	State() DaemonState
	TriggerSync() error
}

// StatusAggregator merges daemon, uploader and downloader stats into one
// observable surface. It only ever reads published snapshots; it never
// reaches into the components' own locks.
type StatusAggregator struct {
	mu            sync.Mutex
	maxErrors     int
	daemonStats   *DaemonStats
	downloadStats *DownloadStats
	errors        []SyncError // newest first
	progress      *SyncProgress
	triggerBusy   bool
	onTriggerDone func() // test hook, called after an async trigger settles

	agentID string
}

func NewStatusAggregator(cfg *StatusConfig) *StatusAggregator {
	if cfg == nil {
		cfg = &StatusConfig{}
	}
	cfg.applyDefaults()

	// Stable per-machine agent identity. Failure leaves it blank; the
	// snapshot is still useful.
	id, _ := machineid.ProtectedID("hqsync")

	return &StatusAggregator{
		maxErrors: cfg.MaxRecentErrors,
		agentID:   id,
	}
}

// UpdateDaemonStats publishes the latest upload-side counters.
func (a *StatusAggregator) UpdateDaemonStats(s DaemonStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.daemonStats = &s
}

// UpdateDownloadStats publishes the latest download-side counters.
func (a *StatusAggregator) UpdateDownloadStats(s DownloadStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.downloadStats = &s
}

// SetProgress publishes the in-flight cycle's progress.
func (a *StatusAggregator) SetProgress(p SyncProgress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = &p
}

// UpdateProgress mutates the in-flight progress report under the lock.
// A no-op when no cycle is running, so late transfer callbacks from a
// finished cycle cannot resurrect a stale report.
func (a *StatusAggregator) UpdateProgress(fn func(*SyncProgress)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.progress == nil {
		return
	}
	fn(a.progress)
}

// ClearProgress removes the progress report once the cycle settles.
func (a *StatusAggregator) ClearProgress() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = nil
}

// AddError records a failure at the head of the ring, evicting the oldest
// past capacity.
func (a *StatusAggregator) AddError(e SyncError) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append([]SyncError{e}, a.errors...)
	if len(a.errors) > a.maxErrors {
		a.errors = a.errors[:a.maxErrors]
	}
}

// ClearErrors empties the ring.
func (a *StatusAggregator) ClearErrors() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = nil
}

// SetTriggerInProgress flips the trigger gate directly. RequestTrigger
// manages it for the normal path.
func (a *StatusAggregator) SetTriggerInProgress(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggerBusy = v
}

// RequestTrigger gates a user-requested sync: accepted only when a daemon
// exists, it is running or paused, and no trigger is already in flight. The
// accepted trigger runs asynchronously; the gate clears when it settles,
// success or failure.
func (a *StatusAggregator) RequestTrigger(d triggerTarget) TriggerResult {
	if d == nil {
		return TriggerResult{Reason: "no sync daemon available"}
	}
	if st := d.State(); st != DaemonRunning && st != DaemonPaused {
		return TriggerResult{Reason: "daemon is " + string(st)}
	}

	a.mu.Lock()
	if a.triggerBusy {
		a.mu.Unlock()
		return TriggerResult{Reason: "sync already in progress"}
	}
	a.triggerBusy = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.triggerBusy = false
			done := a.onTriggerDone
			a.mu.Unlock()
			if done != nil {
				done()
			}
		}()
		if err := d.TriggerSync(); err != nil {
			a.AddError(SyncError{Direction: DirectionUpload, Code: CodeTriggerFailed, Message: err.Error()})
		}
	}()

	return TriggerResult{Accepted: true}
}

// TriggerInProgress reports the gate's current state.
func (a *StatusAggregator) TriggerInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.triggerBusy
}

// Snapshot assembles the current status. Everything returned is a copy;
// callers can hold it as long as they like.
func (a *StatusAggregator) Snapshot() SyncStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := SyncStatus{
		DaemonState: DaemonIdle,
		AgentID:     a.agentID,
		GeneratedAt: time.Now(),
	}

	if a.daemonStats != nil {
		ds := *a.daemonStats
		st.DaemonState = ds.State
		st.LastSyncAt = ds.LastSyncAt
		st.LastSyncDuration = ds.LastSyncDuration
		st.PendingChanges = ds.PendingEvents
		st.Upload = UploadStatus{
			TotalFilesUploaded:  ds.FilesSynced,
			SyncCyclesCompleted: ds.SyncCyclesCompleted,
			TotalErrors:         ds.SyncErrors,
		}
	}
	if a.downloadStats != nil {
		dl := *a.downloadStats
		st.TrackedFiles = dl.TrackedFiles
		st.Download = DownloadStatus{
			IsPolling:            dl.IsPolling,
			TotalFilesDownloaded: dl.TotalFilesDownloaded,
			TotalFilesDeleted:    dl.TotalFilesDeleted,
			TotalErrors:          dl.TotalErrors,
			LastPollAt:           dl.LastPollAt,
		}
	}

	st.Health = deriveHealth(a.daemonStats, len(a.errors))
	st.IsSyncing = a.triggerBusy || a.progress != nil
	if a.progress != nil {
		p := *a.progress
		st.Progress = &p
	}
	st.RecentErrors = make([]SyncError, len(a.errors))
	copy(st.RecentErrors, a.errors)
	st.Process = processInfo()

	return st
}

// deriveHealth is the pure health function: offline beats error beats
// degraded beats healthy.
func deriveHealth(daemon *DaemonStats, errorCount int) SyncHealth {
	if daemon == nil {
		return HealthOffline
	}
	switch daemon.State {
	case DaemonIdle, DaemonStopping, DaemonStopped:
		return HealthOffline
	}
	switch {
	case errorCount >= errorThreshold:
		return HealthError
	case errorCount >= degradedThreshold:
		return HealthDegraded
	}
	return HealthHealthy
}

// processInfo gathers best-effort resource usage for the snapshot. Any
// failure yields nil rather than an error; status must never fail on
// observability extras.
func processInfo() *ProcessInfo {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	info := &ProcessInfo{PID: p.Pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	return info
}
