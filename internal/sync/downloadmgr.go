package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrPollInFlight = errors.New("poll cycle already in flight")

// DownloadStats is the externally visible counters of the polling loop.
type DownloadStats struct {
	IsPolling            bool
	PollCyclesCompleted  uint64
	TotalFilesDownloaded uint64
	TotalFilesDeleted    uint64
	TotalErrors          uint64
	LastPollAt           time.Time
	LastPollDuration     time.Duration
	TrackedFiles         int
}

// PollResult summarizes one poll cycle. Skipped means another cycle was
// already in flight and nothing ran.
type PollResult struct {
	Skipped    bool
	Truncated  bool
	Changes    int
	Downloaded int
	Deleted    int
	Failed     int
	Duration   time.Duration
	Results    []DownloadResult
}

// DownloadManager owns the remote-to-local direction: it periodically runs
// the change detector and hands the differences to the downloader. It is
// the sole writer of the sync state while a cycle runs.
type DownloadManager struct {
	cfg        *DownloadConfig
	detector   *ChangeDetector
	downloader *Downloader
	state      *SyncState

	// cycleMu enforces at most one poll cycle in flight.
	cycleMu sync.Mutex

	mu    sync.Mutex
	stats DownloadStats

	onCycle func(PollResult)

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

func NewDownloadManager(cfg *DownloadConfig, detector *ChangeDetector, downloader *Downloader, state *SyncState) (*DownloadManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DownloadManager{
		cfg:        cfg,
		detector:   detector,
		downloader: downloader,
		state:      state,
	}, nil
}

// OnCycle registers a callback invoked after every completed (non-skipped)
// poll cycle. Must be set before polling starts.
func (m *DownloadManager) OnCycle(fn func(PollResult)) {
	m.onCycle = fn
}

// StartPolling launches the periodic poll loop. Idempotent while running.
func (m *DownloadManager) StartPolling(ctx context.Context) {
	m.mu.Lock()
	if m.stats.IsPolling {
		m.mu.Unlock()
		return
	}
	m.stats.IsPolling = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel

	m.loopWG.Add(1)
	go func() {
		defer m.loopWG.Done()
		slog.Info("download polling started", "interval", m.cfg.PollInterval)
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		// First cycle runs immediately so a fresh start pulls without
		// waiting a full interval.
		m.PollOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PollOnce(ctx)
			}
		}
	}()
}

// StopPolling cancels the loop and waits for any in-flight cycle.
func (m *DownloadManager) StopPolling() {
	m.mu.Lock()
	polling := m.stats.IsPolling
	m.stats.IsPolling = false
	m.mu.Unlock()
	if !polling {
		return
	}

	m.loopCancel()
	m.loopWG.Wait()

	// Block until a cycle started outside the loop (a concurrent PollOnce)
	// has drained too.
	m.cycleMu.Lock()
	m.cycleMu.Unlock() //nolint:staticcheck // lock-then-unlock is the barrier

	slog.Info("download polling stopped")
}

// PollOnce runs one detect+download cycle. A cycle already in flight makes
// this a no-op with Skipped set. Every completed cycle persists the state
// and records the poll, changes or not.
func (m *DownloadManager) PollOnce(ctx context.Context) PollResult {
	if !m.cycleMu.TryLock() {
		return PollResult{Skipped: true}
	}
	defer m.cycleMu.Unlock()

	start := time.Now()
	res := m.runCycle(ctx)
	res.Duration = time.Since(start)

	m.state.RecordPoll()
	if err := m.state.Save(); err != nil {
		slog.Error("state save after poll", "error", err)
		res.Failed++
	}

	m.mu.Lock()
	m.stats.PollCyclesCompleted++
	m.stats.TotalFilesDownloaded += uint64(res.Downloaded)
	m.stats.TotalFilesDeleted += uint64(res.Deleted)
	m.stats.TotalErrors += uint64(res.Failed)
	m.stats.LastPollAt = time.Now()
	m.stats.LastPollDuration = res.Duration
	m.stats.TrackedFiles = m.state.Len()
	m.mu.Unlock()

	if m.onCycle != nil {
		m.onCycle(res)
	}

	slog.Debug("poll cycle", "changes", res.Changes, "downloaded", res.Downloaded,
		"deleted", res.Deleted, "failed", res.Failed, "took", res.Duration)
	return res
}

func (m *DownloadManager) runCycle(ctx context.Context) PollResult {
	var res PollResult

	detected, err := m.detector.Detect(ctx)
	if err != nil {
		slog.Warn("change detection failed", "error", err)
		res.Failed++
		res.Results = append(res.Results, DownloadResult{Err: err})
		return res
	}
	res.Truncated = detected.Truncated
	res.Changes = len(detected.Changes)
	if res.Changes == 0 {
		return res
	}

	res.Results = m.downloader.Apply(ctx, detected.Changes)
	for _, r := range res.Results {
		switch {
		case r.Err != nil:
			res.Failed++
		case r.Change.Type == ChangeDeleted && !r.Skipped:
			res.Deleted++
		case r.Success && !r.Skipped:
			res.Downloaded++
		}
	}
	return res
}

// ResetState drops all tracked entries, forcing the next cycle to treat
// every remote object as new.
func (m *DownloadManager) ResetState() error {
	return m.state.Clear()
}

// Stats returns a copy of the current counters.
func (m *DownloadManager) Stats() DownloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.TrackedFiles = m.state.Len()
	return s
}
