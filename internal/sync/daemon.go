package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrNotRunning     = errors.New("daemon is not running")
	ErrAlreadyRunning = errors.New("daemon already started")
	ErrSyncInFlight   = errors.New("sync flush already in flight")
)

// DaemonState is the daemon lifecycle. Transitions are linear; a stopped
// daemon is not restartable.
type DaemonState string

const (
	DaemonIdle     DaemonState = "idle"
	DaemonStarting DaemonState = "starting"
	DaemonRunning  DaemonState = "running"
	DaemonPaused   DaemonState = "paused"
	DaemonStopping DaemonState = "stopping"
	DaemonStopped  DaemonState = "stopped"
)

// DaemonEventType selects bus events. Subscribers pass a bitmask.
type DaemonEventType uint

const (
	EvStarted DaemonEventType = 1 << iota
	EvStopped
	EvFileEvent
	EvSyncStart
	EvSyncComplete
	EvFileSynced
	EvError

	EvAll DaemonEventType = 1<<iota - 1
)

// DaemonEvent is one bus notification. Only the fields relevant to Type are
// set.
type DaemonEvent struct {
	Type      DaemonEventType
	Time      time.Time
	FileEvent *FileEvent
	Result    *UploadResult
	Flush     *FlushResult
	Err       error
}

// Subscription receives matching daemon events. Slow subscribers lose
// events rather than stalling the daemon.
type Subscription struct {
	mask DaemonEventType
	ch   chan DaemonEvent
	bus  *eventBus
}

func (s *Subscription) C() <-chan DaemonEvent { return s.ch }

func (s *Subscription) Unsubscribe() { s.bus.remove(s) }

type eventBus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[*Subscription]struct{})}
}

func (b *eventBus) subscribe(mask DaemonEventType) *Subscription {
	sub := &Subscription{mask: mask, ch: make(chan DaemonEvent, 64), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *eventBus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func (b *eventBus) publish(ev DaemonEvent) {
	ev.Time = time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.mask&ev.Type == 0 {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// FlushResult summarizes one flush cycle.
type FlushResult struct {
	Events   int
	Synced   int
	Failed   int
	Requeued int
	Duration time.Duration
	Results  []UploadResult
}

// DaemonStats is the externally visible snapshot of the upload side.
type DaemonStats struct {
	State               DaemonState
	StartedAt           time.Time
	SyncCyclesCompleted uint64
	FilesSynced         uint64
	SyncErrors          uint64
	PendingEvents       int
	DroppedEvents       uint64
	LastSyncAt          time.Time
	LastSyncDuration    time.Duration
}

type retryEntry struct {
	ev       FileEvent
	attempts int
	nextAt   time.Time
}

// Daemon orchestrates the local-to-remote direction: it pumps watcher
// events into the queue and flushes the queue through the uploader, on a
// cadence and on demand.
type Daemon struct {
	cfg      *DaemonConfig
	watcher  *Watcher
	queue    *EventQueue
	uploader *Uploader
	state    *SyncState
	ignore   *Ignore
	bus      *eventBus

	mu        sync.Mutex
	st        DaemonState
	startedAt time.Time
	stats     DaemonStats

	// flushMu enforces at most one flush cycle in flight.
	flushMu sync.Mutex

	retryMu sync.Mutex
	retries map[RelPath]*retryEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDaemon(cfg *DaemonConfig, watcher *Watcher, queue *EventQueue, uploader *Uploader, state *SyncState, ignore *Ignore) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:      cfg,
		watcher:  watcher,
		queue:    queue,
		uploader: uploader,
		state:    state,
		ignore:   ignore,
		bus:      newEventBus(),
		st:       DaemonIdle,
		retries:  make(map[RelPath]*retryEntry),
	}, nil
}

// Subscribe returns a subscription for the event types in mask.
func (d *Daemon) Subscribe(mask DaemonEventType) *Subscription {
	return d.bus.subscribe(mask)
}

// State returns the current lifecycle state.
func (d *Daemon) State() DaemonState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st
}

func (d *Daemon) transition(from []DaemonState, to DaemonState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range from {
		if d.st == f {
			d.st = to
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move %s -> %s", ErrNotRunning, d.st, to)
}

// Start brings the daemon from idle to running: watcher up, event pump and
// flush loop launched, optional initial scan queued. A watcher that cannot
// start on the root is fatal and leaves the daemon stopped.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.st != DaemonIdle {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.st = DaemonStarting
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.watcher.OnDegraded(func(degraded bool) {
		if degraded {
			err := errors.New("native watcher degraded, running periodic rescans")
			slog.Warn("watcher degraded")
			d.bus.publish(DaemonEvent{Type: EvError, Err: err})
		}
	})

	if err := d.watcher.Start(ctx); err != nil {
		cancel()
		d.mu.Lock()
		d.st = DaemonStopped
		d.mu.Unlock()
		return fmt.Errorf("start watcher: %w", err)
	}

	if d.cfg.SyncOnStart {
		if err := d.initialScan(); err != nil {
			slog.Warn("initial scan failed", "error", err)
		}
	}

	d.mu.Lock()
	d.st = DaemonRunning
	d.startedAt = time.Now()
	d.mu.Unlock()

	d.wg.Add(2)
	go d.pump(ctx)
	go d.flushLoop(ctx)

	slog.Info("sync daemon started", "root", d.cfg.RootDir, "interval", d.cfg.SyncInterval)
	d.bus.publish(DaemonEvent{Type: EvStarted})
	return nil
}

// Pause keeps the watcher hot but suspends flushes. Events keep
// accumulating and coalescing in the queue.
func (d *Daemon) Pause() error {
	if err := d.transition([]DaemonState{DaemonRunning}, DaemonPaused); err != nil {
		return err
	}
	slog.Info("sync daemon paused")
	return nil
}

// Resume re-enables flushes after a pause.
func (d *Daemon) Resume() error {
	if err := d.transition([]DaemonState{DaemonPaused}, DaemonRunning); err != nil {
		return err
	}
	slog.Info("sync daemon resumed")
	return nil
}

// Stop shuts the daemon down: watcher stopped, one final drain flushed,
// in-flight uploads awaited. Idempotent once stopped.
func (d *Daemon) Stop() error {
	if err := d.transition([]DaemonState{DaemonRunning, DaemonPaused, DaemonStarting}, DaemonStopping); err != nil {
		d.mu.Lock()
		st := d.st
		d.mu.Unlock()
		if st == DaemonStopped || st == DaemonStopping {
			return nil
		}
		return err
	}

	d.watcher.Stop()
	d.cancel()
	d.wg.Wait()

	// Final drain. The flush lock also waits out any cycle that was running
	// when we cancelled.
	d.flushMu.Lock()
	res := d.flushLocked(context.Background())
	d.flushMu.Unlock()
	if res.Events > 0 {
		slog.Info("final flush", "events", res.Events, "synced", res.Synced, "failed", res.Failed)
	}

	if err := d.state.Save(); err != nil {
		slog.Error("state save on stop", "error", err)
	}

	d.mu.Lock()
	d.st = DaemonStopped
	d.mu.Unlock()

	slog.Info("sync daemon stopped")
	d.bus.publish(DaemonEvent{Type: EvStopped})
	return nil
}

// TriggerSync flushes the queue immediately, outside the usual cadence.
// Rejected while not running or paused, and while another flush is in
// flight.
func (d *Daemon) TriggerSync() error {
	d.mu.Lock()
	st := d.st
	d.mu.Unlock()
	if st != DaemonRunning && st != DaemonPaused {
		return fmt.Errorf("%w: state %s", ErrNotRunning, st)
	}

	if !d.flushMu.TryLock() {
		return ErrSyncInFlight
	}
	defer d.flushMu.Unlock()
	d.flushLocked(context.Background())
	return nil
}

// Stats returns a copy of the current counters.
func (d *Daemon) Stats() DaemonStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.State = d.st
	s.StartedAt = d.startedAt
	s.PendingEvents = d.queue.Len()
	s.DroppedEvents = d.queue.Dropped()
	return s
}

// pump moves watcher events into the queue until the watcher channel
// closes.
func (d *Daemon) pump(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if !d.cfg.EnableDeletions && ev.Type.IsRemove() {
				continue
			}
			d.queue.Push(ev)
			d.bus.publish(DaemonEvent{Type: EvFileEvent, FileEvent: &ev})
		}
	}
}

// flushLoop runs the scheduled flush. A timer rather than a ticker: the
// interval restarts after each flush completes, so slow cycles do not
// stack.
func (d *Daemon) flushLoop(ctx context.Context) {
	defer d.wg.Done()
	timer := time.NewTimer(d.cfg.SyncInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if d.State() == DaemonRunning && d.flushMu.TryLock() {
			d.flushLocked(ctx)
			d.flushMu.Unlock()
		}
		timer.Reset(d.cfg.SyncInterval)
	}
}

// flushLocked drains the queue (plus due retries) and runs the batch
// through the uploader in BatchSize chunks. Caller holds flushMu.
func (d *Daemon) flushLocked(ctx context.Context) FlushResult {
	start := time.Now()
	batch := d.queue.Drain()
	batch = d.mergeRetries(batch)

	res := FlushResult{Events: len(batch)}
	if len(batch) == 0 {
		return res
	}

	d.bus.publish(DaemonEvent{Type: EvSyncStart})

	for len(batch) > 0 {
		n := min(len(batch), d.cfg.BatchSize)
		chunk := batch[:n]
		batch = batch[n:]

		for _, r := range d.uploader.Process(ctx, chunk) {
			res.Results = append(res.Results, r)
			switch {
			case r.Err != nil:
				if d.scheduleRetry(r.Event) {
					res.Requeued++
				} else {
					res.Failed++
				}
				d.bus.publish(DaemonEvent{Type: EvError, Err: r.Err, Result: &r})
			case r.Vanished:
				// Nothing made it remote; the unlink event follows.
			default:
				res.Synced++
				d.commit(r)
				d.bus.publish(DaemonEvent{Type: EvFileSynced, Result: &r})
			}
		}
	}

	res.Duration = time.Since(start)

	d.mu.Lock()
	d.stats.SyncCyclesCompleted++
	d.stats.FilesSynced += uint64(res.Synced)
	d.stats.SyncErrors += uint64(res.Failed)
	d.stats.LastSyncAt = time.Now()
	d.stats.LastSyncDuration = res.Duration
	d.mu.Unlock()

	if err := d.state.Save(); err != nil {
		slog.Error("state save after flush", "error", err)
	}

	d.bus.publish(DaemonEvent{Type: EvSyncComplete, Flush: &res})
	slog.Debug("flush cycle", "events", res.Events, "synced", res.Synced,
		"failed", res.Failed, "requeued", res.Requeued, "took", res.Duration)
	return res
}

// commit records a successful upload in the sync state. The entry carries
// the store's timestamp for the object, not the local event's: the change
// detector diffs against listing timestamps, and a local time here would
// make our own upload read back as a remote modification.
func (d *Daemon) commit(r UploadResult) {
	switch r.Event.Type {
	case EventUnlink:
		d.state.Remove(r.Event.Path)
	case EventAdd, EventChange:
		lm := r.RemoteModified
		if lm.IsZero() {
			lm = r.Event.Timestamp
		}
		d.state.Upsert(&SyncStateEntry{
			Key:          r.Event.Path.Key(d.uploader.cfg.UserID),
			RelPath:      string(r.Event.Path),
			LastModified: lm.UnixMilli(),
			Size:         r.Size,
			ETag:         r.ETag,
			Hash:         r.Hash,
		})
	}
}

// scheduleRetry re-queues a failed event with exponential backoff. Returns
// false when the event has exhausted its attempts and is dropped.
func (d *Daemon) scheduleRetry(ev FileEvent) bool {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()

	entry, ok := d.retries[ev.Path]
	if !ok {
		entry = &retryEntry{ev: ev}
		d.retries[ev.Path] = entry
	}
	entry.attempts++
	if entry.attempts > d.cfg.MaxRetries {
		delete(d.retries, ev.Path)
		slog.Warn("upload retries exhausted, dropping", "path", ev.Path, "attempts", entry.attempts-1)
		return false
	}
	backoff := d.cfg.InitialBackoff << (entry.attempts - 1)
	entry.ev = ev
	entry.nextAt = time.Now().Add(backoff)
	slog.Debug("upload retry scheduled", "path", ev.Path, "attempt", entry.attempts, "in", backoff)
	return true
}

// mergeRetries appends due retry events to batch. A fresh event for the
// same path supersedes its pending retry.
func (d *Daemon) mergeRetries(batch []FileEvent) []FileEvent {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()

	fresh := make(map[RelPath]struct{}, len(batch))
	for _, ev := range batch {
		fresh[ev.Path] = struct{}{}
		delete(d.retries, ev.Path)
	}

	now := time.Now()
	for path, entry := range d.retries {
		if _, dup := fresh[path]; dup || entry.nextAt.After(now) {
			continue
		}
		batch = append(batch, entry.ev)
	}
	return batch
}

// initialScan walks the root and queues every file whose size or mtime
// disagrees with the sync state, so edits made while the daemon was down
// still upload.
func (d *Daemon) initialScan() error {
	queued := 0
	err := filepath.WalkDir(d.cfg.RootDir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == d.cfg.RootDir {
			return nil
		}
		r, rerr := filepath.Rel(d.cfg.RootDir, path)
		if rerr != nil {
			return nil
		}
		rel, nerr := NormalizeRelPath(r)
		if nerr != nil {
			return nil
		}
		if d.ignore.ShouldIgnore(rel, de.IsDir()) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if de.IsDir() {
			return nil
		}

		info, ierr := de.Info()
		if ierr != nil {
			return nil
		}
		typ := EventAdd
		if prev, ok := d.state.Get(rel); ok {
			if prev.Size == info.Size() && prev.LastModified >= info.ModTime().UnixMilli() {
				return nil
			}
			typ = EventChange
		}
		d.queue.Push(FileEvent{Type: typ, Path: rel, AbsPath: path, Timestamp: time.Now()})
		queued++
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if queued > 0 {
		slog.Info("initial scan queued changes", "count", queued)
	}
	return nil
}
