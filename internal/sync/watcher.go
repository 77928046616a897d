package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rjeczalik/notify"
)

const (
	watcherBufferSize      = 256
	DefaultSuppressTimeout = 2 * time.Second
	suppressSweepInterval  = 15 * time.Second
)

type fileMeta struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// Watcher recursively watches the root and emits classified FileEvents.
// Raw OS events are debounced per path; classification happens after the
// quiet window by stat-ing the final state. When the native watcher cannot
// be initialized the Watcher degrades to periodic full rescans.
type Watcher struct {
	root           string
	ignore         *Ignore
	debounce       time.Duration
	rescanInterval time.Duration

	events  chan FileEvent
	raw     chan notify.EventInfo
	flushCh chan string

	knownFiles mapset.Set[RelPath]
	knownDirs  mapset.Set[RelPath]

	suppressMu sync.Mutex
	suppress   map[string]time.Time

	pendMu sync.Mutex
	timers map[string]*time.Timer

	tsMu   sync.Mutex
	lastTS time.Time

	snapMu   sync.Mutex
	snapshot map[RelPath]fileMeta

	degraded   atomic.Bool
	onDegraded func(bool)

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewWatcher(root string, ignore *Ignore, debounce, rescanInterval time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	if rescanInterval <= 0 {
		rescanInterval = DefaultRescanInterval
	}
	return &Watcher{
		root:           filepath.Clean(root),
		ignore:         ignore,
		debounce:       debounce,
		rescanInterval: rescanInterval,
		events:         make(chan FileEvent, watcherBufferSize),
		flushCh:        make(chan string, watcherBufferSize),
		knownFiles:     mapset.NewSet[RelPath](),
		knownDirs:      mapset.NewSet[RelPath](),
		suppress:       make(map[string]time.Time),
		timers:         make(map[string]*time.Timer),
		snapshot:       make(map[RelPath]fileMeta),
		done:           make(chan struct{}),
	}
}

// OnDegraded registers a callback fired when the watcher enters or leaves
// degraded rescan mode. Must be set before Start.
func (w *Watcher) OnDegraded(fn func(bool)) {
	w.onDegraded = fn
}

// Start primes the known-path sets and begins watching. A missing or
// unreadable root is a fatal error; a failed native watch is not, the
// watcher falls back to rescans instead.
func (w *Watcher) Start(ctx context.Context) error {
	fi, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("watch root %s: %w", w.root, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("watch root %s: not a directory", w.root)
	}

	if err := w.prime(); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	w.raw = make(chan notify.EventInfo, watcherBufferSize)
	if err := notify.Watch(w.root+"/...", w.raw, notify.All); err != nil {
		slog.Warn("native watch unavailable, falling back to periodic rescan",
			"dir", w.root, "interval", w.rescanInterval, "error", err)
		notify.Stop(w.raw)
		w.raw = nil
		w.setDegraded(true)
		w.wg.Add(1)
		go w.rescanLoop(ctx)
	} else {
		slog.Info("file watcher started", "dir", w.root,
			"files", w.knownFiles.Cardinality(), "dirs", w.knownDirs.Cardinality())
	}

	w.wg.Add(2)
	go w.run(ctx)
	go w.sweepSuppressions(ctx)
	return nil
}

// Stop halts watching and closes the event channel after pending debounce
// timers are cancelled. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.raw != nil {
			notify.Stop(w.raw)
		}
		w.pendMu.Lock()
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.pendMu.Unlock()
		w.wg.Wait()
		slog.Info("file watcher stopped", "dir", w.root)
	})
}

func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Degraded reports whether the watcher is in periodic-rescan mode.
func (w *Watcher) Degraded() bool {
	return w.degraded.Load()
}

// SuppressNext swallows the next event for absPath within the default
// timeout. Used to keep our own writes from echoing back as uploads.
func (w *Watcher) SuppressNext(absPath string) {
	w.SuppressNextFor(absPath, DefaultSuppressTimeout)
}

func (w *Watcher) SuppressNextFor(absPath string, timeout time.Duration) {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()
	w.suppress[filepath.Clean(absPath)] = time.Now().Add(timeout)
}

// consumeSuppression reports whether absPath has an unexpired suppression
// and removes it either way.
func (w *Watcher) consumeSuppression(absPath string) bool {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()
	expiry, ok := w.suppress[absPath]
	if !ok {
		return false
	}
	delete(w.suppress, absPath)
	return time.Now().Before(expiry)
}

func (w *Watcher) setDegraded(v bool) {
	if w.degraded.Swap(v) != v && w.onDegraded != nil {
		w.onDegraded(v)
	}
}

// stamp returns a timestamp guaranteed to not run backwards across events
// from this watcher instance.
func (w *Watcher) stamp() time.Time {
	w.tsMu.Lock()
	defer w.tsMu.Unlock()
	now := time.Now()
	if !now.After(w.lastTS) {
		now = w.lastTS.Add(time.Nanosecond)
	}
	w.lastTS = now
	return now
}

func (w *Watcher) rel(absPath string) (RelPath, error) {
	r, err := filepath.Rel(w.root, absPath)
	if err != nil {
		return "", err
	}
	return NormalizeRelPath(r)
}

// prime walks the tree once, recording every non-ignored path so later
// events can be classified as add vs change. It also seeds the rescan
// snapshot.
func (w *Watcher) prime() error {
	snap := make(map[RelPath]fileMeta)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == w.root {
			return nil
		}
		rel, rerr := w.rel(path)
		if rerr != nil {
			return nil
		}
		if w.ignore.ShouldIgnore(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			w.knownDirs.Add(rel)
			snap[rel] = fileMeta{isDir: true}
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		w.knownFiles.Add(rel)
		snap[rel] = fileMeta{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	if err != nil {
		return err
	}
	w.snapMu.Lock()
	w.snapshot = snap
	w.snapMu.Unlock()
	return nil
}

// run is the single event pump: raw OS events enter the debounce window,
// expired windows come back on flushCh for classification and emit.
func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.wg.Done()
		close(w.events)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei, ok := <-w.raw:
			if !ok {
				return
			}
			w.enqueue(ei.Path())
		case path := <-w.flushCh:
			w.flush(ctx, path)
		}
	}
}

// enqueue starts or resets the per-path debounce timer.
func (w *Watcher) enqueue(absPath string) {
	absPath = filepath.Clean(absPath)
	rel, err := w.rel(absPath)
	if err != nil {
		return
	}
	// Cheap screen for paths ignored regardless of kind; the authoritative
	// check happens at flush time with the real stat.
	if w.ignore.ShouldIgnore(rel, false) && w.ignore.ShouldIgnore(rel, true) {
		return
	}

	w.pendMu.Lock()
	defer w.pendMu.Unlock()
	if t, ok := w.timers[absPath]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[absPath] = time.AfterFunc(w.debounce, func() {
		w.pendMu.Lock()
		delete(w.timers, absPath)
		w.pendMu.Unlock()
		select {
		case w.flushCh <- absPath:
		case <-w.done:
		}
	})
}

// flush classifies the settled state of absPath and emits at most one event.
func (w *Watcher) flush(ctx context.Context, absPath string) {
	rel, err := w.rel(absPath)
	if err != nil {
		return
	}

	fi, statErr := os.Stat(absPath)
	switch {
	case statErr == nil && fi.IsDir():
		if w.ignore.ShouldIgnore(rel, true) {
			return
		}
		if w.knownDirs.Contains(rel) {
			return
		}
		w.knownDirs.Add(rel)
		w.emit(ctx, EventAddDir, rel, absPath)

	case statErr == nil:
		if w.ignore.ShouldIgnore(rel, false) {
			return
		}
		if w.consumeSuppression(absPath) {
			w.knownFiles.Add(rel)
			return
		}
		typ := EventAdd
		if w.knownFiles.Contains(rel) {
			typ = EventChange
		} else {
			w.knownFiles.Add(rel)
		}
		w.emit(ctx, typ, rel, absPath)

	case errors.Is(statErr, fs.ErrNotExist):
		switch {
		case w.knownDirs.Contains(rel):
			w.knownDirs.Remove(rel)
			files, dirs := w.purgeUnder(rel)
			for _, child := range files {
				childAbs := w.abs(child)
				if w.consumeSuppression(childAbs) {
					continue
				}
				if !w.ignore.ShouldIgnore(child, false) {
					w.emit(ctx, EventUnlink, child, childAbs)
				}
			}
			for _, child := range dirs {
				if !w.ignore.ShouldIgnore(child, true) {
					w.emit(ctx, EventUnlinkDir, child, w.abs(child))
				}
			}
			if !w.ignore.ShouldIgnore(rel, true) {
				w.emit(ctx, EventUnlinkDir, rel, absPath)
			}
		case w.knownFiles.Contains(rel):
			w.knownFiles.Remove(rel)
			if w.consumeSuppression(absPath) {
				return
			}
			if !w.ignore.ShouldIgnore(rel, false) {
				w.emit(ctx, EventUnlink, rel, absPath)
			}
		}
	}
}

// purgeUnder forgets all known paths below a removed directory and returns
// them. The OS only reliably reports the directory itself; per-child delete
// events may race the directory's flush or never arrive, so the caller
// synthesizes unlinks for whatever was still known. Children whose own
// events already flushed are gone from the sets and are not re-reported.
func (w *Watcher) purgeUnder(dir RelPath) (files, dirs []RelPath) {
	prefix := string(dir) + "/"
	for _, p := range w.knownFiles.ToSlice() {
		if strings.HasPrefix(string(p), prefix) {
			w.knownFiles.Remove(p)
			files = append(files, p)
		}
	}
	for _, p := range w.knownDirs.ToSlice() {
		if strings.HasPrefix(string(p), prefix) {
			w.knownDirs.Remove(p)
			dirs = append(dirs, p)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })
	sort.Slice(dirs, func(i, j int) bool { return dirs[i] < dirs[j] })
	return files, dirs
}

func (w *Watcher) abs(rel RelPath) string {
	return filepath.Join(w.root, filepath.FromSlash(string(rel)))
}

func (w *Watcher) emit(ctx context.Context, typ EventType, rel RelPath, absPath string) {
	ev := FileEvent{
		Type:      typ,
		Path:      rel,
		AbsPath:   absPath,
		Timestamp: w.stamp(),
	}
	select {
	case w.events <- ev:
		slog.Debug("file watcher", "event", typ, "path", rel)
	case <-w.done:
	case <-ctx.Done():
	}
}

// Rescan walks the tree and feeds every difference against the previous
// snapshot through the normal debounce path. Deleted paths surface because
// their flush-time stat fails.
func (w *Watcher) Rescan(ctx context.Context) error {
	fresh := make(map[RelPath]fileMeta)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == w.root {
			return nil
		}
		rel, rerr := w.rel(path)
		if rerr != nil {
			return nil
		}
		if w.ignore.ShouldIgnore(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			fresh[rel] = fileMeta{isDir: true}
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		fresh[rel] = fileMeta{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	if err != nil {
		return err
	}

	w.snapMu.Lock()
	old := w.snapshot
	w.snapshot = fresh
	w.snapMu.Unlock()

	for rel, meta := range fresh {
		prev, ok := old[rel]
		if !ok || prev.isDir != meta.isDir ||
			(!meta.isDir && (!prev.modTime.Equal(meta.modTime) || prev.size != meta.size)) {
			w.enqueue(filepath.Join(w.root, filepath.FromSlash(string(rel))))
		}
	}
	for rel := range old {
		if _, ok := fresh[rel]; !ok {
			w.enqueue(filepath.Join(w.root, filepath.FromSlash(string(rel))))
		}
	}
	return nil
}

func (w *Watcher) rescanLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.Rescan(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("rescan failed", "dir", w.root, "error", err)
			}
		}
	}
}

func (w *Watcher) sweepSuppressions(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(suppressSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.suppressMu.Lock()
			now := time.Now()
			for path, expiry := range w.suppress {
				if now.After(expiry) {
					delete(w.suppress, path)
				}
			}
			w.suppressMu.Unlock()
		}
	}
}
