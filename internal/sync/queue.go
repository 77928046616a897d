package sync

import (
	"sort"
	"sync"
)

const DefaultQueueCapacity = DefaultMaxQueueSize

type queueEntry struct {
	ev  FileEvent
	seq uint64
}

// EventQueue is a bounded FIFO that coalesces events per path. File and
// directory events are tracked separately; each kind coalesces within itself.
// When full, the oldest queued event is dropped and counted.
type EventQueue struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	dropped  uint64
	files    map[RelPath]*queueEntry
	dirs     map[RelPath]*queueEntry
}

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &EventQueue{
		capacity: capacity,
		files:    make(map[RelPath]*queueEntry),
		dirs:     make(map[RelPath]*queueEntry),
	}
}

// coalesce merges a new event type onto an existing queued one. Empty result
// means the pair annihilates and the entry is removed.
func coalesce(old, new EventType) EventType {
	switch old {
	case EventAdd:
		switch new {
		case EventChange:
			return EventAdd
		case EventUnlink:
			return ""
		}
	case EventChange:
		switch new {
		case EventUnlink:
			return EventUnlink
		case EventAdd:
			return EventChange
		}
	case EventUnlink:
		switch new {
		case EventAdd, EventChange:
			return EventChange
		}
	case EventAddDir:
		if new == EventUnlinkDir {
			return ""
		}
	case EventUnlinkDir:
		if new == EventAddDir {
			return EventAddDir
		}
	}
	return new
}

func (q *EventQueue) bucket(t EventType) map[RelPath]*queueEntry {
	if t.IsDir() {
		return q.dirs
	}
	return q.files
}

// Push adds or coalesces ev. The coalesced entry keeps the queue position of
// its first arrival.
func (q *EventQueue) Push(ev FileEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.bucket(ev.Type)
	if existing, ok := m[ev.Path]; ok {
		merged := coalesce(existing.ev.Type, ev.Type)
		if merged == "" {
			delete(m, ev.Path)
			return
		}
		existing.ev.Type = merged
		existing.ev.AbsPath = ev.AbsPath
		existing.ev.Timestamp = ev.Timestamp
		return
	}

	if len(q.files)+len(q.dirs) >= q.capacity {
		q.evictOldest()
	}

	q.seq++
	m[ev.Path] = &queueEntry{ev: ev, seq: q.seq}
}

// evictOldest drops the entry with the smallest arrival sequence. Caller
// holds the lock.
func (q *EventQueue) evictOldest() {
	var oldest *queueEntry
	var oldestPath RelPath
	var oldestDir bool

	for p, e := range q.files {
		if oldest == nil || e.seq < oldest.seq {
			oldest, oldestPath, oldestDir = e, p, false
		}
	}
	for p, e := range q.dirs {
		if oldest == nil || e.seq < oldest.seq {
			oldest, oldestPath, oldestDir = e, p, true
		}
	}
	if oldest == nil {
		return
	}
	if oldestDir {
		delete(q.dirs, oldestPath)
	} else {
		delete(q.files, oldestPath)
	}
	q.dropped++
}

// Drain atomically cuts the current batch: directory events first, then file
// events, each in arrival order. Pushes racing a drain land in the next
// batch.
func (q *EventQueue) Drain() []FileEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]FileEvent, 0, len(q.dirs)+len(q.files))
	out = appendSorted(out, q.dirs)
	out = appendSorted(out, q.files)

	q.files = make(map[RelPath]*queueEntry)
	q.dirs = make(map[RelPath]*queueEntry)
	return out
}

func appendSorted(out []FileEvent, m map[RelPath]*queueEntry) []FileEvent {
	entries := make([]*queueEntry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries {
		out = append(out, e.ev)
	}
	return out
}

// Len reports the number of queued (coalesced) events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.files) + len(q.dirs)
}

// Dropped reports how many events overflow has discarded.
func (q *EventQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
