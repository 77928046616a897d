package sync

import "time"

// EventType classifies a local filesystem change.
type EventType string

const (
	EventAdd       EventType = "add"
	EventChange    EventType = "change"
	EventUnlink    EventType = "unlink"
	EventAddDir    EventType = "addDir"
	EventUnlinkDir EventType = "unlinkDir"
)

// IsDir reports whether the event concerns a directory.
func (t EventType) IsDir() bool {
	return t == EventAddDir || t == EventUnlinkDir
}

// IsRemove reports whether the event removes its path.
func (t EventType) IsRemove() bool {
	return t == EventUnlink || t == EventUnlinkDir
}

func (t EventType) String() string {
	return string(t)
}

// FileEvent is one observed change on a path under the HQ root. Timestamps
// from a single watcher are monotonically non-decreasing.
type FileEvent struct {
	Type      EventType
	Path      RelPath
	AbsPath   string
	Timestamp time.Time
}
