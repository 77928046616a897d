package sync

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hqcloud/hqsync/internal/utils"
)

const (
	stateFileVersion = 1

	// defaultSaveThreshold flushes the state after this many mutations even
	// when no cycle boundary has forced a save yet.
	defaultSaveThreshold = 25
)

// SyncStateEntry records the last synced observation of one remote object.
type SyncStateEntry struct {
	Key          string `json:"key"`
	RelPath      string `json:"relativePath"`
	LastModified int64  `json:"lastModified"` // unix millis
	Size         int64  `json:"size"`
	ETag         string `json:"etag"`

	// Hash is the content hash recorded at last sync. Empty when unknown;
	// conflict detection treats that as never-synced.
	Hash string `json:"hash,omitempty"`
}

func (e *SyncStateEntry) clone() *SyncStateEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

type stateFile struct {
	Version    int                        `json:"version"`
	UserID     string                     `json:"userId"`
	Prefix     string                     `json:"prefix"`
	LastPollAt int64                      `json:"lastPollAt"` // unix millis, 0 = never
	Entries    map[string]*SyncStateEntry `json:"entries"`
}

// SyncState is the JSON-file map of everything known to be in sync. Writes
// go through a sibling temp file and rename, so the on-disk image is always
// a complete valid document.
type SyncState struct {
	mu            sync.Mutex
	path          string
	userID        string
	prefix        string
	lastPollAt    time.Time
	entries       map[RelPath]*SyncStateEntry
	dirty         int
	saveThreshold int
}

func NewSyncState(path string, userID string) *SyncState {
	return &SyncState{
		path:          path,
		userID:        userID,
		prefix:        KeyPrefix(userID),
		entries:       make(map[RelPath]*SyncStateEntry),
		saveThreshold: defaultSaveThreshold,
	}
}

// Load reads the state file. A missing file yields an empty state. A corrupt
// or wrong-version file is moved aside and an empty state used; syncing then
// proceeds from scratch.
func (s *SyncState) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var sf stateFile
	if uerr := utils.JSONUnmarshal(data, &sf); uerr != nil || sf.Version != stateFileVersion {
		s.quarantineLocked(uerr)
		return nil
	}

	entries := make(map[RelPath]*SyncStateEntry, len(sf.Entries))
	for rel, e := range sf.Entries {
		if e == nil {
			continue
		}
		entries[RelPath(rel)] = e
	}

	s.entries = entries
	if sf.LastPollAt > 0 {
		s.lastPollAt = time.UnixMilli(sf.LastPollAt)
	}
	if sf.UserID != "" && sf.UserID != s.userID {
		slog.Warn("state file belongs to another user, starting fresh", "got", sf.UserID, "want", s.userID)
		s.entries = make(map[RelPath]*SyncStateEntry)
		s.lastPollAt = time.Time{}
	}
	return nil
}

func (s *SyncState) quarantineLocked(cause error) {
	aside := fmt.Sprintf("%s.corrupt.%s", s.path, time.Now().UTC().Format("20060102150405"))
	if err := os.Rename(s.path, aside); err != nil {
		slog.Error("quarantine corrupt state file", "path", s.path, "error", err)
	} else {
		slog.Warn("corrupt state file moved aside", "path", aside, "cause", cause)
	}
	s.entries = make(map[RelPath]*SyncStateEntry)
	s.lastPollAt = time.Time{}
}

// Get returns a copy of the entry for rel.
func (s *SyncState) Get(rel RelPath) (*SyncStateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[rel]
	return e.clone(), ok
}

// Upsert stores a copy of entry, saving when the dirty threshold trips.
func (s *SyncState) Upsert(entry *SyncStateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[RelPath(entry.RelPath)] = entry.clone()
	s.markDirtyLocked()
}

// Remove drops the entry for rel if present.
func (s *SyncState) Remove(rel RelPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[rel]; !ok {
		return
	}
	delete(s.entries, rel)
	s.markDirtyLocked()
}

func (s *SyncState) markDirtyLocked() {
	s.dirty++
	if s.dirty >= s.saveThreshold {
		if err := s.saveLocked(); err != nil {
			slog.Error("state autosave", "error", err)
		}
	}
}

// All returns a deep copy of the tracked entries.
func (s *SyncState) All() map[RelPath]*SyncStateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[RelPath]*SyncStateEntry, len(s.entries))
	for rel, e := range s.entries {
		out[rel] = e.clone()
	}
	return out
}

// Len reports the tracked file count.
func (s *SyncState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops all entries and persists the empty state.
func (s *SyncState) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[RelPath]*SyncStateEntry)
	s.lastPollAt = time.Time{}
	return s.saveLocked()
}

// RecordPoll stamps the completion of a poll cycle.
func (s *SyncState) RecordPoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPollAt = time.Now()
	s.dirty++
}

// LastPollAt returns the completion time of the most recent poll, zero when
// no poll has run.
func (s *SyncState) LastPollAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPollAt
}

// UserID returns the owner of this state.
func (s *SyncState) UserID() string {
	return s.userID
}

// Prefix returns the remote prefix the state tracks.
func (s *SyncState) Prefix() string {
	return s.prefix
}

// Path returns the on-disk location of the state file.
func (s *SyncState) Path() string {
	return s.path
}

// Save persists the state atomically.
func (s *SyncState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *SyncState) saveLocked() error {
	sf := stateFile{
		Version: stateFileVersion,
		UserID:  s.userID,
		Prefix:  s.prefix,
		Entries: make(map[string]*SyncStateEntry, len(s.entries)),
	}
	if !s.lastPollAt.IsZero() {
		sf.LastPollAt = s.lastPollAt.UnixMilli()
	}
	for rel, e := range s.entries {
		sf.Entries[string(rel)] = e
	}

	data, err := utils.JSONMarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := utils.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	s.dirty = 0
	return nil
}
