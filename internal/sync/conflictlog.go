package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hqcloud/hqsync/internal/db"
)

const conflictLogSchema = `
CREATE TABLE IF NOT EXISTS conflicts (
	id                      TEXT PRIMARY KEY,
	rel_path                TEXT NOT NULL,
	status                  TEXT NOT NULL,
	strategy                TEXT NOT NULL,
	local_hash              TEXT NOT NULL DEFAULT '',
	local_last_synced_hash  TEXT NOT NULL DEFAULT '',
	local_size              INTEGER NOT NULL DEFAULT 0,
	local_mtime             INTEGER NOT NULL DEFAULT 0,
	remote_key              TEXT NOT NULL DEFAULT '',
	remote_etag             TEXT NOT NULL DEFAULT '',
	remote_last_synced_etag TEXT NOT NULL DEFAULT '',
	remote_hash             TEXT NOT NULL DEFAULT '',
	remote_size             INTEGER NOT NULL DEFAULT 0,
	remote_mtime            INTEGER NOT NULL DEFAULT 0,
	detected_at             INTEGER NOT NULL,
	resolved_at             INTEGER NOT NULL DEFAULT 0,
	conflict_file           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conflicts_path ON conflicts(rel_path);
CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON conflicts(detected_at);
`

type conflictRow struct {
	ID                   string `db:"id"`
	RelPath              string `db:"rel_path"`
	Status               string `db:"status"`
	Strategy             string `db:"strategy"`
	LocalHash            string `db:"local_hash"`
	LocalLastSyncedHash  string `db:"local_last_synced_hash"`
	LocalSize            int64  `db:"local_size"`
	LocalMtime           int64  `db:"local_mtime"`
	RemoteKey            string `db:"remote_key"`
	RemoteETag           string `db:"remote_etag"`
	RemoteLastSyncedETag string `db:"remote_last_synced_etag"`
	RemoteHash           string `db:"remote_hash"`
	RemoteSize           int64  `db:"remote_size"`
	RemoteMtime          int64  `db:"remote_mtime"`
	DetectedAt           int64  `db:"detected_at"`
	ResolvedAt           int64  `db:"resolved_at"`
	ConflictFile         string `db:"conflict_file"`
}

func (r *conflictRow) toConflict() *SyncConflict {
	c := &SyncConflict{
		ID:   r.ID,
		Path: RelPath(r.RelPath),
		Local: ConflictLocal{
			Hash:           r.LocalHash,
			LastSyncedHash: r.LocalLastSyncedHash,
			Size:           r.LocalSize,
		},
		Remote: ConflictRemote{
			Key:            r.RemoteKey,
			ETag:           r.RemoteETag,
			LastSyncedETag: r.RemoteLastSyncedETag,
			Hash:           r.RemoteHash,
			Size:           r.RemoteSize,
		},
		Status:           ConflictStatus(r.Status),
		Strategy:         ConflictStrategy(r.Strategy),
		DetectedAt:       time.UnixMilli(r.DetectedAt),
		ConflictFilePath: r.ConflictFile,
	}
	if r.LocalMtime > 0 {
		c.Local.ModTime = time.UnixMilli(r.LocalMtime)
	}
	if r.RemoteMtime > 0 {
		c.Remote.ModTime = time.UnixMilli(r.RemoteMtime)
	}
	if r.ResolvedAt > 0 {
		c.ResolvedAt = time.UnixMilli(r.ResolvedAt)
	}
	return c
}

func rowFromConflict(c *SyncConflict) *conflictRow {
	r := &conflictRow{
		ID:                   c.ID,
		RelPath:              string(c.Path),
		Status:               string(c.Status),
		Strategy:             string(c.Strategy),
		LocalHash:            c.Local.Hash,
		LocalLastSyncedHash:  c.Local.LastSyncedHash,
		LocalSize:            c.Local.Size,
		RemoteKey:            c.Remote.Key,
		RemoteETag:           c.Remote.ETag,
		RemoteLastSyncedETag: c.Remote.LastSyncedETag,
		RemoteHash:           c.Remote.Hash,
		RemoteSize:           c.Remote.Size,
		DetectedAt:           c.DetectedAt.UnixMilli(),
		ConflictFile:         c.ConflictFilePath,
	}
	if !c.Local.ModTime.IsZero() {
		r.LocalMtime = c.Local.ModTime.UnixMilli()
	}
	if !c.Remote.ModTime.IsZero() {
		r.RemoteMtime = c.Remote.ModTime.UnixMilli()
	}
	if !c.ResolvedAt.IsZero() {
		r.ResolvedAt = c.ResolvedAt.UnixMilli()
	}
	return r
}

// ConflictLog is the queryable history of conflicts, backed by sqlite.
// An empty path keeps the log in memory, which is what the engine uses
// unless a log file is configured. Retention is bounded: the oldest rows
// past maxEntries are pruned on write.
type ConflictLog struct {
	db         *sqlx.DB
	maxEntries int
}

func NewConflictLog(path string, maxEntries int) (*ConflictLog, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	opts := []db.SqliteOption{}
	if path != "" {
		opts = append(opts, db.WithPath(path))
	} else {
		// A pooled :memory: connection would open a fresh empty database per
		// conn; pin the pool to one.
		opts = append(opts, db.WithMaxOpenConns(1), db.WithMaxIdleConns(1))
	}
	sqldb, err := db.NewSqliteDB(opts...)
	if err != nil {
		return nil, fmt.Errorf("open conflict log: %w", err)
	}
	if _, err := sqldb.Exec(conflictLogSchema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("conflict log schema: %w", err)
	}
	return &ConflictLog{db: sqldb, maxEntries: maxEntries}, nil
}

func (l *ConflictLog) Close() error {
	return l.db.Close()
}

// Record upserts c and prunes past the retention bound.
func (l *ConflictLog) Record(c *SyncConflict) error {
	_, err := l.db.NamedExec(`
		INSERT INTO conflicts (
			id, rel_path, status, strategy,
			local_hash, local_last_synced_hash, local_size, local_mtime,
			remote_key, remote_etag, remote_last_synced_etag, remote_hash, remote_size, remote_mtime,
			detected_at, resolved_at, conflict_file
		) VALUES (
			:id, :rel_path, :status, :strategy,
			:local_hash, :local_last_synced_hash, :local_size, :local_mtime,
			:remote_key, :remote_etag, :remote_last_synced_etag, :remote_hash, :remote_size, :remote_mtime,
			:detected_at, :resolved_at, :conflict_file
		)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			strategy = excluded.strategy,
			resolved_at = excluded.resolved_at,
			conflict_file = excluded.conflict_file`,
		rowFromConflict(c))
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}

	_, err = l.db.Exec(`
		DELETE FROM conflicts WHERE id IN (
			SELECT id FROM conflicts ORDER BY detected_at DESC, id LIMIT -1 OFFSET ?
		)`, l.maxEntries)
	if err != nil {
		return fmt.Errorf("prune conflict log: %w", err)
	}
	return nil
}

// Get fetches one conflict by ID, nil when unknown.
func (l *ConflictLog) Get(id string) (*SyncConflict, error) {
	var row conflictRow
	err := l.db.Get(&row, `SELECT * FROM conflicts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toConflict(), nil
}

func (l *ConflictLog) queryRows(query string, args ...any) ([]*SyncConflict, error) {
	var rows []conflictRow
	if err := l.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*SyncConflict, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toConflict())
	}
	return out, nil
}

// ByStatus lists conflicts in a status, newest first.
func (l *ConflictLog) ByStatus(status ConflictStatus) ([]*SyncConflict, error) {
	return l.queryRows(
		`SELECT * FROM conflicts WHERE status = ? ORDER BY detected_at DESC, id`, string(status))
}

// ByPath lists a path's conflicts, newest first.
func (l *ConflictLog) ByPath(rel RelPath) ([]*SyncConflict, error) {
	return l.queryRows(
		`SELECT * FROM conflicts WHERE rel_path = ? ORDER BY detected_at DESC, id`, string(rel))
}

// InRange lists conflicts detected in [from, to), newest first.
func (l *ConflictLog) InRange(from, to time.Time) ([]*SyncConflict, error) {
	return l.queryRows(
		`SELECT * FROM conflicts WHERE detected_at >= ? AND detected_at < ?
		 ORDER BY detected_at DESC, id`,
		from.UnixMilli(), to.UnixMilli())
}

// Recent lists the n newest conflicts.
func (l *ConflictLog) Recent(n int) ([]*SyncConflict, error) {
	return l.queryRows(
		`SELECT * FROM conflicts ORDER BY detected_at DESC, id LIMIT ?`, n)
}

// Count reports the number of retained conflicts.
func (l *ConflictLog) Count() (int, error) {
	var n int
	err := l.db.Get(&n, `SELECT COUNT(*) FROM conflicts`)
	return n, err
}
