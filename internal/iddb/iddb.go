// Package iddb implements the persistent ID database: image-instance
// records keyed by fingerprint and identifier, and per-terminal upload
// status. Many cooperating processes open the same database files; every
// mutation runs in a short transaction and retries on lock contention.
package iddb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

// Upload status values.
const (
	StatusUploaded   = "uploaded"
	StatusInProgress = "in_progress"
	StatusDirty      = "dirty"
)

// ImageRecord is one image instance owned by the database.
type ImageRecord struct {
	ID          uint32
	Space       idspace.Space
	Fingerprint string
	Path        string
	MtimeNs     int64
	Size        int64
	Cols        int
	Rows        int
	Params      string
	Atime       time.Time
}

// Description is the blob recorded with upload status rows; it captures
// the instance the terminal currently associates with the id.
func (r ImageRecord) Description() string {
	return r.Fingerprint
}

// UploadRecord is the per-(terminal, id) upload status row.
type UploadRecord struct {
	TerminalID   string
	ID           uint32
	Status       string
	Reason       string
	Transport    string
	Size         int64
	BytesSent    int64
	StartedAt    time.Time
	UploadTime   time.Time
	ProgressTime time.Time
	Description  string
	// UploadsAgo and BytesAgo count the uploads that happened to the same
	// terminal after this one.
	UploadsAgo int64
	BytesAgo   int64
}

// Stalled reports whether an in-progress upload has gone without progress
// updates longer than the stall timeout.
func (u UploadRecord) Stalled(now time.Time, stallTimeout time.Duration) bool {
	return u.Status == StatusInProgress && now.Sub(u.ProgressTime) > stallTimeout
}

// DB is a handle to the database directory of one allocation session. One
// sqlite file per id space is opened lazily.
type DB struct {
	dir     string
	session string

	mu    sync.Mutex
	conns map[idspace.Space]*sql.DB
}

// Open prepares a handle; no files are created until the first write.
func Open(dir, session string) (*DB, error) {
	if session == "" {
		return nil, fmt.Errorf("empty session id")
	}
	return &DB{dir: dir, session: session, conns: map[idspace.Space]*sql.DB{}}, nil
}

// Close closes every open database file.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for sp, c := range d.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.conns, sp)
	}
	return first
}

// File returns the database file path of a space.
func (d *DB) File(sp idspace.Space) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s-%s.db", d.session, sp))
}

// Dir returns the database directory.
func (d *DB) Dir() string { return d.dir }

// Exists reports whether the database file of a space exists on disk.
func (d *DB) Exists(sp idspace.Space) bool {
	_, err := os.Stat(d.File(sp))
	return err == nil
}

// conn opens (and on first use initialises) the database of a space. When
// create is false and the file does not exist, (nil, nil) is returned so
// read-only queries skip absent spaces.
func (d *DB) conn(sp idspace.Space, create bool) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[sp]; ok {
		return c, nil
	}
	path := d.File(sp)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, nil
		}
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)", path)
	c, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open id database %s: %w", path, err)
	}
	if err := initSchema(c); err != nil {
		c.Close()
		return nil, fmt.Errorf("init id database %s: %w", path, err)
	}
	d.conns[sp] = c
	return c, nil
}

func initSchema(c *sql.DB) error {
	_, err := c.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			path TEXT NOT NULL,
			mtime_ns INTEGER NOT NULL,
			size INTEGER NOT NULL,
			cols INTEGER NOT NULL,
			rows INTEGER NOT NULL,
			params TEXT NOT NULL DEFAULT '',
			atime INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_images_fingerprint ON images (fingerprint);
		CREATE INDEX IF NOT EXISTS idx_images_atime ON images (atime);
		CREATE TABLE IF NOT EXISTS uploads (
			terminal_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			transport TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL DEFAULT 0,
			upload_time INTEGER NOT NULL DEFAULT 0,
			progress_time INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (terminal_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_uploads_id ON uploads (id);
	`)
	return err
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func timeToNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// highByteShift is the bit shift extracting the subspace-constrained byte
// of an id in a space.
func highByteShift(sp idspace.Space) uint {
	switch sp {
	case idspace.Space8Bit:
		return 0
	case idspace.Space16Bit:
		return 8
	case idspace.Space24Bit:
		return 16
	default:
		return 24
	}
}

// subspaceWhere builds the SQL filter matching ids whose high byte lies in
// the subspace.
func subspaceWhere(sp idspace.Space, ss idspace.Subspace) (string, []any) {
	if ss.IsFull() {
		return "1=1", nil
	}
	shift := highByteShift(sp)
	return "((id >> ?) & 255) >= ? AND ((id >> ?) & 255) < ?",
		[]any{shift, ss.Begin, shift, ss.End}
}
