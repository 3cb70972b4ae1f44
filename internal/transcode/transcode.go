// Package transcode maintains the content-addressed store of resized and
// re-encoded image variants. Object files live under objects/ with
// deterministic names and are only ever created by atomic rename, so any
// number of processes may convert the same source concurrently. A small
// sqlite index holds the metadata needed for constraint matching.
package transcode

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sergei-grechanik/ikup/internal/fingerprint"
)

// ErrNoEntry is the check-miss result: not an error to the cache, the
// caller decides whether to convert.
var ErrNoEntry = errors.New("no cache entry")

// CorruptError flags an entry whose file is missing or does not match the
// recorded metadata. The next convert recreates it.
type CorruptError struct {
	Path string
	Why  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s: %s", e.Path, e.Why)
}

// Constraint describes what the caller needs from a converted image.
// MaxBytes of 0 means no byte cap; empty Format means "same as source".
// Without a byte cap, a Width or Height of 0 is completed proportionally
// from the source when the other is set, and both 0 mean the full source
// size; the completed dimension is matched exactly, not left free.
type Constraint struct {
	Width     int
	Height    int
	MaxBytes  int64
	Format    string
	Quality   int
	Tolerance float64 // 0 uses the cache default
}

func (c Constraint) validate() error {
	if c.Width == 0 && c.Height == 0 && c.MaxBytes == 0 && c.Format == "" {
		return fmt.Errorf("no conversion parameters specified")
	}
	if c.MaxBytes != 0 && (c.Width != 0 || c.Height != 0) {
		return fmt.Errorf("cannot combine max_bytes with explicit dimensions")
	}
	if c.Width < 0 || c.Height < 0 || c.MaxBytes < 0 {
		return fmt.Errorf("conversion parameters must be non-negative")
	}
	return nil
}

// Entry is one cached variant.
type Entry struct {
	SourceFingerprint string
	SourcePath        string
	SourceMtimeNs     int64
	Width             int
	Height            int
	Format            string
	Quality           int
	Bytes             int64
	Name              string // relative to the cache directory
	Path              string // absolute
	Atime             time.Time
	IsFull            bool  // full source dimensions, no downscale
	ReqMaxBytes       int64 // the max-bytes request that produced it, if any
	Impossible        bool  // 1x1 minimum still exceeded the request
}

// SourceGroup lists the variants of one source image.
type SourceGroup struct {
	Path    string
	MtimeNs int64
	Entries []Entry
}

// Cache is the transcode cache rooted at a directory.
type Cache struct {
	dir       string
	db        *sql.DB
	tolerance float64
	maxImages int
	maxBytes  int64
	target    float64
}

// Options tune cache limits; zero fields use defaults matching the
// configuration defaults.
type Options struct {
	Tolerance     float64
	MaxImages     int
	MaxTotalBytes int64
	CleanupTarget float64
}

// Open creates or opens the cache at dir.
func Open(dir string, opts Options) (*Cache, error) {
	if opts.Tolerance <= 0 {
		opts.Tolerance = 0.2
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 4096
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = 300 * 1024 * 1024
	}
	if opts.CleanupTarget <= 0 || opts.CleanupTarget > 1 {
		opts.CleanupTarget = 0.9
	}
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)",
		filepath.Join(dir, "cache.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transcode (
			src_fp TEXT NOT NULL,
			src_path TEXT NOT NULL,
			src_mtime_ns INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			format TEXT NOT NULL,
			quality INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL,
			name TEXT NOT NULL UNIQUE,
			atime INTEGER NOT NULL,
			is_full INTEGER NOT NULL DEFAULT 0,
			req_max_bytes INTEGER NOT NULL DEFAULT 0,
			impossible INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (src_fp, format, width, height)
		);
		CREATE INDEX IF NOT EXISTS idx_transcode_src ON transcode (src_fp);
		CREATE INDEX IF NOT EXISTS idx_transcode_atime ON transcode (atime);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache index: %w", err)
	}
	return &Cache{
		dir:       dir,
		db:        db,
		tolerance: opts.Tolerance,
		maxImages: opts.MaxImages,
		maxBytes:  opts.MaxTotalBytes,
		target:    opts.CleanupTarget,
	}, nil
}

// Close closes the index database.
func (c *Cache) Close() error { return c.db.Close() }

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// objectName is the deterministic file name of a variant: the source
// fingerprint plus the output dimensions and format.
func objectName(fp string, w, h int, format string) string {
	return filepath.Join("objects",
		fmt.Sprintf("%s-%dx%d-%s", fp, w, h, strings.ToLower(format)))
}

func (c *Cache) entryPath(name string) string {
	return filepath.Join(c.dir, name)
}

const entryColumns = `src_fp, src_path, src_mtime_ns, width, height, format,
	quality, bytes, name, atime, is_full, req_max_bytes, impossible`

func (c *Cache) scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var atime int64
	var isFull, impossible int
	err := row.Scan(&e.SourceFingerprint, &e.SourcePath, &e.SourceMtimeNs,
		&e.Width, &e.Height, &e.Format, &e.Quality, &e.Bytes, &e.Name,
		&atime, &isFull, &e.ReqMaxBytes, &impossible)
	if err != nil {
		return e, err
	}
	e.Atime = time.Unix(0, atime)
	e.IsFull = isFull != 0
	e.Impossible = impossible != 0
	e.Path = c.entryPath(e.Name)
	return e, nil
}

// verify checks the entry's file against its metadata.
func (c *Cache) verify(e Entry) error {
	info, err := os.Stat(e.Path)
	if err != nil {
		return &CorruptError{e.Path, "file missing"}
	}
	if info.Size() != e.Bytes {
		return &CorruptError{e.Path, fmt.Sprintf("size %d does not match recorded %d", info.Size(), e.Bytes)}
	}
	return nil
}

func (c *Cache) touch(name string, now time.Time) {
	_, _ = c.db.Exec("UPDATE transcode SET atime = ? WHERE name = ?", now.UnixNano(), name)
}

// dropEntry removes the index row and best-effort deletes the file.
func (c *Cache) dropEntry(name string) {
	_, _ = c.db.Exec("DELETE FROM transcode WHERE name = ?", name)
	_ = os.Remove(c.entryPath(name))
}

// Check returns an existing entry satisfying the constraint, never
// converting. ErrNoEntry means no match; a *CorruptError means a matching
// entry exists but its file is unusable.
func (c *Cache) Check(src fingerprint.Source, constraint Constraint) (Entry, error) {
	if err := constraint.validate(); err != nil {
		return Entry{}, err
	}
	req, err := c.resolveRequest(src, constraint)
	if err != nil {
		return Entry{}, err
	}
	e, err := c.findEntry(req)
	if err != nil {
		return Entry{}, err
	}
	if err := c.verify(e); err != nil {
		c.dropEntry(e.Name)
		return Entry{}, err
	}
	c.touch(e.Name, time.Now())
	return e, nil
}

// findEntry implements the matching rules: without a byte cap, exact
// equality on both dimensions, including one that resolveRequest completed
// from the source; with a byte cap, the tolerance rule.
func (c *Cache) findEntry(req *request) (Entry, error) {
	if req.maxBytes > 0 {
		lowWater := int64(float64(req.maxBytes) * (1 - req.tolerance))
		row := c.db.QueryRow(`
			SELECT `+entryColumns+` FROM transcode
			WHERE src_fp = ? AND format = ?
			  AND (bytes <= ? OR (width = 1 AND height = 1 AND impossible = 1))
			  AND (bytes >= ? OR is_full = 1 OR impossible = 1 OR req_max_bytes >= ?)
			ORDER BY bytes DESC LIMIT 1`,
			req.fp, req.format, req.maxBytes, lowWater, req.maxBytes)
		e, err := c.scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNoEntry
		}
		return e, err
	}

	where := "src_fp = ?"
	args := []any{req.fp}
	if req.formatExplicit || req.width > 0 || req.height > 0 {
		where += " AND format = ?"
		args = append(args, req.format)
	}
	if req.widthExplicit {
		where += " AND width = ?"
		args = append(args, req.width)
	}
	if req.heightExplicit {
		where += " AND height = ?"
		args = append(args, req.height)
	}
	row := c.db.QueryRow(
		"SELECT "+entryColumns+" FROM transcode WHERE "+where+
			" ORDER BY bytes ASC LIMIT 1", args...)
	e, err := c.scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNoEntry
	}
	return e, err
}

// List returns cached entries grouped by source. With a non-nil source
// only that source's group is returned.
func (c *Cache) List(src *fingerprint.Source) ([]SourceGroup, error) {
	where := "1=1"
	var args []any
	if src != nil {
		where = "src_fp = ?"
		args = append(args, src.Hex())
	}
	rows, err := c.db.Query(
		"SELECT "+entryColumns+" FROM transcode WHERE "+where+
			" ORDER BY src_path, src_mtime_ns, bytes DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []SourceGroup
	for rows.Next() {
		e, err := c.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		n := len(groups)
		if n == 0 || groups[n-1].Path != e.SourcePath || groups[n-1].MtimeNs != e.SourceMtimeNs {
			groups = append(groups, SourceGroup{Path: e.SourcePath, MtimeNs: e.SourceMtimeNs})
			n++
		}
		groups[n-1].Entries = append(groups[n-1].Entries, e)
	}
	return groups, rows.Err()
}

// Remove deletes the variants of a source, optionally restricted by format
// and dimensions. The number of removed entries is returned.
func (c *Cache) Remove(src fingerprint.Source, format string, width, height int) (int, error) {
	where := "src_fp = ?"
	args := []any{src.Hex()}
	if format != "" {
		where += " AND format = ?"
		args = append(args, strings.ToUpper(format))
	}
	if width > 0 {
		where += " AND width = ?"
		args = append(args, width)
	}
	if height > 0 {
		where += " AND height = ?"
		args = append(args, height)
	}
	rows, err := c.db.Query("SELECT name FROM transcode WHERE "+where, args...)
	if err != nil {
		return 0, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		names = append(names, name)
	}
	rows.Close()
	for _, name := range names {
		c.dropEntry(name)
	}
	return len(names), nil
}

// Purge removes every cached variant.
func (c *Cache) Purge() (int, error) {
	rows, err := c.db.Query("SELECT name FROM transcode")
	if err != nil {
		return 0, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		names = append(names, name)
	}
	rows.Close()
	for _, name := range names {
		c.dropEntry(name)
	}
	return len(names), nil
}

// Stats describe the cache occupancy.
type Stats struct {
	Entries    int
	TotalBytes int64
	MaxEntries int
	MaxBytes   int64
}

// Status reports the occupancy against the configured limits.
func (c *Cache) Status() (Stats, error) {
	var s Stats
	err := c.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(bytes), 0) FROM transcode").
		Scan(&s.Entries, &s.TotalBytes)
	s.MaxEntries = c.maxImages
	s.MaxBytes = c.maxBytes
	return s, err
}

// Cleanup evicts oldest entries until both the entry count and the total
// size are within max*cleanup_target. Stray temp files in the objects
// directory are garbage collected too.
func (c *Cache) Cleanup() (int, error) {
	stats, err := c.Status()
	if err != nil {
		return 0, err
	}
	removed := 0
	if stats.Entries > c.maxImages || stats.TotalBytes > c.maxBytes {
		targetCount := int(float64(c.maxImages) * c.target)
		targetBytes := int64(float64(c.maxBytes) * c.target)
		rows, err := c.db.Query("SELECT name, bytes FROM transcode ORDER BY atime ASC")
		if err != nil {
			return 0, err
		}
		type victim struct {
			name  string
			bytes int64
		}
		var victims []victim
		count, total := stats.Entries, stats.TotalBytes
		for rows.Next() {
			if count <= targetCount && total <= targetBytes {
				break
			}
			var v victim
			if err := rows.Scan(&v.name, &v.bytes); err != nil {
				rows.Close()
				return removed, err
			}
			victims = append(victims, v)
			count--
			total -= v.bytes
		}
		rows.Close()
		for _, v := range victims {
			c.dropEntry(v.name)
			removed++
		}
	}
	c.collectTempFiles()
	return removed, nil
}

// collectTempFiles removes leftover temp files from interrupted writers.
func (c *Cache) collectTempFiles() {
	dir := filepath.Join(c.dir, "objects")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "tmp-") {
			continue
		}
		info, err := entry.Info()
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
