package iddb

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

// Cleanup trims every open space of this session to at most maxIDs image
// rows (oldest atime first) and drops upload rows for forgotten ids.
func (d *DB) Cleanup(maxIDs int) error {
	for _, sp := range idspace.AllSpaces() {
		c, err := d.conn(sp, false)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		err = withTx(c, func(tx *sql.Tx) error {
			if maxIDs > 0 {
				_, err := tx.Exec(`
					DELETE FROM images WHERE id IN (
						SELECT id FROM images ORDER BY atime ASC
						LIMIT (SELECT MAX(COUNT(*) - ?, 0) FROM images)
					)`, maxIDs)
				if err != nil {
					return err
				}
			}
			_, err := tx.Exec(
				"DELETE FROM uploads WHERE id NOT IN (SELECT id FROM images)")
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CleanupOldDatabases removes database files in dir whose modification
// time is older than maxAge, skipping the files of the current session.
// The removed paths are returned.
func (d *DB) CleanupOldDatabases(maxAge time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		if strings.HasPrefix(name, d.session+"-") {
			continue
		}
		path := filepath.Join(d.dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if os.Remove(path) == nil {
				removed = append(removed, path)
				// WAL sidecar files go with the database.
				os.Remove(path + "-wal")
				os.Remove(path + "-shm")
			}
		}
	}
	return removed, nil
}
