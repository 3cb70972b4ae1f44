package iddb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

// ErrNotFound is returned when an id has no record.
var ErrNotFound = errors.New("id not found in the database")

const imageColumns = "id, fingerprint, path, mtime_ns, size, cols, rows, params, atime"

func scanImage(row interface{ Scan(...any) error }, sp idspace.Space) (ImageRecord, error) {
	var r ImageRecord
	var id int64
	var atime int64
	err := row.Scan(&id, &r.Fingerprint, &r.Path, &r.MtimeNs, &r.Size, &r.Cols, &r.Rows, &r.Params, &atime)
	if err != nil {
		return r, err
	}
	r.ID = uint32(id)
	r.Space = sp
	r.Atime = nsToTime(atime)
	return r, nil
}

// Get fetches the record of an id; the space is inferred from the id.
func (d *DB) Get(id uint32) (ImageRecord, error) {
	sp, err := idspace.FromID(id)
	if err != nil {
		return ImageRecord{}, err
	}
	c, err := d.conn(sp, false)
	if err != nil {
		return ImageRecord{}, err
	}
	if c == nil {
		return ImageRecord{}, ErrNotFound
	}
	row := c.QueryRow("SELECT "+imageColumns+" FROM images WHERE id = ?", int64(id))
	rec, err := scanImage(row, sp)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRecord{}, ErrNotFound
	}
	return rec, err
}

// LookupByFingerprint finds the id bound to a fingerprint in the given
// space and subspace, without touching atime.
func (d *DB) LookupByFingerprint(sp idspace.Space, ss idspace.Subspace, fp string) (ImageRecord, error) {
	c, err := d.conn(sp, false)
	if err != nil {
		return ImageRecord{}, err
	}
	if c == nil {
		return ImageRecord{}, ErrNotFound
	}
	where, args := subspaceWhere(sp, ss)
	row := c.QueryRow(
		"SELECT "+imageColumns+" FROM images WHERE fingerprint = ? AND "+where, append([]any{fp}, args...)...)
	rec, err := scanImage(row, sp)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRecord{}, ErrNotFound
	}
	return rec, err
}

func upsertImage(tx *sql.Tx, rec ImageRecord, atime time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO images (id, fingerprint, path, mtime_ns, size, cols, rows, params, atime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fingerprint=excluded.fingerprint, path=excluded.path,
			mtime_ns=excluded.mtime_ns, size=excluded.size,
			cols=excluded.cols, rows=excluded.rows,
			params=excluded.params, atime=excluded.atime`,
		int64(rec.ID), rec.Fingerprint, rec.Path, rec.MtimeNs, rec.Size,
		rec.Cols, rec.Rows, rec.Params, timeToNs(atime))
	return err
}

// UpdateParams records new format parameters on an instance, e.g. the
// byte-capped variant chosen for a transport.
func (d *DB) UpdateParams(id uint32, params string) error {
	sp, err := idspace.FromID(id)
	if err != nil {
		return err
	}
	c, err := d.conn(sp, false)
	if err != nil || c == nil {
		return err
	}
	return withTx(c, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE images SET params = ? WHERE id = ?", params, int64(id))
		return err
	})
}

// Touch refreshes the access time of an id.
func (d *DB) Touch(id uint32, now time.Time) error {
	sp, err := idspace.FromID(id)
	if err != nil {
		return err
	}
	c, err := d.conn(sp, false)
	if err != nil || c == nil {
		return err
	}
	return withTx(c, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE images SET atime = ? WHERE id = ?", timeToNs(now), int64(id))
		return err
	})
}

// Count returns the number of ids in a space restricted to a subspace.
func (d *DB) Count(sp idspace.Space, ss idspace.Subspace) (int, error) {
	c, err := d.conn(sp, false)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, nil
	}
	where, args := subspaceWhere(sp, ss)
	var n int
	err = c.QueryRow("SELECT COUNT(*) FROM images WHERE "+where, args...).Scan(&n)
	return n, err
}

// assignAttempts bounds the rejection sampling of fresh random ids before
// falling back to stealing the least recently used id.
const assignAttempts = 16

// Assign implements the DEFAULT policy: reuse the id bound to the
// fingerprint if present, otherwise mint a random id in (space, subspace),
// evicting the least-recently-used id when the subspace budget is
// exceeded. The updated record (with its id) is returned.
func (d *DB) Assign(rec ImageRecord, ss idspace.Subspace, maxIDs int, now time.Time) (ImageRecord, error) {
	sp := rec.Space
	if sp == "" {
		return rec, fmt.Errorf("image record has no id space")
	}
	c, err := d.conn(sp, true)
	if err != nil {
		return rec, err
	}
	where, args := subspaceWhere(sp, ss)

	err = withTx(c, func(tx *sql.Tx) error {
		// Reuse the id of an equivalent instance.
		var id int64
		err := tx.QueryRow(
			"SELECT id FROM images WHERE fingerprint = ? AND "+where,
			append([]any{rec.Fingerprint}, args...)...).Scan(&id)
		if err == nil {
			rec.ID = uint32(id)
			rec.Atime = now
			_, err = tx.Exec("UPDATE images SET atime = ? WHERE id = ?", timeToNs(now), id)
			return err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		// Enforce the subspace budget before minting: after the insert the
		// count never exceeds maxIDs+1.
		if maxIDs > 0 {
			if err := evictLRU(tx, where, args, maxIDs); err != nil {
				return err
			}
		}

		// Rejection sampling for an unused id.
		for attempt := 0; attempt < assignAttempts; attempt++ {
			candidate, err := idspace.RandomID(sp, ss)
			if err != nil {
				return err
			}
			var exists int64
			err = tx.QueryRow("SELECT id FROM images WHERE id = ?", int64(candidate)).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				rec.ID = candidate
				rec.Atime = now
				return upsertImage(tx, rec, now)
			}
			if err != nil {
				return err
			}
		}

		// The subspace is crowded; steal the least recently used id.
		var victim int64
		err = tx.QueryRow(
			"SELECT id FROM images WHERE "+where+" ORDER BY atime ASC LIMIT 1",
			args...).Scan(&victim)
		if err != nil {
			return fmt.Errorf("no free id in subspace: %w", err)
		}
		rec.ID = uint32(victim)
		rec.Atime = now
		if err := upsertImage(tx, rec, now); err != nil {
			return err
		}
		return dirtyUploads(tx, uint32(victim), "id reassigned")
	})
	return rec, err
}

// evictLRU deletes oldest-atime rows matching where until at most maxIDs-1
// remain, making room for one mint.
func evictLRU(tx *sql.Tx, where string, args []any, maxIDs int) error {
	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM images WHERE "+where, args...).Scan(&count); err != nil {
		return err
	}
	if count < maxIDs {
		return nil
	}
	excess := count - maxIDs + 1
	_, err := tx.Exec(
		"DELETE FROM images WHERE id IN (SELECT id FROM images WHERE "+where+
			" ORDER BY atime ASC LIMIT ?)", append(append([]any{}, args...), excess)...)
	return err
}

// ForceAssign binds an explicit id to the record, stealing it from any
// instance it was bound to. Upload status rows referencing the id are
// marked dirty so a later fix re-transmits the new instance. The previous
// record, if any, is returned.
func (d *DB) ForceAssign(id uint32, rec ImageRecord, now time.Time) (ImageRecord, ImageRecord, error) {
	sp, err := idspace.FromID(id)
	if err != nil {
		return rec, ImageRecord{}, err
	}
	rec.ID = id
	rec.Space = sp
	c, err := d.conn(sp, true)
	if err != nil {
		return rec, ImageRecord{}, err
	}
	var old ImageRecord
	err = withTx(c, func(tx *sql.Tx) error {
		row := tx.QueryRow("SELECT "+imageColumns+" FROM images WHERE id = ?", int64(id))
		prev, err := scanImage(row, sp)
		if err == nil {
			old = prev
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		rec.Atime = now
		if err := upsertImage(tx, rec, now); err != nil {
			return err
		}
		if old.ID != 0 && old.Fingerprint != rec.Fingerprint {
			return dirtyUploads(tx, id, "description changed")
		}
		return nil
	})
	return rec, old, err
}

func dirtyUploads(tx *sql.Tx, id uint32, reason string) error {
	_, err := tx.Exec(
		"UPDATE uploads SET status = ?, reason = ? WHERE id = ?",
		StatusDirty, reason, int64(id))
	return err
}
