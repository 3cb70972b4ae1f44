package iddb

import (
	"database/sql"
	"errors"
	"time"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

const uploadColumns = `terminal_id, id, status, reason, transport, size, bytes_sent,
	started_at, upload_time, progress_time, description,
	(SELECT COUNT(*) FROM uploads u2 WHERE u2.terminal_id = u.terminal_id AND u2.seq > u.seq),
	(SELECT COALESCE(SUM(u3.size), 0) FROM uploads u3 WHERE u3.terminal_id = u.terminal_id AND u3.seq > u.seq)`

func scanUpload(row interface{ Scan(...any) error }) (UploadRecord, error) {
	var r UploadRecord
	var id, started, uploaded, progress int64
	err := row.Scan(&r.TerminalID, &id, &r.Status, &r.Reason, &r.Transport,
		&r.Size, &r.BytesSent, &started, &uploaded, &progress, &r.Description,
		&r.UploadsAgo, &r.BytesAgo)
	if err != nil {
		return r, err
	}
	r.ID = uint32(id)
	r.StartedAt = nsToTime(started)
	r.UploadTime = nsToTime(uploaded)
	r.ProgressTime = nsToTime(progress)
	return r, nil
}

// UploadStatus returns the status row for (terminal, id).
func (d *DB) UploadStatus(terminalID string, id uint32) (UploadRecord, error) {
	sp, err := idspace.FromID(id)
	if err != nil {
		return UploadRecord{}, err
	}
	c, err := d.conn(sp, false)
	if err != nil {
		return UploadRecord{}, err
	}
	if c == nil {
		return UploadRecord{}, ErrNotFound
	}
	row := c.QueryRow(
		"SELECT "+uploadColumns+" FROM uploads u WHERE terminal_id = ? AND id = ?",
		terminalID, int64(id))
	rec, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadRecord{}, ErrNotFound
	}
	return rec, err
}

// Uploads returns every terminal's status row for an id, most recent
// upload first.
func (d *DB) Uploads(id uint32) ([]UploadRecord, error) {
	sp, err := idspace.FromID(id)
	if err != nil {
		return nil, err
	}
	c, err := d.conn(sp, false)
	if err != nil || c == nil {
		return nil, err
	}
	rows, err := c.Query(
		"SELECT "+uploadColumns+" FROM uploads u WHERE id = ? ORDER BY upload_time DESC",
		int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReuploadLimits are the staleness thresholds beyond which an uploaded
// image is treated as needing a reupload.
type ReuploadLimits struct {
	MaxUploadsAgo int64
	MaxBytesAgo   int64
	MaxTimeAgo    time.Duration
}

// NeedsUpload decides whether (terminal, id) requires a transmission,
// given the description of the current instance.
func (d *DB) NeedsUpload(terminalID string, id uint32, description string,
	now time.Time, stallTimeout time.Duration, limits ReuploadLimits) (bool, error) {

	rec, err := d.UploadStatus(terminalID, id)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Description != description {
		return true, nil
	}
	switch rec.Status {
	case StatusDirty:
		return true, nil
	case StatusInProgress:
		// Trust the other process unless it stalled.
		return rec.Stalled(now, stallTimeout), nil
	case StatusUploaded:
		if limits.MaxUploadsAgo > 0 && rec.UploadsAgo > limits.MaxUploadsAgo {
			return true, nil
		}
		if limits.MaxBytesAgo > 0 && rec.BytesAgo > limits.MaxBytesAgo {
			return true, nil
		}
		if limits.MaxTimeAgo > 0 && now.Sub(rec.UploadTime) > limits.MaxTimeAgo {
			return true, nil
		}
		return false, nil
	}
	return true, nil
}

// TakeUpload tries to claim the upload of (terminal, id). It returns false
// when another process's state makes the upload unnecessary: an up-to-date
// uploaded row, or a live in-progress row (unless concurrent uploads are
// allowed). On success the row is set to in-progress with a fresh
// heartbeat.
func (d *DB) TakeUpload(terminalID string, id uint32, description, transport string,
	size int64, now time.Time, stallTimeout time.Duration,
	force, allowConcurrent bool) (bool, error) {

	sp, err := idspace.FromID(id)
	if err != nil {
		return false, err
	}
	c, err := d.conn(sp, true)
	if err != nil {
		return false, err
	}
	taken := false
	err = withTx(c, func(tx *sql.Tx) error {
		row := tx.QueryRow(
			"SELECT "+uploadColumns+" FROM uploads u WHERE terminal_id = ? AND id = ?",
			terminalID, int64(id))
		rec, err := scanUpload(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case force:
		case rec.Status == StatusUploaded && rec.Description == description:
			return nil // already uploaded, no-op
		case rec.Status == StatusInProgress && rec.Description == description &&
			!rec.Stalled(now, stallTimeout) && !allowConcurrent:
			return nil // another process is uploading, trust it
		}
		taken = true
		_, err = tx.Exec(`
			INSERT INTO uploads (terminal_id, id, status, reason, transport, size,
				bytes_sent, started_at, upload_time, progress_time, description)
			VALUES (?, ?, ?, '', ?, ?, 0, ?, 0, ?, ?)
			ON CONFLICT(terminal_id, id) DO UPDATE SET
				status=excluded.status, reason='', transport=excluded.transport,
				size=excluded.size, bytes_sent=0, started_at=excluded.started_at,
				progress_time=excluded.progress_time, description=excluded.description`,
			terminalID, int64(id), StatusInProgress, transport, size,
			timeToNs(now), timeToNs(now), description)
		return err
	})
	return taken, err
}

// Progress refreshes the heartbeat of an in-progress upload. Writers call
// it at least every upload_progress_update_interval.
func (d *DB) Progress(terminalID string, id uint32, bytesSent int64, now time.Time) error {
	sp, err := idspace.FromID(id)
	if err != nil {
		return err
	}
	c, err := d.conn(sp, true)
	if err != nil {
		return err
	}
	return withTx(c, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE uploads SET bytes_sent = ?, progress_time = ?
			WHERE terminal_id = ? AND id = ? AND status = ?`,
			bytesSent, timeToNs(now), terminalID, int64(id), StatusInProgress)
		return err
	})
}

// MarkUploaded finalises an upload. With markUploaded=false the row is
// recorded as dirty instead (the bytes were sent but the caller does not
// want them trusted).
func (d *DB) MarkUploaded(terminalID string, id uint32, description, transport string,
	size int64, now time.Time, markUploaded bool) error {

	sp, err := idspace.FromID(id)
	if err != nil {
		return err
	}
	c, err := d.conn(sp, true)
	if err != nil {
		return err
	}
	status := StatusUploaded
	reason := ""
	if !markUploaded {
		status = StatusDirty
		reason = "not marked as uploaded"
	}
	return withTx(c, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM uploads WHERE terminal_id = ?",
			terminalID).Scan(&seq); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO uploads (terminal_id, id, status, reason, transport, size,
				bytes_sent, seq, started_at, upload_time, progress_time, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(terminal_id, id) DO UPDATE SET
				status=excluded.status, reason=excluded.reason,
				transport=excluded.transport, size=excluded.size,
				bytes_sent=excluded.bytes_sent, seq=excluded.seq,
				upload_time=excluded.upload_time,
				progress_time=excluded.progress_time,
				description=excluded.description`,
			terminalID, int64(id), status, reason, transport, size, size, seq,
			timeToNs(now), timeToNs(now), timeToNs(now), description)
		return err
	})
}

// MarkDirty flags the id as needing a reupload on every terminal.
func (d *DB) MarkDirty(id uint32, reason string) error {
	sp, err := idspace.FromID(id)
	if err != nil {
		return err
	}
	c, err := d.conn(sp, true)
	if err != nil {
		return err
	}
	return withTx(c, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE uploads SET status = ?, reason = ? WHERE id = ?",
			StatusDirty, reason, int64(id))
		return err
	})
}

// Forget deletes the image record and its upload rows.
func (d *DB) Forget(id uint32) error {
	sp, err := idspace.FromID(id)
	if err != nil {
		return err
	}
	c, err := d.conn(sp, false)
	if err != nil || c == nil {
		return err
	}
	return withTx(c, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM images WHERE id = ?", int64(id)); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM uploads WHERE id = ?", int64(id))
		return err
	})
}
