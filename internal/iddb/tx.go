package iddb

import (
	"database/sql"
	"strings"
	"time"
)

// busyRetries bounds the backoff loop; contention past this budget
// surfaces to the caller as the underlying busy error.
const busyRetries = 8

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withTx executes fn within a transaction, retrying on lock
// contention with bounded exponential backoff. It handles Begin, Rollback
// on error and Commit on success.
func withTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	backoff := 5 * time.Millisecond
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = runTx(db, fn)
		if !isBusy(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func runTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is intentional

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
