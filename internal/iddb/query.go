package iddb

import (
	"sort"
	"time"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

// Query selects image records for the bulk operations (list, forget,
// dirty, reupload, fix). The zero value with All set matches everything.
type Query struct {
	All        bool
	IDs        []uint32
	Paths      []string
	Last       int       // keep only the N most recently accessed
	ExceptLast int       // skip the N most recently accessed
	Older      time.Time // atime strictly before
	Newer      time.Time // atime strictly after
}

// Explicit reports whether the query names specific ids or paths.
func (q Query) Explicit() bool {
	return len(q.IDs) > 0 || len(q.Paths) > 0
}

// Empty reports whether no selection criteria are set at all.
func (q Query) Empty() bool {
	return !q.All && !q.Explicit() && q.Last == 0 && q.ExceptLast == 0 &&
		q.Older.IsZero() && q.Newer.IsZero()
}

// List returns the records of every space file of this session matching
// the query, ordered by access time, most recent first.
func (d *DB) List(q Query) ([]ImageRecord, error) {
	var all []ImageRecord
	for _, sp := range idspace.AllSpaces() {
		c, err := d.conn(sp, false)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		rows, err := c.Query("SELECT " + imageColumns + " FROM images ORDER BY atime DESC")
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			rec, err := scanImage(rows, sp)
			if err != nil {
				rows.Close()
				return nil, err
			}
			all = append(all, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Atime.After(all[j].Atime)
	})

	if q.All {
		return all, nil
	}

	idSet := map[uint32]bool{}
	for _, id := range q.IDs {
		idSet[id] = true
	}
	pathSet := map[string]bool{}
	for _, p := range q.Paths {
		pathSet[p] = true
	}

	var out []ImageRecord
	index := 0
	for _, rec := range all {
		if idSet[rec.ID] || pathSet[rec.Path] {
			out = append(out, rec)
			continue
		}
		if !q.Explicit() && (q.Last > 0 || q.ExceptLast > 0 || !q.Older.IsZero() || !q.Newer.IsZero()) {
			if !q.Newer.IsZero() && !rec.Atime.After(q.Newer) {
				continue
			}
			if !q.Older.IsZero() && !rec.Atime.Before(q.Older) {
				continue
			}
			index++
			if q.Last > 0 && index > q.Last {
				break
			}
			if q.ExceptLast > 0 && index <= q.ExceptLast {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}
