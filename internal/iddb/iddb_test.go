package iddb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), "test-session")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func record(fp, path string, cols, rows int) ImageRecord {
	return ImageRecord{
		Space:       idspace.Space24Bit,
		Fingerprint: fp,
		Path:        path,
		MtimeNs:     1000,
		Size:        64,
		Cols:        cols,
		Rows:        rows,
	}
}

func TestAssign_Idempotent(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	rec1, err := db.Assign(record("fp1", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, now)
	require.NoError(t, err)
	require.NotZero(t, rec1.ID)
	assert.True(t, idspace.Space24Bit.Contains(rec1.ID))

	rec2, err := db.Assign(record("fp1", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, rec1.ID, rec2.ID)

	rec3, err := db.Assign(record("fp2", "/img/b.png", 5, 2), idspace.FullSubspace(), 1024, now)
	require.NoError(t, err)
	assert.NotEqual(t, rec1.ID, rec3.ID)
}

func TestAssign_SubspaceConstraint(t *testing.T) {
	db := testDB(t)
	ss, err := idspace.NewSubspace(42, 43)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		rec := record("fp-sub", "/img/a.png", 5, 2)
		rec.Fingerprint = rec.Fingerprint + string(rune('a'+i))
		got, err := db.Assign(rec, ss, 1024, time.Now())
		require.NoError(t, err)
		assert.Equal(t, uint8(42), idspace.Space24Bit.HighByte(got.ID))
	}
}

func TestAssign_LRUEviction(t *testing.T) {
	db := testDB(t)
	base := time.Now()
	const maxIDs = 4

	for i := 0; i < 10; i++ {
		rec := record("", "/img/x.png", 5, 2)
		rec.Fingerprint = string(rune('a' + i))
		_, err := db.Assign(rec, idspace.FullSubspace(), maxIDs, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		count, err := db.Count(idspace.Space24Bit, idspace.FullSubspace())
		require.NoError(t, err)
		assert.LessOrEqual(t, count, maxIDs)
	}
}

func TestForceAssign_Steal(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	const id = 0x123456

	rec1 := record("fp-one", "/img/p1.png", 5, 2)
	forced, old, err := db.ForceAssign(id, rec1, now)
	require.NoError(t, err)
	assert.Zero(t, old.ID)
	assert.Equal(t, uint32(id), forced.ID)
	assert.Equal(t, idspace.Space24Bit, forced.Space)

	// Mark it uploaded so the steal has status to invalidate.
	require.NoError(t, db.MarkUploaded("term-1", id, rec1.Description(), "file", 64, now, true))

	rec2 := record("fp-two", "/img/p2.png", 4, 2)
	forced2, old2, err := db.ForceAssign(id, rec2, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(id), forced2.ID)
	assert.Equal(t, "fp-one", old2.Fingerprint)

	got, err := db.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "fp-two", got.Fingerprint)

	// The old upload status is dirty now: fix must re-transmit.
	status, err := db.UploadStatus("term-1", id)
	require.NoError(t, err)
	assert.Equal(t, StatusDirty, status.Status)
	assert.Equal(t, "description changed", status.Reason)

	needs, err := db.NeedsUpload("term-1", id, rec2.Description(), now, 2*time.Second, ReuploadLimits{})
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestUploadLifecycle(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	rec, err := db.Assign(record("fp-up", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, now)
	require.NoError(t, err)
	desc := rec.Description()

	// Fresh id needs uploading.
	needs, err := db.NeedsUpload("term-1", rec.ID, desc, now, 2*time.Second, ReuploadLimits{})
	require.NoError(t, err)
	assert.True(t, needs)

	taken, err := db.TakeUpload("term-1", rec.ID, desc, "direct", 64, now, 2*time.Second, false, false)
	require.NoError(t, err)
	assert.True(t, taken)

	// While in progress with a live heartbeat, a second process backs off.
	taken2, err := db.TakeUpload("term-1", rec.ID, desc, "direct", 64, now.Add(time.Second), 2*time.Second, false, false)
	require.NoError(t, err)
	assert.False(t, taken2)

	// Status is observable during the window.
	status, err := db.UploadStatus("term-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, status.Status)

	require.NoError(t, db.Progress("term-1", rec.ID, 32, now.Add(time.Second)))
	require.NoError(t, db.MarkUploaded("term-1", rec.ID, desc, "direct", 64, now.Add(2*time.Second), true))

	needs, err = db.NeedsUpload("term-1", rec.ID, desc, now.Add(3*time.Second), 2*time.Second, ReuploadLimits{})
	require.NoError(t, err)
	assert.False(t, needs)

	// Uploaded rows do not block other terminals.
	needs, err = db.NeedsUpload("term-2", rec.ID, desc, now, 2*time.Second, ReuploadLimits{})
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestTakeUpload_StallTakeover(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	rec, err := db.Assign(record("fp-stall", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, now)
	require.NoError(t, err)
	desc := rec.Description()

	taken, err := db.TakeUpload("term-1", rec.ID, desc, "direct", 64, now, 2*time.Second, false, false)
	require.NoError(t, err)
	require.True(t, taken)

	// Within the stall timeout the observer trusts the writer.
	needs, err := db.NeedsUpload("term-1", rec.ID, desc, now.Add(time.Second), 2*time.Second, ReuploadLimits{})
	require.NoError(t, err)
	assert.False(t, needs)

	// Once progress goes stale the observer may take over.
	stale := now.Add(5 * time.Second)
	needs, err = db.NeedsUpload("term-1", rec.ID, desc, stale, 2*time.Second, ReuploadLimits{})
	require.NoError(t, err)
	assert.True(t, needs)

	taken, err = db.TakeUpload("term-1", rec.ID, desc, "direct", 64, stale, 2*time.Second, false, false)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestNeedsUpload_DescriptionMismatch(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	rec, err := db.Assign(record("fp-a", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, now)
	require.NoError(t, err)
	require.NoError(t, db.MarkUploaded("t1", rec.ID, rec.Description(), "file", 64, now, true))

	needs, err := db.NeedsUpload("t1", rec.ID, "some-other-description", now, 2*time.Second, ReuploadLimits{})
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestNeedsUpload_AgeLimits(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	rec, err := db.Assign(record("fp-old", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, now)
	require.NoError(t, err)
	require.NoError(t, db.MarkUploaded("t1", rec.ID, rec.Description(), "file", 64, now, true))

	limits := ReuploadLimits{MaxTimeAgo: time.Hour}
	needs, err := db.NeedsUpload("t1", rec.ID, rec.Description(), now.Add(30*time.Minute), 2*time.Second, limits)
	require.NoError(t, err)
	assert.False(t, needs)

	needs, err = db.NeedsUpload("t1", rec.ID, rec.Description(), now.Add(2*time.Hour), 2*time.Second, limits)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestMarkUploaded_NotTrusted(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	rec, err := db.Assign(record("fp-mark", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, now)
	require.NoError(t, err)
	require.NoError(t, db.MarkUploaded("t1", rec.ID, rec.Description(), "file", 64, now, false))

	status, err := db.UploadStatus("t1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDirty, status.Status)
}

func TestForgetAndDirty(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	rec, err := db.Assign(record("fp-f", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, now)
	require.NoError(t, err)
	require.NoError(t, db.MarkUploaded("t1", rec.ID, rec.Description(), "file", 64, now, true))

	require.NoError(t, db.MarkDirty(rec.ID, "marked dirty"))
	needs, err := db.NeedsUpload("t1", rec.ID, rec.Description(), now, 2*time.Second, ReuploadLimits{})
	require.NoError(t, err)
	assert.True(t, needs)

	require.NoError(t, db.Forget(rec.ID))
	_, err = db.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.UploadStatus("t1", rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_QueryFilters(t *testing.T) {
	db := testDB(t)
	base := time.Now().Add(-time.Hour)
	var ids []uint32
	for i := 0; i < 5; i++ {
		rec := record("", "/img/x.png", 5, 2)
		rec.Fingerprint = string(rune('a' + i))
		rec.Path = rec.Path + string(rune('a'+i))
		got, err := db.Assign(rec, idspace.FullSubspace(), 1024, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ids = append(ids, got.ID)
	}

	all, err := db.List(Query{All: true})
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Most recent first.
	assert.Equal(t, ids[4], all[0].ID)

	lastTwo, err := db.List(Query{Last: 2})
	require.NoError(t, err)
	require.Len(t, lastTwo, 2)
	assert.Equal(t, ids[4], lastTwo[0].ID)
	assert.Equal(t, ids[3], lastTwo[1].ID)

	exceptLast, err := db.List(Query{ExceptLast: 3})
	require.NoError(t, err)
	require.Len(t, exceptLast, 2)

	byID, err := db.List(Query{IDs: []uint32{ids[1]}})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, ids[1], byID[0].ID)

	byPath, err := db.List(Query{Paths: []string{"/img/x.pngc"}})
	require.NoError(t, err)
	require.Len(t, byPath, 1)
	assert.Equal(t, ids[2], byPath[0].ID)
}

func TestCleanup(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	for i := 0; i < 10; i++ {
		rec := record("", "/img/x.png", 5, 2)
		rec.Fingerprint = string(rune('a' + i))
		_, err := db.Assign(rec, idspace.FullSubspace(), 0, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	require.NoError(t, db.Cleanup(3))
	count, err := db.Count(idspace.Space24Bit, idspace.FullSubspace())
	require.NoError(t, err)
	assert.LessOrEqual(t, count, 3)
}

func TestCleanupOldDatabases(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "current")
	require.NoError(t, err)
	defer db.Close()

	// The current session's file must survive.
	_, err = db.Assign(record("fp", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, time.Now())
	require.NoError(t, err)

	other, err := Open(dir, "stale")
	require.NoError(t, err)
	_, err = other.Assign(record("fp", "/img/a.png", 5, 2), idspace.FullSubspace(), 1024, time.Now())
	require.NoError(t, err)
	require.NoError(t, other.Close())

	// Nothing is old enough yet.
	removed, err := db.CleanupOldDatabases(time.Hour, time.Now())
	require.NoError(t, err)
	assert.Empty(t, removed)

	// From the far future everything but the current session is stale.
	removed, err = db.CleanupOldDatabases(time.Hour, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, removed)
	assert.True(t, db.Exists(idspace.Space24Bit))
}
