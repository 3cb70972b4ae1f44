package upload

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergei-grechanik/ikup/internal/iddb"
	"github.com/sergei-grechanik/ikup/internal/idspace"
	"github.com/sergei-grechanik/ikup/internal/kitty"
)

func TestParse(t *testing.T) {
	tr, err := Parse("file")
	require.NoError(t, err)
	assert.Equal(t, TransportFile, tr)

	tr, err = Parse("stream")
	require.NoError(t, err)
	assert.Equal(t, TransportDirect, tr)

	tr, err = Parse("direct")
	require.NoError(t, err)
	assert.Equal(t, TransportDirect, tr)

	_, err = Parse("temp")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = Parse("unknown")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func testUploader(t *testing.T, out *bytes.Buffer) (*Uploader, *iddb.DB) {
	t.Helper()
	db, err := iddb.Open(t.TempDir(), "upload-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Uploader{
		DB:               db,
		TerminalID:       "term-1",
		Out:              out,
		ChunkSize:        64,
		ProgressInterval: time.Millisecond,
		StallTimeout:     2 * time.Second,
		MarkUploaded:     true,
	}, db
}

func testRecord(t *testing.T, db *iddb.DB) iddb.ImageRecord {
	t.Helper()
	rec, err := db.Assign(iddb.ImageRecord{
		Space:       idspace.Space24Bit,
		Fingerprint: "fp-upload",
		Path:        "/img/a.png",
		MtimeNs:     1,
		Size:        int64(200),
		Cols:        5,
		Rows:        2,
	}, idspace.FullSubspace(), 1024, time.Now())
	require.NoError(t, err)
	return rec
}

func payloadFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.png")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDo_FileTransport(t *testing.T) {
	var out bytes.Buffer
	u, db := testUploader(t, &out)
	rec := testRecord(t, db)
	file := payloadFile(t, 100)

	res, err := u.Do(TransportFile, Request{Record: rec, File: file, Format: kitty.FormatPNG, Size: 100})
	require.NoError(t, err)
	assert.True(t, res.Transmitted)

	s := out.String()
	assert.Equal(t, 1, strings.Count(s, "\x1b_G"))
	assert.Contains(t, s, "t=f")
	assert.Contains(t, s, "q=2")
	assert.Contains(t, s, "a=T")
	assert.Contains(t, s, "U=1")
	assert.Contains(t, s, "f=100")
	assert.Contains(t, s, "r=2")
	assert.Contains(t, s, "c=5")

	// The payload decodes to a readable temp file with the staged bytes.
	payload := s[strings.Index(s, ";")+1 : strings.Index(s, "\x1b\\")]
	decoded, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	staged, err := os.ReadFile(string(decoded))
	require.NoError(t, err)
	assert.Len(t, staged, 100)
	os.Remove(string(decoded))

	status, err := db.UploadStatus("term-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, iddb.StatusUploaded, status.Status)
}

func TestDo_DirectTransportChunks(t *testing.T) {
	var out bytes.Buffer
	u, db := testUploader(t, &out)
	rec := testRecord(t, db)
	file := payloadFile(t, 300) // 400 base64 bytes -> several 64-byte chunks

	res, err := u.Do(TransportDirect, Request{Record: rec, File: file, Format: kitty.FormatPNG, Size: 300})
	require.NoError(t, err)
	assert.True(t, res.Transmitted)

	s := out.String()
	brackets := strings.Split(s, "\x1b\\")
	brackets = brackets[:len(brackets)-1]
	// Abort bracket + first chunk + continuations.
	require.Greater(t, len(brackets), 3)
	assert.Contains(t, brackets[0], "m=0")
	assert.Contains(t, brackets[1], "t=d")
	assert.Contains(t, brackets[1], "m=1")
	assert.Contains(t, brackets[1], "a=T")
	last := brackets[len(brackets)-1]
	assert.Contains(t, last, "m=0")
	for _, mid := range brackets[2 : len(brackets)-1] {
		assert.Contains(t, mid, "m=1")
		assert.NotContains(t, mid, "t=d")
	}

	// The concatenated chunk payloads decode to the original bytes.
	var encoded strings.Builder
	for _, b := range brackets[1:] {
		encoded.WriteString(b[strings.Index(b, ";")+1:])
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded.String())
	require.NoError(t, err)
	assert.Len(t, decoded, 300)
}

func TestDo_SecondUploadIsNoOp(t *testing.T) {
	var out bytes.Buffer
	u, db := testUploader(t, &out)
	rec := testRecord(t, db)
	file := payloadFile(t, 50)

	res, err := u.Do(TransportDirect, Request{Record: rec, File: file, Format: kitty.FormatPNG, Size: 50})
	require.NoError(t, err)
	require.True(t, res.Transmitted)

	out.Reset()
	res, err = u.Do(TransportDirect, Request{Record: rec, File: file, Format: kitty.FormatPNG, Size: 50})
	require.NoError(t, err)
	assert.False(t, res.Transmitted)
	assert.Empty(t, out.String())

	// Force bypasses the status check.
	res, err = u.Do(TransportDirect, Request{Record: rec, File: file, Format: kitty.FormatPNG, Size: 50, Force: true})
	require.NoError(t, err)
	assert.True(t, res.Transmitted)
	assert.NotEmpty(t, out.String())
}

func TestDo_SlowUploadObservableByOthers(t *testing.T) {
	var out bytes.Buffer
	u, db := testUploader(t, &out)
	u.ChunkSize = 16
	u.CommandDelay = 20 * time.Millisecond
	u.ProgressInterval = time.Millisecond
	rec := testRecord(t, db)
	file := payloadFile(t, 600) // 800 base64 bytes -> 50 slow chunks

	done := make(chan error, 1)
	go func() {
		_, err := u.Do(TransportDirect, Request{Record: rec, File: file, Format: kitty.FormatPNG, Size: 600})
		done <- err
	}()

	// Another process polls the status during the upload window.
	sawInProgress := false
	for i := 0; i < 100; i++ {
		status, err := db.UploadStatus("term-1", rec.ID)
		if err == nil && status.Status == iddb.StatusInProgress {
			sawInProgress = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, <-done)
	assert.True(t, sawInProgress, "observer should see the in-progress row")

	status, err := db.UploadStatus("term-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, iddb.StatusUploaded, status.Status)
}

func TestDo_InProgressBlocksOthers(t *testing.T) {
	var out bytes.Buffer
	u, db := testUploader(t, &out)
	rec := testRecord(t, db)
	file := payloadFile(t, 50)

	// Simulate another process mid-upload with a fresh heartbeat.
	taken, err := db.TakeUpload("term-1", rec.ID, rec.Description(), "direct", 50,
		time.Now(), 2*time.Second, false, false)
	require.NoError(t, err)
	require.True(t, taken)

	res, err := u.Do(TransportDirect, Request{Record: rec, File: file, Format: kitty.FormatPNG, Size: 50})
	require.NoError(t, err)
	assert.False(t, res.Transmitted)
}
