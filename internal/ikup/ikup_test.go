package ikup

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergei-grechanik/ikup/internal/config"
	"github.com/sergei-grechanik/ikup/internal/iddb"
	"github.com/sergei-grechanik/ikup/internal/idspace"
	"github.com/sergei-grechanik/ikup/internal/term"
)

// testTerminal builds a coordinator with deterministic identity, file
// outputs and isolated state directories.
func testTerminal(t *testing.T, mutate func(cfg *config.Config)) *Terminal {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.IDDatabaseDir = filepath.Join(dir, "db")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.TerminalName = "xterm-kitty"
	cfg.TerminalID = "test-terminal"
	cfg.SessionID = "test-session"
	cfg.CellSize = "8x16"
	cfg.MaxCols = "80"
	cfg.MaxRows = "24"
	cfg.CleanupProbability = 0
	cfg.UploadMethod = "file"
	if mutate != nil {
		mutate(cfg)
	}

	out, err := term.OpenOutput(
		filepath.Join(dir, "commands.out"),
		filepath.Join(dir, "display.out"))
	require.NoError(t, err)

	terminal, err := New(cfg, out, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		terminal.Close()
		out.Close()
	})
	return terminal
}

func readOutputs(t *testing.T, terminal *Terminal) (commands, display string) {
	t.Helper()
	dir := filepath.Dir(terminal.DB.Dir())
	cmdBytes, err := os.ReadFile(filepath.Join(dir, "commands.out"))
	require.NoError(t, err)
	dispBytes, err := os.ReadFile(filepath.Join(dir, "display.out"))
	require.NoError(t, err)
	return string(cmdBytes), string(dispBytes)
}

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	// Pseudo-noise keeps the PNG from compressing to nothing, so byte-cap
	// tests exercise real downscaling.
	state := uint32(w*31 + h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			state = state*1664525 + 1013904223
			img.Set(x, y, color.RGBA{
				R: uint8(state >> 24),
				G: uint8(state >> 16),
				B: uint8(state >> 8),
				A: 255,
			})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestOptimalBox_AspectAndClamping(t *testing.T) {
	terminal := testTerminal(t, nil)

	// 80x32 pixels at 8x16 cells: 10 cols, 2 rows.
	cols, rows, err := terminal.OptimalBox(80, 32, 0, 0, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, cols)
	assert.Equal(t, 2, rows)

	// Explicit rows, proportional cols.
	cols, rows, err = terminal.OptimalBox(64, 64, 0, 2, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, 4, cols)

	// An explicit box exceeding the max box is scaled down, keeping its
	// aspect.
	cols, rows, err = terminal.OptimalBox(100, 100, 10, 10, 3, 4, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, cols, 3)
	assert.LessOrEqual(t, rows, 4)
	assert.Equal(t, cols, rows)

	// Automatic dimensions clamp to the terminal size.
	cols, rows, err = terminal.OptimalBox(8000, 16, 0, 0, 0, 0, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, cols, 80)
	assert.GreaterOrEqual(t, rows, 1)
}

func TestAssignID_DefaultSpace(t *testing.T) {
	terminal := testTerminal(t, nil)
	path := writePNG(t, t.TempDir(), "a.png", 40, 32)

	rec, err := terminal.AssignID(path, Options{Rows: 2})
	require.NoError(t, err)
	assert.Equal(t, idspace.Space8BitDiacritic, rec.Space)
	assert.Equal(t, 2, rec.Rows)
	assert.Equal(t, 5, rec.Cols) // aspect: 40x32 px at 8x16 cells, 2 rows
	assert.True(t, idspace.Space8BitDiacritic.Contains(rec.ID))

	// Assigning the same instance again returns the same id.
	rec2, err := terminal.AssignID(path, Options{Rows: 2})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID)
}

func TestAssignID_SubspaceAcrossSpaces(t *testing.T) {
	terminal := testTerminal(t, nil)
	path := writePNG(t, t.TempDir(), "a.png", 40, 32)

	for _, space := range []string{"24bit", "32bit", "8bit", "16bit"} {
		rec, err := terminal.AssignID(path, Options{Rows: 2, Space: space, Subspace: "42:43"})
		require.NoError(t, err)
		sp, err := idspace.ParseSpace(space)
		require.NoError(t, err)
		assert.Equal(t, uint8(42), sp.HighByte(rec.ID), "space %s", space)
		if sp == idspace.Space8Bit {
			assert.Equal(t, uint32(42), rec.ID)
		}
	}
}

func TestDisplay_BasicFlow(t *testing.T) {
	terminal := testTerminal(t, nil)
	path := writePNG(t, t.TempDir(), "wikipedia.png", 40, 32)

	rec, err := terminal.Display(path, Options{Rows: 2, UseLineFeeds: "true"})
	require.NoError(t, err)

	commands, display := readOutputs(t, terminal)
	// One transmit command with the file transport keyed by the id.
	assert.Equal(t, 1, strings.Count(commands, "\x1b_G"))
	assert.Contains(t, commands, "t=f")
	assert.Contains(t, commands, "f=100")
	assert.Contains(t, commands, "a=T")
	assert.Contains(t, commands, "U=1")
	assert.Contains(t, commands, "r=2")
	assert.Contains(t, commands, "c=5")

	// The placeholder grid: 2 rows, 5 cols, 256-colour 0 prelude.
	assert.Contains(t, display, "\x1b[38;5;0m")
	assert.Equal(t, 10, strings.Count(display, "\U0010EEEE"))

	status, err := terminal.DB.UploadStatus(terminal.Identity.ID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, iddb.StatusUploaded, status.Status)
}

func TestUpload_SecondIsNoOp(t *testing.T) {
	terminal := testTerminal(t, nil)
	path := writePNG(t, t.TempDir(), "a.png", 40, 32)

	rec, res, err := terminal.UploadPath(path, Options{Rows: 2})
	require.NoError(t, err)
	assert.True(t, res.Transmitted)

	res, err = terminal.Upload(rec, Options{})
	require.NoError(t, err)
	assert.False(t, res.Transmitted)

	// Force re-transmits.
	res, err = terminal.Upload(rec, Options{ForceUpload: true})
	require.NoError(t, err)
	assert.True(t, res.Transmitted)
}

func TestForceID_StealAndFix(t *testing.T) {
	terminal := testTerminal(t, nil)
	dir := t.TempDir()
	p1 := writePNG(t, dir, "wikipedia.png", 40, 32)
	p2 := writePNG(t, dir, "tux.png", 32, 32)
	const forced = 0x123456

	rec1, res, err := terminal.UploadPath(p1, Options{Rows: 2, ForceID: forced})
	require.NoError(t, err)
	require.True(t, res.Transmitted)
	assert.Equal(t, uint32(forced), rec1.ID)
	assert.Equal(t, idspace.Space24Bit, rec1.Space)

	// get-id with the same forced id steals it for the other image.
	rec2, err := terminal.AssignID(p2, Options{Rows: 2, ForceID: forced})
	require.NoError(t, err)
	assert.Equal(t, uint32(forced), rec2.ID)

	got, err := terminal.Instance(forced)
	require.NoError(t, err)
	assert.Equal(t, rec2.Fingerprint, got.Fingerprint)

	// The stolen id needs reuploading, fix restores it.
	needs, err := terminal.NeedsUpload(got)
	require.NoError(t, err)
	assert.True(t, needs)

	fixed, err := terminal.Fix(got, Options{})
	require.NoError(t, err)
	assert.True(t, fixed)

	status, err := terminal.DB.UploadStatus(terminal.Identity.ID, forced)
	require.NoError(t, err)
	assert.Equal(t, iddb.StatusUploaded, status.Status)
	assert.Equal(t, got.Description(), status.Description)

	// A second fix is a no-op.
	fixed, err = terminal.Fix(got, Options{})
	require.NoError(t, err)
	assert.False(t, fixed)
}

func TestDirtyThenFix(t *testing.T) {
	terminal := testTerminal(t, nil)
	path := writePNG(t, t.TempDir(), "a.png", 40, 32)

	rec, _, err := terminal.UploadPath(path, Options{Rows: 2})
	require.NoError(t, err)

	require.NoError(t, terminal.Dirty(rec))
	needs, err := terminal.NeedsUpload(rec)
	require.NoError(t, err)
	assert.True(t, needs)

	fixed, err := terminal.Fix(rec, Options{})
	require.NoError(t, err)
	assert.True(t, fixed)

	needs, err = terminal.NeedsUpload(rec)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestFix_PathGone(t *testing.T) {
	terminal := testTerminal(t, nil)
	path := writePNG(t, t.TempDir(), "a.png", 40, 32)

	rec, _, err := terminal.UploadPath(path, Options{Rows: 2})
	require.NoError(t, err)
	require.NoError(t, terminal.Dirty(rec))
	require.NoError(t, os.Remove(path))

	_, err = terminal.Fix(rec, Options{})
	var gone *PathGoneError
	assert.ErrorAs(t, err, &gone)
}

func TestDisplay_NoUploadConflict(t *testing.T) {
	terminal := testTerminal(t, nil)
	path := writePNG(t, t.TempDir(), "a.png", 40, 32)
	_, err := terminal.Display(path, Options{NoUpload: true, ForceUpload: true})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDisplay_NoUploadSkipsTransport(t *testing.T) {
	terminal := testTerminal(t, nil)
	path := writePNG(t, t.TempDir(), "a.png", 40, 32)

	_, err := terminal.Display(path, Options{Rows: 2, NoUpload: true, UseLineFeeds: "true"})
	require.NoError(t, err)

	commands, display := readOutputs(t, terminal)
	assert.Empty(t, commands)
	assert.NotEmpty(t, display)
}

func TestTransport_Resolution(t *testing.T) {
	terminal := testTerminal(t, nil)

	tr, err := terminal.Transport("stream")
	require.NoError(t, err)
	assert.Equal(t, "direct", string(tr))

	_, err = terminal.Transport("temp")
	assert.Error(t, err)
	_, err = terminal.Transport("unknown")
	assert.Error(t, err)
}

func TestStreamUpload_ByteCapPicksSmallerVariant(t *testing.T) {
	terminal := testTerminal(t, func(cfg *config.Config) {
		cfg.UploadMethod = "stream"
		cfg.StreamMaxSize = 2000
	})
	path := writePNG(t, t.TempDir(), "big.png", 200, 200)

	rec, res, err := terminal.UploadPath(path, Options{Rows: 2})
	require.NoError(t, err)
	assert.True(t, res.Transmitted)

	// The chosen cached variant fits the cap and was recorded.
	got, err := terminal.Instance(rec.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Params, "max_bytes=2000")
}
