package fingerprint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstance_Deterministic(t *testing.T) {
	src := Source{Path: "/img/a.png", MtimeNs: 1234, Size: 99}
	fp1 := Instance(src, 10, 4, Params{Format: "PNG"})
	fp2 := Instance(src, 10, 4, Params{Format: "PNG"})
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 32)
}

func TestInstance_SensitiveToEveryField(t *testing.T) {
	base := Source{Path: "/img/a.png", MtimeNs: 1234, Size: 99}
	fp := Instance(base, 10, 4, Params{Format: "PNG"})

	changed := base
	changed.MtimeNs = 1235
	assert.NotEqual(t, fp, Instance(changed, 10, 4, Params{Format: "PNG"}))

	changed = base
	changed.Size = 100
	assert.NotEqual(t, fp, Instance(changed, 10, 4, Params{Format: "PNG"}))

	changed = base
	changed.Path = "/img/b.png"
	assert.NotEqual(t, fp, Instance(changed, 10, 4, Params{Format: "PNG"}))

	assert.NotEqual(t, fp, Instance(base, 11, 4, Params{Format: "PNG"}))
	assert.NotEqual(t, fp, Instance(base, 10, 5, Params{Format: "PNG"}))
	assert.NotEqual(t, fp, Instance(base, 10, 4, Params{Format: "JPEG"}))
	assert.NotEqual(t, fp, Instance(base, 10, 4, Params{Format: "JPEG", Quality: 50}))
}

func TestStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0o644))

	src, err := Stat(path)
	require.NoError(t, err)
	assert.Equal(t, path, src.Path)
	assert.Equal(t, int64(16), src.Size)
	assert.NotZero(t, src.MtimeNs)

	// An mtime bump mints a new fingerprint.
	fp1 := src.Hex()
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	src2, err := Stat(path)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, src2.Hex())
}

func TestStat_MissingFile(t *testing.T) {
	src, err := Stat(filepath.Join(t.TempDir(), "absent.png"))
	require.NoError(t, err)
	assert.Zero(t, src.MtimeNs)
	assert.Zero(t, src.Size)
	assert.Len(t, src.Hex(), 32)
}

func TestNormalizePath_Virtual(t *testing.T) {
	p, err := NormalizePath(":mem:abcdef")
	require.NoError(t, err)
	assert.Equal(t, ":mem:abcdef", p)
}
