// Package fingerprint computes the stable content+parameter fingerprints
// that equate image instances for database lookup. A fingerprint is a
// 128-bit value encoded as 32 hex digits.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Source identifies one source image file: its normalised absolute path
// plus the mtime and byte size observed when the fingerprint was taken.
// A change of mtime or size yields a different fingerprint and therefore a
// new identifier.
type Source struct {
	Path    string
	MtimeNs int64
	Size    int64
}

// Stat builds a Source from the file at path. The path is normalised to an
// absolute path with ~ expanded. A missing file yields zero mtime and size
// so broken paths still fingerprint deterministically.
func Stat(path string) (Source, error) {
	norm, err := NormalizePath(path)
	if err != nil {
		return Source{}, err
	}
	src := Source{Path: norm}
	if info, err := os.Stat(norm); err == nil {
		src.MtimeNs = info.ModTime().UnixNano()
		src.Size = info.Size()
	}
	return src, nil
}

// NormalizePath expands ~ and absolutizes path. Virtual paths starting
// with ":" are kept as-is, they name in-memory images.
func NormalizePath(path string) (string, error) {
	if strings.HasPrefix(path, ":") {
		return path, nil
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("normalize path %q: %w", path, err)
	}
	return abs, nil
}

// Hex returns the source fingerprint, which keys transcode-cache entries.
func (s Source) Hex() string {
	h := md5.New()
	fmt.Fprintf(h, "src\x00%s\x00%d\x00%d", s.Path, s.MtimeNs, s.Size)
	return hex.EncodeToString(h.Sum(nil))
}

// Params are the format parameters that take part in an instance
// fingerprint. Quality is advisory for PNG.
type Params struct {
	Format  string
	Quality int
}

func (p Params) String() string {
	f := strings.ToUpper(p.Format)
	if f == "" {
		f = "PNG"
	}
	if p.Quality <= 0 {
		return f
	}
	return fmt.Sprintf("%s:q%d", f, p.Quality)
}

// Instance fingerprints one image instance: a source rendered at one final
// cell box with fixed format parameters.
func Instance(src Source, cols, rows int, params Params) string {
	h := md5.New()
	fmt.Fprintf(h, "inst\x00%s\x00%d\x00%d\x00%dx%d\x00%s",
		src.Path, src.MtimeNs, src.Size, cols, rows, params.String())
	return hex.EncodeToString(h.Sum(nil))
}
