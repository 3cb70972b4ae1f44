package transcode

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sergei-grechanik/ikup/internal/fingerprint"
)

// request is a constraint with its parameters imputed from the source.
type request struct {
	src            fingerprint.Source
	fp             string
	format         string
	formatExplicit bool
	quality        int
	tolerance      float64

	// Dimension path: both set, matched exactly.
	width          int
	height         int
	widthExplicit  bool
	heightExplicit bool

	// Byte-cap path.
	maxBytes int64

	img       image.Image
	srcFormat string
}

// loadImage decodes the source lazily and caches it on the request.
func (r *request) loadImage() (image.Image, string, error) {
	if r.img != nil {
		return r.img, r.srcFormat, nil
	}
	img, format, err := decodeFile(r.src.Path)
	if err != nil {
		return nil, "", err
	}
	r.img = img
	r.srcFormat = format
	return img, format, nil
}

// sniff reads dimensions and format without a full decode.
func sniff(path string) (w, h int, format string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()
	cfg, name, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, "", fmt.Errorf("decode %s: %w", path, err)
	}
	canonical, err := formatName(name)
	if err != nil {
		canonical = "PNG"
	}
	return cfg.Width, cfg.Height, canonical, nil
}

// resolveRequest imputes missing parameters: the format defaults to the
// source format, a single given dimension is completed proportionally, and
// the dimensionless no-cap case means "full source size".
func (c *Cache) resolveRequest(src fingerprint.Source, constraint Constraint) (*request, error) {
	r := &request{
		src:       src,
		fp:        src.Hex(),
		quality:   constraint.Quality,
		tolerance: constraint.Tolerance,
		maxBytes:  constraint.MaxBytes,
		width:     constraint.Width,
		height:    constraint.Height,
	}
	if r.tolerance <= 0 {
		r.tolerance = c.tolerance
	}
	if constraint.Format != "" {
		f, err := formatName(constraint.Format)
		if err != nil {
			return nil, err
		}
		r.format = f
		r.formatExplicit = true
	}

	needsSniff := r.format == "" || (r.maxBytes == 0 && (r.width == 0 || r.height == 0))
	if needsSniff {
		w, h, format, err := sniff(src.Path)
		if err != nil {
			return nil, err
		}
		if r.format == "" {
			r.format = format
		}
		if r.maxBytes == 0 {
			switch {
			case r.width == 0 && r.height == 0:
				r.width, r.height = w, h
			case r.width == 0:
				r.width = max(1, int(float64(w)*float64(r.height)/float64(h)))
			case r.height == 0:
				r.height = max(1, int(float64(h)*float64(r.width)/float64(w)))
			}
		}
	}
	if r.maxBytes == 0 {
		r.widthExplicit = true
		r.heightExplicit = true
		if r.width < 1 || r.height < 1 {
			return nil, fmt.Errorf("conversion dimensions must be at least 1x1")
		}
	}
	return r, nil
}

// Convert returns a cached variant satisfying the constraint, encoding one
// if necessary. Concurrent converts of the same (source, constraint) are
// safe: each writes a unique temp file and renames it onto the
// deterministic object name. The entry's Impossible flag reports a byte
// cap that even the 1x1 image exceeds.
func (c *Cache) Convert(src fingerprint.Source, constraint Constraint) (Entry, error) {
	if err := constraint.validate(); err != nil {
		return Entry{}, err
	}
	req, err := c.resolveRequest(src, constraint)
	if err != nil {
		return Entry{}, err
	}

	// A pre-existing valid entry short-circuits the encode.
	if e, err := c.findEntry(req); err == nil {
		if verr := c.verify(e); verr == nil {
			c.touch(e.Name, time.Now())
			return e, nil
		}
		c.dropEntry(e.Name)
	} else if !errors.Is(err, ErrNoEntry) {
		return Entry{}, err
	}

	var produced Entry
	if req.maxBytes > 0 {
		produced, err = c.produceWithByteCap(req)
	} else {
		produced, err = c.produceWithDimensions(req)
	}
	if err != nil {
		return Entry{}, err
	}

	now := time.Now()
	produced.Atime = now
	_, err = c.db.Exec(`
		INSERT INTO transcode (src_fp, src_path, src_mtime_ns, width, height,
			format, quality, bytes, name, atime, is_full, req_max_bytes, impossible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(src_fp, format, width, height) DO UPDATE SET
			bytes=excluded.bytes, atime=excluded.atime,
			is_full=excluded.is_full,
			req_max_bytes=MAX(req_max_bytes, excluded.req_max_bytes),
			impossible=excluded.impossible`,
		produced.SourceFingerprint, produced.SourcePath, produced.SourceMtimeNs,
		produced.Width, produced.Height, produced.Format, produced.Quality,
		produced.Bytes, produced.Name, now.UnixNano(),
		boolToInt(produced.IsFull), produced.ReqMaxBytes, boolToInt(produced.Impossible))
	if err != nil {
		return Entry{}, err
	}
	_ = c.cleanupIfNeeded()
	return produced, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// cleanupIfNeeded runs eviction when the limits are exceeded.
func (c *Cache) cleanupIfNeeded() error {
	stats, err := c.Status()
	if err != nil {
		return err
	}
	if stats.Entries > c.maxImages || stats.TotalBytes > c.maxBytes {
		_, err = c.Cleanup()
	}
	return err
}

func (c *Cache) produceWithDimensions(req *request) (Entry, error) {
	img, srcFormat, err := req.loadImage()
	if err != nil {
		return Entry{}, err
	}
	b := img.Bounds()
	isFull := req.width == b.Dx() && req.height == b.Dy()

	var data []byte
	if isFull && srcFormat == req.format && fileExists(req.src.Path) {
		data, err = os.ReadFile(req.src.Path)
	} else {
		data, err = encode(img, req.width, req.height, req.format, req.quality)
	}
	if err != nil {
		return Entry{}, err
	}
	return c.writeObject(req, data, req.width, req.height, isFull, 0, false)
}

func (c *Cache) produceWithByteCap(req *request) (Entry, error) {
	// Use the source file directly when it already fits.
	if fileExists(req.src.Path) {
		if _, _, format, err := sniff(req.src.Path); err == nil && format == req.format {
			if info, err := os.Stat(req.src.Path); err == nil && info.Size() <= req.maxBytes {
				img, _, err := req.loadImage()
				if err != nil {
					return Entry{}, err
				}
				data, err := os.ReadFile(req.src.Path)
				if err != nil {
					return Entry{}, err
				}
				b := img.Bounds()
				return c.writeObject(req, data, b.Dx(), b.Dy(), true, req.maxBytes, false)
			}
		}
	}

	img, _, err := req.loadImage()
	if err != nil {
		return Entry{}, err
	}
	samples, err := c.sizeSamples(req)
	if err != nil {
		return Entry{}, err
	}
	data, w, h, impossible, err := optimizeToSize(img, req.format, req.quality,
		req.maxBytes, req.tolerance, samples)
	if err != nil {
		return Entry{}, err
	}
	b := img.Bounds()
	isFull := w == b.Dx() && h == b.Dy()
	return c.writeObject(req, data, w, h, isFull, req.maxBytes, impossible)
}

// sizeSamples fetches the cached variants closest to the target size to
// seed the size model.
func (c *Cache) sizeSamples(req *request) ([]sample, error) {
	rows, err := c.db.Query(`
		SELECT width, height, bytes FROM transcode
		WHERE src_fp = ? AND format = ?
		ORDER BY ABS(bytes - ?) ASC LIMIT 2`,
		req.fp, req.format, req.maxBytes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var samples []sample
	for rows.Next() {
		var w, h int
		var bytes int64
		if err := rows.Scan(&w, &h, &bytes); err != nil {
			return nil, err
		}
		samples = append(samples, sample{area: float64(w) * float64(h), bytes: float64(bytes)})
	}
	return samples, rows.Err()
}

// writeObject stores data under the deterministic object name via a unique
// temp file and an atomic rename, then builds the entry.
func (c *Cache) writeObject(req *request, data []byte, w, h int, isFull bool,
	reqMaxBytes int64, impossible bool) (Entry, error) {

	name := objectName(req.fp, w, h, req.format)
	path := c.entryPath(name)
	tmp := filepath.Join(c.dir, "objects", "tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write cache object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Entry{}, fmt.Errorf("rename cache object: %w", err)
	}
	return Entry{
		SourceFingerprint: req.fp,
		SourcePath:        req.src.Path,
		SourceMtimeNs:     req.src.MtimeNs,
		Width:             w,
		Height:            h,
		Format:            req.format,
		Quality:           req.quality,
		Bytes:             int64(len(data)),
		Name:              name,
		Path:              path,
		IsFull:            isFull,
		ReqMaxBytes:       reqMaxBytes,
		Impossible:        impossible,
	}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

type sample struct {
	area  float64
	bytes float64
}

// optimizeToSize finds the largest downscale of img whose encoding fits
// maxBytes, within tolerance. It models area as a linear function of the
// encoded size, refining the model with each trial, and falls back to
// binary search when the model proposes dimensions outside the known
// bounds. If even the 1x1 image exceeds maxBytes the 1x1 result is
// returned with impossible=true.
func optimizeToSize(img image.Image, format string, quality int, maxBytes int64,
	tolerance float64, samples []sample) (data []byte, w, h int, impossible bool, err error) {

	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW <= 1 || srcH <= 1 {
		data, err = encode(img, 1, 1, format, quality)
		if err != nil {
			return nil, 0, 0, false, err
		}
		return data, 1, 1, int64(len(data)) > maxBytes, nil
	}

	originalArea := float64(srcW) * float64(srcH)

	var bestData []byte
	bestSize := int64(-1)
	bestW, bestH := 0, 0
	// Tightest over-the-cap bounds seen so far; starts just above the
	// original so the first model guess is unconstrained from above.
	exceedW, exceedH := srcW+1, srcH+1

	for iteration := 0; iteration < 6; iteration++ {
		a, c0 := sizeModel(samples)
		targetSize := float64(maxBytes) * (1 - tolerance/2)
		targetArea := math.Max(0, a*targetSize+c0)

		scale := math.Sqrt(targetArea / originalArea)
		newW := min(srcW, max(1, int(float64(srcW)*scale+0.5)))
		newH := min(srcH, max(1, int(float64(srcH)*scale+0.5)))

		tooSmall := bestSize >= 0 && newW <= bestW && newH <= bestH
		tooLarge := newW >= exceedW && newH >= exceedH
		if tooSmall || tooLarge {
			newW = (bestW + exceedW + 1) / 2
			newH = (bestH + exceedH + 1) / 2
		}

		data, err = encode(img, newW, newH, format, quality)
		if err != nil {
			return nil, 0, 0, false, err
		}
		size := int64(len(data))
		samples = append([]sample{{area: float64(newW) * float64(newH), bytes: float64(size)}}, samples...)

		if size > maxBytes && newW == 1 && newH == 1 {
			return data, 1, 1, true, nil
		}
		if size <= maxBytes {
			// Never upscale: the full-size image under the cap is final.
			if newW == srcW && newH == srcH {
				return data, newW, newH, false, nil
			}
			if float64(size) >= float64(maxBytes)*(1-tolerance) {
				return data, newW, newH, false, nil
			}
			if size > bestSize {
				bestData, bestSize, bestW, bestH = data, size, newW, newH
			}
		} else if newW <= exceedW && newH <= exceedH {
			exceedW, exceedH = newW, newH
		}
	}

	if bestData != nil {
		return bestData, bestW, bestH, false, nil
	}
	data, err = encode(img, 1, 1, format, quality)
	if err != nil {
		return nil, 0, 0, false, err
	}
	return data, 1, 1, int64(len(data)) > maxBytes, nil
}

// sizeModel fits area = a*bytes + c from the two most relevant samples.
func sizeModel(samples []sample) (a, c float64) {
	if len(samples) == 0 || samples[0].bytes == 0 {
		// Prefer larger images as the first guess.
		return 2, 0
	}
	s1 := samples[0]
	for _, s2 := range samples[1:] {
		if s2.bytes != s1.bytes {
			a = (s1.area - s2.area) / (s1.bytes - s2.bytes)
			return a, s1.area - a*s1.bytes
		}
	}
	return s1.area / s1.bytes, 0
}
