// Package ikup is the image-instance coordinator: it glues the ID
// database, the transcode cache, the transports and the placeholder
// renderer into the top-level operations (assign, upload, display, fix,
// reupload, forget, list).
package ikup

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/sergei-grechanik/ikup/internal/config"
	"github.com/sergei-grechanik/ikup/internal/fingerprint"
	"github.com/sergei-grechanik/ikup/internal/iddb"
	"github.com/sergei-grechanik/ikup/internal/idspace"
	"github.com/sergei-grechanik/ikup/internal/term"
	"github.com/sergei-grechanik/ikup/internal/transcode"
	"github.com/sergei-grechanik/ikup/internal/upload"
)

// ValidationError marks user mistakes that the CLI reports with exit
// code 2.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PathGoneError reports an upload target whose source file vanished or no
// longer has the recorded mtime, so its instance cannot be transmitted.
type PathGoneError struct {
	ID   uint32
	Path string
}

func (e *PathGoneError) Error() string {
	return fmt.Sprintf("source file of id %d is gone or was overwritten: %s", e.ID, e.Path)
}

// Terminal is the coordinator. It owns the database handle and the
// transcode cache for the duration of an invocation; both are plain
// values constructed once and threaded explicitly.
type Terminal struct {
	Config   *config.Config
	Identity term.Identity
	Out      *term.Output
	DB       *iddb.DB
	Cache    *transcode.Cache

	InsideSSH bool
	Log       *slog.Logger
}

// New wires a coordinator from configuration. The output streams are
// owned by the caller.
func New(cfg *config.Config, out *term.Output, log *slog.Logger) (*Terminal, error) {
	if log == nil {
		log = slog.Default()
	}
	identity := term.ResolveIdentity(cfg.TerminalName, cfg.TerminalID, cfg.SessionID)

	db, err := iddb.Open(cfg.IDDatabaseDir, identity.Session)
	if err != nil {
		return nil, err
	}
	cache, err := transcode.Open(cfg.CacheDir, transcode.Options{
		Tolerance:     cfg.ThumbnailFileSizeTolerance,
		MaxImages:     cfg.CacheMaxImages,
		MaxTotalBytes: cfg.CacheMaxTotalSizeBytes,
		CleanupTarget: cfg.CacheCleanupTarget,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Terminal{
		Config:    cfg,
		Identity:  identity,
		Out:       out,
		DB:        db,
		Cache:     cache,
		InsideSSH: term.InsideSSH(),
		Log:       log,
	}, nil
}

// Close releases the database and cache handles.
func (t *Terminal) Close() error {
	err1 := t.DB.Close()
	err2 := t.Cache.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// CellSize resolves the pixel size of one cell.
func (t *Terminal) CellSize() (int, int) {
	if t.Config.CellSize != "auto" {
		w, h, err := config.ParseSize(t.Config.CellSize)
		if err == nil {
			return w, h
		}
	}
	if w, h, ok := term.CellSize(t.Out.DisplayFile()); ok {
		return w, h
	}
	w, h, _ := config.ParseSize(t.Config.DefaultCellSize)
	return w, h
}

// MaxColsRows resolves the maximum cell box, from overrides, config, or
// the live terminal size. Rows never exceed 256, the diacritic range.
func (t *Terminal) MaxColsRows(maxCols, maxRows int) (int, int) {
	if maxCols == 0 {
		if v, auto := t.Config.MaxColsValue(); !auto {
			maxCols = v
		}
	}
	if maxRows == 0 {
		if v, auto := t.Config.MaxRowsValue(); !auto {
			maxRows = v
		}
	}
	if maxCols == 0 || maxRows == 0 {
		cols, rows, ok := term.Size(t.Out.DisplayFile())
		if !ok {
			cols, rows = t.Config.FallbackMaxCols, t.Config.FallbackMaxRows
		}
		if maxCols == 0 {
			maxCols = cols
		}
		if maxRows == 0 {
			maxRows = rows
		}
	}
	maxCols = max(1, maxCols)
	maxRows = min(256, max(1, maxRows))
	return maxCols, maxRows
}

// OptimalBox computes the cell box of an image. Explicit cols/rows win; a
// single given dimension is completed to preserve aspect; automatically
// computed dimensions are clamped to the max box.
func (t *Terminal) OptimalBox(width, height float64, cols, rows, maxCols, maxRows int, scale float64) (int, int, error) {
	if cols < 0 || rows < 0 {
		return 0, 0, Validationf("cols and rows must be positive")
	}
	maxCols, maxRows = t.MaxColsRows(maxCols, maxRows)
	if cols > 0 && rows > 0 {
		// An explicit box is still clamped to the max box, keeping its
		// aspect.
		if cols > maxCols || rows > maxRows {
			s := min(float64(maxCols)/float64(cols), float64(maxRows)/float64(rows))
			cols = max(1, int(float64(cols)*s))
			rows = max(1, int(float64(rows)*s))
		}
		return cols, rows, nil
	}
	cellW, cellH := t.CellSize()
	if scale == 0 {
		scale = t.Config.Scale
	}
	effective := t.Config.GlobalScale * scale
	width *= effective
	height *= effective
	if width <= 0 || height <= 0 {
		return 0, 0, Validationf("image has no pixels")
	}

	colsAuto := cols == 0
	rowsAuto := rows == 0
	fw, fh := float64(cellW), float64(cellH)
	switch {
	case colsAuto && rowsAuto:
		cols = int(math.Ceil(width / fw))
		rows = int(math.Ceil(height / fh))
	case colsAuto:
		cols = int(math.Ceil(float64(rows) * fh * width / (height * fw)))
	case rowsAuto:
		rows = int(math.Ceil(float64(cols) * fw * height / (width * fh)))
	}

	if colsAuto && cols > maxCols {
		cols = maxCols
		rows = int(math.Ceil(float64(cols) * fw * height / (width * fh)))
	}
	if rowsAuto && rows > maxRows {
		rows = maxRows
		cols = int(math.Ceil(float64(rows) * fh * width / (height * fw)))
	}
	cols = max(1, min(cols, maxCols))
	rows = max(1, min(rows, maxRows))
	return cols, rows, nil
}

// BuildInstance stats the image, computes its cell box and fingerprint,
// and returns the record ready for id assignment (ID still zero).
func (t *Terminal) BuildInstance(path string, o Options) (iddb.ImageRecord, error) {
	src, err := fingerprint.Stat(path)
	if err != nil {
		return iddb.ImageRecord{}, err
	}
	cols, rows := o.Cols, o.Rows
	if cols == 0 || rows == 0 {
		w, h, err := imageDimensions(src.Path)
		if err != nil {
			return iddb.ImageRecord{}, err
		}
		cols, rows, err = t.OptimalBox(float64(w), float64(h), cols, rows, o.MaxCols, o.MaxRows, o.Scale)
		if err != nil {
			return iddb.ImageRecord{}, err
		}
	} else {
		var err error
		cols, rows, err = t.OptimalBox(1, 1, cols, rows, o.MaxCols, o.MaxRows, o.Scale)
		if err != nil {
			return iddb.ImageRecord{}, err
		}
	}
	params := fingerprint.Params{Format: "PNG"}
	rec := iddb.ImageRecord{
		Path:    src.Path,
		MtimeNs: src.MtimeNs,
		Size:    src.Size,
		Cols:    cols,
		Rows:    rows,
		Params:  params.String(),
	}
	rec.Fingerprint = fingerprint.Instance(src, cols, rows, params)
	return rec, nil
}

// fileAvailable reports whether the record's source file still matches
// the stored mtime.
func fileAvailable(rec iddb.ImageRecord) bool {
	info, err := os.Stat(rec.Path)
	return err == nil && info.ModTime().UnixNano() == rec.MtimeNs
}

// Space resolves the id space for an operation.
func (t *Terminal) Space(override string) (idspace.Space, error) {
	if override != "" {
		sp, err := idspace.ParseSpace(override)
		if err != nil {
			return "", &ValidationError{Msg: err.Error()}
		}
		return sp, nil
	}
	sp, err := t.Config.Space()
	if err != nil {
		return "", &ValidationError{Msg: err.Error()}
	}
	return sp, nil
}

// Subspace resolves the id subspace for an operation.
func (t *Terminal) Subspace(override string) (idspace.Subspace, error) {
	if override != "" {
		ss, err := idspace.ParseSubspace(override)
		if err != nil {
			return idspace.Subspace{}, &ValidationError{Msg: err.Error()}
		}
		return ss, nil
	}
	ss, err := t.Config.Subspace()
	if err != nil {
		return idspace.Subspace{}, &ValidationError{Msg: err.Error()}
	}
	return ss, nil
}

// Transport resolves the upload method; auto prefers the direct stream
// over ssh and the file handoff locally.
func (t *Terminal) Transport(override string) (upload.Transport, error) {
	method := override
	if method == "" {
		method = t.Config.UploadMethod
	}
	if method == "" || method == "auto" {
		if t.InsideSSH {
			return upload.TransportDirect, nil
		}
		return upload.TransportFile, nil
	}
	tr, err := upload.Parse(method)
	if err != nil {
		return "", &ValidationError{Msg: err.Error()}
	}
	return tr, nil
}

// MaxUploadSize is the per-method byte cap; zero means uncapped.
func (t *Terminal) MaxUploadSize(tr upload.Transport) int64 {
	if tr == upload.TransportFile {
		return t.Config.FileMaxSize
	}
	return t.Config.StreamMaxSize
}

// AllowConcurrentUploads resolves the concurrency mode; auto allows
// concurrency only for terminals known to handle interleaved uploads.
func (t *Terminal) AllowConcurrentUploads() bool {
	switch t.Config.AllowConcurrentUploads {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return len(t.Identity.Name) >= 2 && t.Identity.Name[:2] == "st"
}

// ReuploadLimits builds the staleness thresholds from configuration.
func (t *Terminal) ReuploadLimits() iddb.ReuploadLimits {
	return iddb.ReuploadLimits{
		MaxUploadsAgo: int64(t.Config.ReuploadMaxUploadsAgo),
		MaxBytesAgo:   t.Config.ReuploadMaxBytesAgo,
		MaxTimeAgo:    time.Duration(t.Config.ReuploadMaxSecondsAgo) * time.Second,
	}
}

// NeedsUpload reports whether the current terminal needs a (re)upload of
// the id bound to rec.
func (t *Terminal) NeedsUpload(rec iddb.ImageRecord) (bool, error) {
	return t.DB.NeedsUpload(t.Identity.ID, rec.ID, rec.Description(),
		time.Now(), t.Config.StallTimeout(), t.ReuploadLimits())
}
