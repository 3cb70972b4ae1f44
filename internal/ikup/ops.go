package ikup

import (
	"fmt"
	"image"
	_ "image/jpeg" // decoders for box computation
	_ "image/png"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/sergei-grechanik/ikup/internal/fingerprint"
	"github.com/sergei-grechanik/ikup/internal/formula"
	"github.com/sergei-grechanik/ikup/internal/iddb"
	"github.com/sergei-grechanik/ikup/internal/idspace"
	"github.com/sergei-grechanik/ikup/internal/kitty"
	"github.com/sergei-grechanik/ikup/internal/term"
	"github.com/sergei-grechanik/ikup/internal/transcode"
	"github.com/sergei-grechanik/ikup/internal/upload"
)

// Options carry the per-operation knobs of the coordinator. Zero values
// defer to configuration.
type Options struct {
	Cols    int
	Rows    int
	MaxCols int
	MaxRows int
	Scale   float64

	Space    string // id space override
	Subspace string // id subspace override
	ForceID  uint32

	ForceUpload  bool
	NoUpload     bool
	UploadMethod string
	MarkUploaded *bool

	UseLineFeeds  string // auto, true, false
	Pos           string // position formula "X,Y"
	RestoreCursor string // auto, true, false
}

func imageDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// maybeCleanup runs the probabilistic maintenance pass that keeps the
// database bounded without a dedicated daemon.
func (t *Terminal) maybeCleanup() {
	if rand.Float64() >= t.Config.CleanupProbability {
		return
	}
	if removed, err := t.DB.CleanupOldDatabases(t.Config.MaxDBAge(), time.Now()); err == nil {
		for _, path := range removed {
			t.Log.Debug("removed old database", "path", path)
		}
	}
	if err := t.DB.Cleanup(t.Config.MaxNumIDs); err != nil {
		t.Log.Warn("database cleanup failed", "error", err)
	}
}

// AssignID binds an id to the instance of path at its computed cell box.
// With ForceID the id is stolen from whatever it was bound to.
func (t *Terminal) AssignID(path string, o Options) (iddb.ImageRecord, error) {
	t.maybeCleanup()
	rec, err := t.BuildInstance(path, o)
	if err != nil {
		return rec, err
	}
	now := time.Now()
	if o.ForceID != 0 {
		forced, _, err := t.DB.ForceAssign(o.ForceID, rec, now)
		return forced, err
	}
	sp, err := t.Space(o.Space)
	if err != nil {
		return rec, err
	}
	ss, err := t.Subspace(o.Subspace)
	if err != nil {
		return rec, err
	}
	rec.Space = sp
	return t.DB.Assign(rec, ss, t.Config.MaxIDsPerSubspace, now)
}

// Instance fetches the record of a known id.
func (t *Terminal) Instance(id uint32) (iddb.ImageRecord, error) {
	return t.DB.Get(id)
}

// uploadFormat picks the kitty format code and cache format for an
// instance based on the terminal's supported formats.
func (t *Terminal) uploadFormat(rec iddb.ImageRecord) (string, int) {
	supported := t.Config.SupportedFormatList(t.Identity.Name)
	for _, f := range supported {
		if f == "jpeg" || f == "jpg" {
			// Prefer JPEG only when the source is a JPEG already.
			if strings.HasSuffix(strings.ToLower(rec.Path), ".jpg") ||
				strings.HasSuffix(strings.ToLower(rec.Path), ".jpeg") {
				return "JPEG", kitty.FormatPNG
			}
		}
	}
	return "PNG", kitty.FormatPNG
}

// Upload transmits the instance bound to rec if the per-terminal status
// requires it (or force is set). The cached encoding is requeried with a
// byte cap until it fits the transport limit; the chosen variant is
// recorded on the instance for reuse.
func (t *Terminal) Upload(rec iddb.ImageRecord, o Options) (upload.Result, error) {
	if rec.ID == 0 {
		return upload.Result{}, Validationf("cannot upload an instance without an id")
	}
	force := o.ForceUpload || t.Config.ForceUpload
	if !force {
		needs, err := t.NeedsUpload(rec)
		if err != nil {
			return upload.Result{}, err
		}
		if !needs {
			return upload.Result{Transmitted: false}, nil
		}
	}

	if !fileAvailable(rec) {
		return upload.Result{}, &PathGoneError{ID: rec.ID, Path: rec.Path}
	}

	tr, err := t.Transport(o.UploadMethod)
	if err != nil {
		return upload.Result{}, err
	}

	src := fingerprint.Source{Path: rec.Path, MtimeNs: rec.MtimeNs, Size: rec.Size}
	format, kittyFormat := t.uploadFormat(rec)

	// Query the cache for an encoding that satisfies the transport cap.
	constraint := transcode.Constraint{Format: format}
	if cap := t.MaxUploadSize(tr); cap > 0 {
		constraint.MaxBytes = cap
	}
	entry, err := t.Cache.Convert(src, constraint)
	if err != nil {
		return upload.Result{}, err
	}
	if entry.Impossible {
		t.Log.Warn("image cannot fit the transport byte cap even at 1x1",
			"path", rec.Path, "cap", constraint.MaxBytes)
	}
	if constraint.MaxBytes > 0 && !entry.IsFull {
		// A lower-quality variant was chosen; remember it for the instance.
		params := fmt.Sprintf("%s;max_bytes=%d", format, constraint.MaxBytes)
		if err := t.DB.UpdateParams(rec.ID, params); err != nil {
			return upload.Result{}, err
		}
	}

	markUploaded := t.Config.MarkUploaded
	if o.MarkUploaded != nil {
		markUploaded = *o.MarkUploaded
	}
	up := &upload.Uploader{
		DB:               t.DB,
		TerminalID:       t.Identity.ID,
		Out:              t.Out.Command,
		ChunkSize:        t.Config.ChunkSize,
		ProgressInterval: t.Config.ProgressUpdateInterval(),
		StallTimeout:     t.Config.StallTimeout(),
		CommandDelay:     t.Config.CommandDelay(),
		AllowConcurrent:  t.AllowConcurrentUploads(),
		MarkUploaded:     markUploaded,
	}
	return up.Do(tr, upload.Request{
		Record: rec,
		File:   entry.Path,
		Format: kittyFormat,
		Size:   entry.Bytes,
		Force:  force,
	})
}

// UploadPath assigns an id to a path and uploads it.
func (t *Terminal) UploadPath(path string, o Options) (iddb.ImageRecord, upload.Result, error) {
	rec, err := t.AssignID(path, o)
	if err != nil {
		return rec, upload.Result{}, err
	}
	res, err := t.Upload(rec, o)
	return rec, res, err
}

// positionVars builds the formula variable set for --pos evaluation.
func (t *Terminal) positionVars(rec iddb.ImageRecord) formula.Vars {
	return func(name string) (float64, error) {
		switch name {
		case "tr", "tc":
			cols, rows, ok := term.Size(t.Out.DisplayFile())
			if !ok {
				cols, rows = t.Config.FallbackMaxCols, t.Config.FallbackMaxRows
			}
			if name == "tc" {
				return float64(cols), nil
			}
			return float64(rows), nil
		case "cx", "cy":
			x, y, ok := term.CursorPos(2 * time.Second)
			if !ok {
				return 0, nil
			}
			if name == "cx" {
				return float64(x), nil
			}
			return float64(y), nil
		case "ec":
			return float64(rec.Cols), nil
		case "er":
			return float64(rec.Rows), nil
		}
		return 0, fmt.Errorf("unknown identifier %q", name)
	}
}

// resolvePos evaluates a position formula into an absolute cell position.
func (t *Terminal) resolvePos(pos string, rec iddb.ImageRecord) (*kitty.Pos, error) {
	if pos == "" {
		return nil, nil
	}
	vals, err := formula.Eval(pos, t.positionVars(rec), 2)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	x, y := int(vals[0]), int(vals[1])
	if x < 0 || y < 0 {
		return nil, Validationf("position must be non-negative: %d,%d", x, y)
	}
	return &kitty.Pos{X: x, Y: y}, nil
}

// DisplayRecord renders the placeholder grid of an assigned instance.
func (t *Terminal) DisplayRecord(rec iddb.ImageRecord, o Options) error {
	return t.renderPlaceholder(rec.ID, rec.Space, rec.Cols, rec.Rows, rec, o)
}

// Placeholder renders a grid for an explicit id and box, without touching
// the database.
func (t *Terminal) Placeholder(id uint32, cols, rows int, o Options) error {
	sp, err := spaceOf(id)
	if err != nil {
		return err
	}
	return t.renderPlaceholder(id, sp, cols, rows, iddb.ImageRecord{ID: id, Cols: cols, Rows: rows}, o)
}

func (t *Terminal) renderPlaceholder(id uint32, sp idspace.Space, cols, rows int, rec iddb.ImageRecord, o Options) error {
	pos, err := t.resolvePos(o.Pos, rec)
	if err != nil {
		return err
	}
	useLineFeeds := false
	switch o.UseLineFeeds {
	case "true", "1":
		useLineFeeds = true
	case "", "auto":
		useLineFeeds = pos == nil && !t.Out.DisplayIsTTY()
	}
	restore := pos != nil
	switch o.RestoreCursor {
	case "true", "1":
		restore = true
	case "false", "0":
		restore = false
	}
	if useLineFeeds && pos != nil {
		return Validationf("cannot use line feeds with an absolute position")
	}
	return kitty.Render(t.Out.Display, kitty.Placeholder{
		ID:    id,
		Space: sp,
		Cols:  cols,
		Rows:  rows,
	}, kitty.RenderOptions{
		UseLineFeeds:    useLineFeeds,
		RestoreCursor:   restore,
		Pos:             pos,
		FewerDiacritics: t.Config.FewerDiacritics,
		PlaceholderRune: placeholderRune(t.Config.PlaceholderChar),
	})
}

// Display uploads (unless NoUpload) and renders the placeholder.
func (t *Terminal) Display(path string, o Options) (iddb.ImageRecord, error) {
	if o.NoUpload && o.ForceUpload {
		return iddb.ImageRecord{}, Validationf("--no-upload and --force-upload are mutually exclusive")
	}
	var rec iddb.ImageRecord
	var err error
	if o.NoUpload {
		rec, err = t.AssignID(path, o)
	} else {
		rec, _, err = t.UploadPath(path, o)
	}
	if err != nil {
		return rec, err
	}
	return rec, t.DisplayRecord(rec, o)
}

// Fix re-transmits a record whose status is not up-to-date on this
// terminal and reports true; an up-to-date record is a no-op and reports
// false. A record that needs a transmission fails with a PathGoneError
// when its source file is gone or no longer has the recorded mtime.
func (t *Terminal) Fix(rec iddb.ImageRecord, o Options) (bool, error) {
	needs, err := t.NeedsUpload(rec)
	if err != nil {
		return false, err
	}
	if !needs {
		return false, nil
	}
	o.ForceUpload = true
	_, err = t.Upload(rec, o)
	return true, err
}

// Reupload unconditionally re-transmits a record.
func (t *Terminal) Reupload(rec iddb.ImageRecord, o Options) error {
	o.ForceUpload = true
	_, err := t.Upload(rec, o)
	return err
}

// Dirty flags a record as needing a reupload everywhere.
func (t *Terminal) Dirty(rec iddb.ImageRecord) error {
	return t.DB.MarkDirty(rec.ID, "marked dirty")
}

// Forget removes a record and its upload rows.
func (t *Terminal) Forget(rec iddb.ImageRecord) error {
	return t.DB.Forget(rec.ID)
}

// List returns the records matching a query, most recently used first.
func (t *Terminal) List(q iddb.Query) ([]iddb.ImageRecord, error) {
	return t.DB.List(q)
}

// Cleanup removes old database files and trims the current session's
// databases.
func (t *Terminal) Cleanup() ([]string, error) {
	removed, err := t.DB.CleanupOldDatabases(t.Config.MaxDBAge(), time.Now())
	if err != nil {
		return removed, err
	}
	return removed, t.DB.Cleanup(t.Config.MaxNumIDs)
}

func placeholderRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

// ErrNotFound is re-exported for callers resolving ids.
var ErrNotFound = iddb.ErrNotFound

func spaceOf(id uint32) (idspace.Space, error) {
	sp, err := idspace.FromID(id)
	if err != nil {
		return "", &ValidationError{Msg: err.Error()}
	}
	return sp, nil
}
