package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sergei-grechanik/ikup/internal/formula"
	"github.com/sergei-grechanik/ikup/internal/iddb"
	"github.com/sergei-grechanik/ikup/internal/ikup"
)

// displayFlags are the flags shared by display, upload and get-id.
type displayFlags struct {
	cols            int
	rows            int
	maxCols         string
	maxRows         string
	scale           float64
	box             string
	pos             string
	forceID         string
	idSpace         string
	idSubspace      string
	forceUpload     bool
	noUpload        bool
	uploadMethod    string
	allowConcurrent string
	markUploaded    string
	useLineFeeds    string
	restoreCursor   string
}

func (a *app) displayCommand(name string) *cobra.Command {
	f := &displayFlags{}
	short := map[string]string{
		"display": "Display an image (default command)",
		"upload":  "Upload an image without displaying",
		"get-id":  "Assign an id to an image without uploading or displaying",
	}[name]
	cmd := &cobra.Command{
		Use:   name + " [images...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDisplay(name, args, f)
		},
	}
	fl := cmd.Flags()
	fl.IntVarP(&f.cols, "cols", "c", 0, "number of columns to fit the image to")
	fl.IntVarP(&f.rows, "rows", "r", 0, "number of rows to fit the image to")
	fl.StringVar(&f.maxCols, "max-cols", "", "maximum number of columns ('auto' for the terminal width)")
	fl.StringVar(&f.maxRows, "max-rows", "", "maximum number of rows ('auto' for the terminal height)")
	fl.Float64VarP(&f.scale, "scale", "s", 0, "scale factor for automatically computed sizes")
	fl.StringVar(&f.box, "box", "", "place specification C,R~M,N@X,Y (values may be formulas)")
	fl.StringVar(&f.forceID, "force-id", "", "force the assigned id, stealing it if bound")
	fl.StringVar(&f.idSpace, "id-space", "", "id space for automatically assigned ids")
	fl.StringVar(&f.idSubspace, "id-subspace", "", "high-byte range BEGIN:END for assigned ids")
	fl.BoolVar(&a.dumpConfig, "dump-config", false, "dump the config before executing")
	if name != "get-id" {
		fl.StringVarP(&f.uploadMethod, "upload-method", "m", "", "upload method: auto, file, stream, direct")
		fl.StringVar(&f.allowConcurrent, "allow-concurrent-uploads", "", "allow concurrent uploads: auto, true, false")
		fl.StringVar(&f.markUploaded, "mark-uploaded", "", "mark images as uploaded after transmission: true, false")
		fl.StringVarP(&a.outCommand, "out-command", "O", "", "tty/file/pipe for graphics commands (default /dev/tty)")
	}
	if name == "upload" || name == "display" {
		fl.BoolVarP(&f.forceUpload, "force-upload", "f", false, "force (re)upload")
	}
	if name == "display" {
		fl.BoolVarP(&f.noUpload, "no-upload", "n", false, "assign an id and print the placeholder without uploading")
		fl.StringVarP(&a.outDisplay, "out-display", "o", "", "tty/file/pipe for the placeholder (default stdout)")
		fl.StringVar(&f.useLineFeeds, "use-line-feeds", "auto", "use line feeds instead of cursor movement: auto, true, false")
		fl.StringVar(&f.pos, "pos", "", "absolute position formula X,Y (variables tr tc cx cy ec er)")
		fl.StringVar(&f.restoreCursor, "restore-cursor", "auto", "restore the cursor to the image start: true, false, auto")
	}
	return cmd
}

// resolveBox merges --box into the explicit flags, evaluating formulas
// against the live terminal dimensions.
func (a *app) resolveBox(t *ikup.Terminal, f *displayFlags, o *ikup.Options) error {
	if f.box == "" {
		return nil
	}
	if f.cols != 0 || f.rows != 0 {
		return ikup.Validationf("--box conflicts with --cols/--rows")
	}
	spec, err := formula.ParsePlaceSpec(f.box)
	if err != nil {
		return &ikup.ValidationError{Msg: err.Error()}
	}
	maxCols, maxRows := t.MaxColsRows(0, 0)
	vars := formula.MapVars(map[string]float64{
		"tc": float64(maxCols),
		"tr": float64(maxRows),
	})
	evalDim := func(expr string) (int, error) {
		if expr == "" {
			return 0, nil
		}
		vals, err := formula.EvalMaybe(expr, vars, 1)
		if err != nil {
			return 0, err
		}
		if vals[0] == nil {
			return 0, nil
		}
		return int(*vals[0]), nil
	}
	if o.Cols, err = evalDim(spec.Cols); err != nil {
		return err
	}
	if o.Rows, err = evalDim(spec.Rows); err != nil {
		return err
	}
	if o.MaxCols, err = evalDim(spec.MaxCols); err != nil {
		return err
	}
	if o.MaxRows, err = evalDim(spec.MaxRows); err != nil {
		return err
	}
	if spec.Pos != "" {
		if o.Pos != "" {
			return ikup.Validationf("--box position conflicts with --pos")
		}
		o.Pos = spec.Pos
	}
	return nil
}

func (a *app) buildOptions(t *ikup.Terminal, name string, f *displayFlags) (ikup.Options, error) {
	o := ikup.Options{
		Cols:          f.cols,
		Rows:          f.rows,
		Scale:         f.scale,
		Space:         f.idSpace,
		Subspace:      f.idSubspace,
		ForceUpload:   f.forceUpload,
		NoUpload:      f.noUpload,
		UploadMethod:  f.uploadMethod,
		UseLineFeeds:  f.useLineFeeds,
		Pos:           f.pos,
		RestoreCursor: f.restoreCursor,
	}
	if f.noUpload && f.forceUpload {
		return o, ikup.Validationf("--no-upload and --force-upload are mutually exclusive")
	}
	if f.maxCols != "" && f.maxCols != "auto" {
		v, ok := parsePositive(f.maxCols)
		if !ok {
			return o, ikup.Validationf("invalid --max-cols: %q", f.maxCols)
		}
		o.MaxCols = v
	}
	if f.maxRows != "" && f.maxRows != "auto" {
		v, ok := parsePositive(f.maxRows)
		if !ok || v > 256 {
			return o, ikup.Validationf("invalid --max-rows: %q", f.maxRows)
		}
		o.MaxRows = v
	}
	if f.forceID != "" {
		id, ok := parseID(f.forceID)
		if !ok || id == 0 {
			return o, ikup.Validationf("invalid --force-id: %q", f.forceID)
		}
		o.ForceID = id
	}
	switch f.markUploaded {
	case "":
	case "true", "1":
		v := true
		o.MarkUploaded = &v
	case "false", "0":
		v := false
		o.MarkUploaded = &v
	default:
		return o, ikup.Validationf("invalid --mark-uploaded: %q", f.markUploaded)
	}
	if f.allowConcurrent != "" {
		if err := a.override("allow_concurrent_uploads", f.allowConcurrent); err != nil {
			return o, err
		}
	}
	if err := a.resolveBox(t, f, &o); err != nil {
		return o, err
	}
	return o, nil
}

func parsePositive(s string) (int, bool) {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func (a *app) runDisplay(name string, images []string, f *displayFlags) error {
	t, err := a.terminal()
	if err != nil {
		return err
	}
	o, err := a.buildOptions(t, name, f)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return ikup.Validationf("no images specified")
	}
	if len(images) > 1 && o.ForceID != 0 {
		return ikup.Validationf("cannot use --force-id with multiple images")
	}

	hadErrors := false
	for _, image := range images {
		if err := a.handleOne(t, name, image, o); err != nil {
			var verr *ikup.ValidationError
			if ok := asValidation(err, &verr); ok {
				return err
			}
			fmt.Fprintf(os.Stderr, "error: failed to %s %s: %v\n", name, image, err)
			hadErrors = true
		}
	}
	if hadErrors {
		return fmt.Errorf("some images failed")
	}
	return nil
}

func asValidation(err error, target **ikup.ValidationError) bool {
	v, ok := err.(*ikup.ValidationError)
	if ok {
		*target = v
	}
	return ok
}

// handleOne processes a single image argument, which may be a path or a
// known id.
func (a *app) handleOne(t *ikup.Terminal, name, image string, o ikup.Options) error {
	// An argument that is not an existing file may be a known id.
	var rec *iddb.ImageRecord
	if _, err := os.Stat(image); err != nil {
		if id, ok := parseID(image); ok {
			if o.ForceID != 0 {
				return ikup.Validationf("cannot use --force-id with an id argument")
			}
			found, err := t.Instance(id)
			if err != nil {
				return fmt.Errorf("id is not assigned or assignment is broken: %d", id)
			}
			rec = &found
		}
	}

	switch name {
	case "get-id":
		if rec == nil {
			assigned, err := t.AssignID(image, o)
			if err != nil {
				return err
			}
			rec = &assigned
		}
		fmt.Println(rec.ID)
		return nil
	case "upload":
		if rec != nil {
			_, err := t.Upload(*rec, o)
			return err
		}
		_, _, err := t.UploadPath(image, o)
		return err
	case "display":
		if rec != nil {
			if !o.NoUpload {
				if _, err := t.Upload(*rec, o); err != nil {
					return err
				}
			}
			return t.DisplayRecord(*rec, o)
		}
		_, err := t.Display(image, o)
		return err
	}
	return fmt.Errorf("unknown command %q", name)
}

func (a *app) placeholderCommand() *cobra.Command {
	f := &displayFlags{}
	var cols, rows int
	cmd := &cobra.Command{
		Use:   "placeholder ID",
		Short: "Print a placeholder for the given id, rows and columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			id, ok := parseID(args[0])
			if !ok || id == 0 {
				return ikup.Validationf("invalid id: %q", args[0])
			}
			if cols <= 0 || rows <= 0 {
				return ikup.Validationf("placeholder requires positive --cols and --rows")
			}
			return t.Placeholder(id, cols, rows, ikup.Options{
				UseLineFeeds:  f.useLineFeeds,
				Pos:           f.pos,
				RestoreCursor: f.restoreCursor,
			})
		},
	}
	fl := cmd.Flags()
	fl.IntVarP(&cols, "cols", "c", 0, "number of columns of the placeholder")
	fl.IntVarP(&rows, "rows", "r", 0, "number of rows of the placeholder")
	fl.StringVarP(&a.outDisplay, "out-display", "o", "", "tty/file/pipe for the placeholder (default stdout)")
	fl.StringVar(&f.useLineFeeds, "use-line-feeds", "auto", "use line feeds instead of cursor movement: auto, true, false")
	fl.StringVar(&f.pos, "pos", "", "absolute position formula X,Y")
	fl.StringVar(&f.restoreCursor, "restore-cursor", "auto", "restore the cursor to the image start: true, false, auto")
	fl.BoolVar(&a.dumpConfig, "dump-config", false, "dump the config before executing")
	_ = cmd.MarkFlagRequired("cols")
	_ = cmd.MarkFlagRequired("rows")
	return cmd
}
