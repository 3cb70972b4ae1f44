package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sergei-grechanik/ikup/internal/fingerprint"
	"github.com/sergei-grechanik/ikup/internal/iddb"
	"github.com/sergei-grechanik/ikup/internal/ikup"
)

// foreachFlags are shared by list, fix, reupload, dirty and forget.
type foreachFlags struct {
	all          bool
	older        string
	newer        string
	last         int
	exceptLast   int
	print        string
	quiet        bool
	verbose      bool
	maxCols      string
	maxRows      string
	useLineFeeds string
	uploadMethod string
}

func (a *app) foreachCommand(name string) *cobra.Command {
	f := &foreachFlags{}
	short := map[string]string{
		"list":     "List known images matching the criteria",
		"fix":      "Reupload all matching images whose upload status is not current",
		"reupload": "Unconditionally reupload all matching images",
		"dirty":    "Mark all matching images as not uploaded to any terminal",
		"forget":   "Forget all matching images (the terminal keeps its copies)",
	}[name]
	cmd := &cobra.Command{
		Use:   name + " [images or ids...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runForeach(name, args, f)
		},
	}
	fl := cmd.Flags()
	fl.BoolVarP(&f.all, "all", "a", false, "affect all known images")
	fl.StringVar(&f.older, "older", "", "affect images last touched before TIME")
	fl.StringVar(&f.newer, "newer", "", "affect images last touched after TIME")
	fl.IntVarP(&f.last, "last", "l", 0, "affect only the N most recently touched images")
	fl.IntVarP(&f.exceptLast, "except-last", "e", 0, "affect images except the N most recently touched")
	fl.StringVarP(&f.print, "print", "p", "", "print information according to FORMAT (%i %x %c %r %p %P %m %a %D)")
	fl.BoolVar(&a.dumpConfig, "dump-config", false, "dump the config before executing")
	if name == "list" {
		fl.BoolVarP(&f.verbose, "verbose", "v", false, "show details and a preview for each image")
		fl.StringVar(&f.maxCols, "max-cols", "auto", "maximum columns of each preview")
		fl.StringVar(&f.maxRows, "max-rows", "4", "maximum rows of each preview")
		fl.StringVarP(&a.outDisplay, "out-display", "o", "", "tty/file/pipe for output (default stdout)")
		fl.StringVar(&f.useLineFeeds, "use-line-feeds", "auto", "use line feeds instead of cursor movement")
	} else {
		fl.BoolVarP(&f.quiet, "quiet", "q", false, "don't print affected image ids")
	}
	if name == "fix" || name == "reupload" {
		fl.StringVarP(&f.uploadMethod, "upload-method", "m", "", "upload method: auto, file, stream, direct")
		fl.StringVarP(&a.outCommand, "out-command", "O", "", "tty/file/pipe for graphics commands (default /dev/tty)")
	}
	return cmd
}

func parseQueryTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ikup.Validationf("invalid time: %q", s)
}

// buildQuery turns the image/id arguments and filter flags into a query.
// The returned wanted map tracks explicitly named targets so missing ones
// can be reported.
func buildQuery(name string, args []string, f *foreachFlags) (iddb.Query, map[string]bool, error) {
	var q iddb.Query
	wanted := map[string]bool{}

	filtered := f.older != "" || f.newer != "" || f.last > 0 || f.exceptLast > 0
	if f.all && (len(args) > 0 || filtered) {
		return q, nil, ikup.Validationf("cannot use --all together with images/ids or queries")
	}
	if len(args) > 0 && filtered {
		return q, nil, ikup.Validationf("cannot specify images/ids and queries at the same time")
	}
	if !f.all && len(args) == 0 && !filtered {
		if name == "list" {
			f.all = true
		} else {
			return q, nil, ikup.Validationf("specify images/ids, a query, or --all")
		}
	}

	q.All = f.all
	if f.older != "" {
		t, err := parseQueryTime(f.older)
		if err != nil {
			return q, nil, err
		}
		q.Older = t
	}
	if f.newer != "" {
		t, err := parseQueryTime(f.newer)
		if err != nil {
			return q, nil, err
		}
		q.Newer = t
	}
	q.Last = f.last
	q.ExceptLast = f.exceptLast

	for _, arg := range args {
		if _, err := os.Stat(arg); err != nil {
			if id, ok := parseID(arg); ok {
				q.IDs = append(q.IDs, id)
				wanted[fmt.Sprintf("id:%d", id)] = true
				continue
			}
		}
		norm, err := fingerprint.NormalizePath(arg)
		if err != nil {
			return q, nil, err
		}
		q.Paths = append(q.Paths, norm)
		wanted[norm] = true
	}
	return q, wanted, nil
}

func (a *app) runForeach(name string, args []string, f *foreachFlags) error {
	t, err := a.terminal()
	if err != nil {
		return err
	}
	q, wanted, err := buildQuery(name, args, f)
	if err != nil {
		return err
	}

	records, err := t.List(q)
	if err != nil {
		return err
	}
	for _, rec := range records {
		delete(wanted, fmt.Sprintf("id:%d", rec.ID))
		delete(wanted, rec.Path)
	}

	hadErrors := false
	for missing := range wanted {
		fmt.Fprintf(os.Stderr, "error: not found in the db: %s\n", strings.TrimPrefix(missing, "id:"))
		hadErrors = true
	}

	o := ikup.Options{UploadMethod: f.uploadMethod, UseLineFeeds: f.useLineFeeds}
	for _, rec := range records {
		fixed := true
		switch name {
		case "forget":
			err = t.Forget(rec)
		case "dirty":
			err = t.Dirty(rec)
		case "fix":
			fixed, err = t.Fix(rec, o)
		case "reupload":
			err = t.Reupload(rec, o)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to %s %d %s: %v\n", name, rec.ID, rec.Path, err)
			hadErrors = true
			err = nil
			continue
		}
		if name != "list" && (f.quiet || !fixed) {
			continue
		}

		line := f.print
		if line == "" {
			line = "%i\t%cx%r\t%P"
		}
		formatted, err := formatRecord(line, rec)
		if err != nil {
			return err
		}
		if name == "list" && f.verbose {
			if err := a.printVerbose(t, rec, f); err != nil {
				return err
			}
			continue
		}
		if name != "list" {
			fmt.Printf("%s %s\n", name, formatted)
		} else {
			fmt.Println(formatted)
		}
	}
	if hadErrors {
		return fmt.Errorf("some rows failed")
	}
	return nil
}

// formatRecord expands the printf-like format string of --print.
func formatRecord(format string, rec iddb.ImageRecord) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c == '\\' && i+1 < len(format) {
			i++
			switch format[i] {
			case '\\':
				sb.WriteByte('\\')
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'e':
				sb.WriteByte(0x1b)
			default:
				return "", ikup.Validationf("unknown escape sequence: \\%c", format[i])
			}
			continue
		}
		if c == '%' && i+1 < len(format) {
			i++
			switch format[i] {
			case '%':
				sb.WriteByte('%')
			case 'i':
				fmt.Fprintf(&sb, "%d", rec.ID)
			case 'x':
				fmt.Fprintf(&sb, "%08x", rec.ID)
			case 'c':
				fmt.Fprintf(&sb, "%d", rec.Cols)
			case 'r':
				fmt.Fprintf(&sb, "%d", rec.Rows)
			case 'p':
				if rec.Path == "" {
					sb.WriteString("/dev/null")
				} else {
					sb.WriteString(rec.Path)
				}
			case 'P':
				if rec.Path == "" {
					sb.WriteString(rec.Description())
				} else {
					sb.WriteString(rec.Path)
				}
			case 'm':
				if rec.MtimeNs == 0 {
					sb.WriteString("?")
				} else {
					sb.WriteString(time.Unix(0, rec.MtimeNs).Format(time.RFC3339))
				}
			case 'a':
				sb.WriteString(rec.Atime.Format(time.RFC3339))
			case 'D':
				sb.WriteString(rec.Description())
			default:
				return "", ikup.Validationf("unknown format specifier: %%%c", format[i])
			}
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String(), nil
}

// printVerbose prints the detailed block and a cropped preview of one
// record.
func (a *app) printVerbose(t *ikup.Terminal, rec iddb.ImageRecord, f *foreachFlags) error {
	maxCols, maxRows := 0, 4
	if f.maxCols != "" && f.maxCols != "auto" {
		if v, ok := parsePositive(f.maxCols); ok {
			maxCols = v
		}
	}
	if f.maxRows != "" && f.maxRows != "auto" {
		if v, ok := parsePositive(f.maxRows); ok {
			maxRows = v
		}
	} else if f.maxRows == "auto" {
		maxRows = 0
	}
	maxCols, maxRows = t.MaxColsRows(maxCols, maxRows)

	w := t.Out.Display
	subByte := rec.Space.HighByte(rec.ID)
	fmt.Fprintf(w, "\x1b[1mID: %d\x1b[0m = 0x%08x id_space: %s subspace_byte: %d = 0x%02x atime: %s (%s)\n",
		rec.ID, rec.ID, rec.Space, subByte, subByte,
		rec.Atime.Format(time.RFC3339), humanize.Time(rec.Atime))
	fmt.Fprintf(w, "  %s %dx%d %s\n", rec.Path, rec.Cols, rec.Rows, rec.Description())

	needs, err := t.NeedsUpload(rec)
	if err != nil {
		return err
	}
	if needs {
		fmt.Fprintf(w, "  \x1b[1mNEEDS UPLOADING\x1b[0m to %s\n", t.Identity.ID)
	}
	uploads, err := t.DB.Uploads(rec.ID)
	if err != nil {
		return err
	}
	for _, u := range uploads {
		fmt.Fprint(w, "  ")
		if u.Description != rec.Description() || u.Status == iddb.StatusDirty {
			fmt.Fprint(w, "(Needs reuploading) ")
		}
		var status string
		switch u.Status {
		case iddb.StatusUploaded:
			status = "Uploaded to"
		case iddb.StatusInProgress:
			status = "Uploading in progress to"
		case iddb.StatusDirty:
			status = "Dirty in"
		default:
			status = fmt.Sprintf("Uploaded (status = %s) to", u.Status)
		}
		fmt.Fprintf(w, "%s %s at %s (%s)  size: %d bytes bytes_ago: %d uploads_ago: %d\n",
			status, u.TerminalID, u.UploadTime.Format(time.RFC3339),
			humanize.Time(u.UploadTime), u.Size, u.BytesAgo, u.UploadsAgo)
		if u.Description != rec.Description() {
			fmt.Fprintf(w, "    INVALID DESCRIPTION: %s\n", u.Description)
		}
	}

	// Cropped preview.
	preview := rec
	preview.Cols = min(rec.Cols, maxCols)
	preview.Rows = min(rec.Rows, maxRows)
	if err := t.DisplayRecord(preview, ikup.Options{UseLineFeeds: f.useLineFeeds}); err != nil {
		fmt.Fprintf(w, "  \x1b[1m\x1b[38;5;1mCOULD NOT DISPLAY: %v\x1b[0m\n", err)
	} else if rec.Cols > maxCols || rec.Rows > maxRows {
		fmt.Fprintf(w, "  Note: cropped to %dx%d\n", preview.Cols, preview.Rows)
	}
	fmt.Fprintln(w, strings.Repeat("-", min(maxCols, 80)))
	return nil
}
