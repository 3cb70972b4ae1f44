package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sergei-grechanik/ikup/internal/config"
	"github.com/sergei-grechanik/ikup/internal/fingerprint"
	"github.com/sergei-grechanik/ikup/internal/ikup"
	"github.com/sergei-grechanik/ikup/internal/transcode"
)

// cacheFlags parameterise cache convert/check.
type cacheFlags struct {
	width     int
	height    int
	size      string
	format    string
	quality   int
	maxBytes  int64
	tolerance float64
}

func (f *cacheFlags) constraint() (transcode.Constraint, error) {
	c := transcode.Constraint{
		Width:     f.width,
		Height:    f.height,
		MaxBytes:  f.maxBytes,
		Format:    f.format,
		Quality:   f.quality,
		Tolerance: f.tolerance,
	}
	if f.size != "" {
		if c.Width != 0 || c.Height != 0 {
			return c, ikup.Validationf("--size conflicts with --width/--height")
		}
		w, h, err := config.ParseSize(f.size)
		if err != nil {
			return c, &ikup.ValidationError{Msg: err.Error()}
		}
		c.Width, c.Height = w, h
	}
	return c, nil
}

func addCacheFlags(cmd *cobra.Command, f *cacheFlags) {
	fl := cmd.Flags()
	fl.IntVar(&f.width, "width", 0, "target width in pixels (height kept proportional)")
	fl.IntVar(&f.height, "height", 0, "target height in pixels (width kept proportional)")
	fl.StringVar(&f.size, "size", "", "target size WxH in pixels")
	fl.StringVar(&f.format, "format", "", "target format: png or jpeg (default: source format)")
	fl.IntVar(&f.quality, "quality", 0, "encoding quality (advisory for png)")
	fl.Int64Var(&f.maxBytes, "max-bytes", 0, "maximum encoded size in bytes")
	fl.Float64Var(&f.tolerance, "tolerance", 0, "fractional size tolerance for --max-bytes")
}

func (a *app) cacheCommand() *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Operate on the transcode cache",
	}

	convertFlags := &cacheFlags{}
	convert := &cobra.Command{
		Use:   "convert IMAGE",
		Short: "Convert an image, reusing a cached variant when possible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			constraint, err := convertFlags.constraint()
			if err != nil {
				return err
			}
			src, err := fingerprint.Stat(args[0])
			if err != nil {
				return err
			}
			entry, err := t.Cache.Convert(src, constraint)
			if err != nil {
				return err
			}
			if entry.Impossible {
				fmt.Fprintf(os.Stderr,
					"warning: cannot fit %s into %d bytes, returning the 1x1 image\n",
					args[0], constraint.MaxBytes)
			}
			fmt.Println(entry.Path)
			return nil
		},
	}
	addCacheFlags(convert, convertFlags)

	checkFlags := &cacheFlags{}
	check := &cobra.Command{
		Use:   "check IMAGE",
		Short: "Look up a cached variant without converting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			constraint, err := checkFlags.constraint()
			if err != nil {
				return err
			}
			src, err := fingerprint.Stat(args[0])
			if err != nil {
				return err
			}
			entry, err := t.Cache.Check(src, constraint)
			var corrupt *transcode.CorruptError
			switch {
			case errors.Is(err, transcode.ErrNoEntry):
				fmt.Println("no entry")
				return fmt.Errorf("no cache entry for %s", args[0])
			case errors.As(err, &corrupt):
				fmt.Fprintf(os.Stderr, "warning: %v\n", corrupt)
				return err
			case err != nil:
				return err
			}
			if entry.Impossible {
				fmt.Fprintf(os.Stderr,
					"warning: the cached entry is the 1x1 minimum exceeding the requested size\n")
			}
			fmt.Println(entry.Path)
			return nil
		},
	}
	addCacheFlags(check, checkFlags)

	list := &cobra.Command{
		Use:   "list [IMAGE]",
		Short: "List cached variants, grouped by source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			var src *fingerprint.Source
			if len(args) == 1 {
				s, err := fingerprint.Stat(args[0])
				if err != nil {
					return err
				}
				src = &s
			}
			groups, err := t.Cache.List(src)
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Printf("%s (mtime %s)\n", g.Path, time.Unix(0, g.MtimeNs).Format(time.RFC3339))
				for _, e := range g.Entries {
					flags := ""
					if e.IsFull {
						flags += " full"
					}
					if e.Impossible {
						flags += " impossible"
					}
					fmt.Printf("  %dx%d %s %s%s\n    %s\n",
						e.Width, e.Height, e.Format,
						humanize.IBytes(uint64(e.Bytes)), flags, e.Path)
				}
			}
			return nil
		},
	}

	var removeFormat string
	var removeWidth, removeHeight int
	remove := &cobra.Command{
		Use:   "remove IMAGE",
		Short: "Remove the cached variants of a source image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			src, err := fingerprint.Stat(args[0])
			if err != nil {
				return err
			}
			n, err := t.Cache.Remove(src, removeFormat, removeWidth, removeHeight)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d cached images\n", n)
			return nil
		},
	}
	remove.Flags().StringVar(&removeFormat, "format", "", "remove only this format")
	remove.Flags().IntVar(&removeWidth, "width", 0, "remove only this width")
	remove.Flags().IntVar(&removeHeight, "height", 0, "remove only this height")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove every cached variant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			n, err := t.Cache.Purge()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d cached images\n", n)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show cache occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			s, err := t.Cache.Status()
			if err != nil {
				return err
			}
			fmt.Printf("Cache directory: %s\n", t.Cache.Dir())
			fmt.Printf("Entries: %d / %d\n", s.Entries, s.MaxEntries)
			fmt.Printf("Total size: %s / %s\n",
				humanize.IBytes(uint64(s.TotalBytes)), humanize.IBytes(uint64(s.MaxBytes)))
			return nil
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict old cache entries beyond the configured limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			n, err := t.Cache.Cleanup()
			if err != nil {
				return err
			}
			fmt.Printf("evicted %d cached images\n", n)
			return nil
		},
	}

	cache.AddCommand(convert, check, list, remove, purge, status, cleanup)
	return cache
}
