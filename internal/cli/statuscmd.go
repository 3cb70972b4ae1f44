package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Display the terminal identity, database and configuration status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			fmt.Printf("Config file: %s\n", t.Config.ConfigFile)
			fmt.Printf("inside_ssh: %v\n", t.InsideSSH)
			fmt.Printf("terminal_name: %s\n", t.Identity.Name)
			fmt.Printf("terminal_id: %s\n", t.Identity.ID)
			fmt.Printf("session_id: %s\n", t.Identity.Session)

			sp, err := t.Space("")
			if err != nil {
				return err
			}
			ss, err := t.Subspace("")
			if err != nil {
				return err
			}
			fmt.Printf("database_file: %s\n", t.DB.File(sp))
			fmt.Printf("Default ID space: %s\n", sp)
			fmt.Printf("Default subspace: %s\n", ss)

			total := 0
			for _, space := range idspace.AllSpaces() {
				n, err := t.DB.Count(space, idspace.FullSubspace())
				if err != nil {
					return err
				}
				total += n
			}
			inSubspace, err := t.DB.Count(sp, ss)
			if err != nil {
				return err
			}
			fmt.Printf("Total IDs in the session db: %d\n", total)
			fmt.Printf("IDs in the subspace: %d\n", inSubspace)

			fmt.Printf("Supported formats: %s\n",
				strings.Join(t.Config.SupportedFormatList(t.Identity.Name), ", "))
			tr, err := t.Transport("")
			if err != nil {
				return err
			}
			fmt.Printf("Default uploading method: %s\n", tr)
			fmt.Printf("Allow concurrent uploads: %v\n", t.AllowConcurrentUploads())
			maxCols, maxRows := t.MaxColsRows(0, 0)
			fmt.Printf("Max size in cells (cols x rows): %d x %d\n", maxCols, maxRows)
			cellW, cellH := t.CellSize()
			fmt.Printf("(Assumed) cell size in pixels (w x h): %d x %d\n", cellW, cellH)

			fmt.Printf("\nAll databases in %s\n", t.DB.Dir())
			printDatabaseListing(t.DB.Dir())
			return nil
		},
	}
}

func printDatabaseListing(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type dbFile struct {
		name  string
		mtime time.Time
		size  int64
	}
	var files []dbFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, dbFile{entry.Name(), info.ModTime(), info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	for _, f := range files {
		fmt.Printf("  %s  (mtime: %s, size: %s)\n",
			f.name, f.mtime.Format(time.RFC3339), humanize.IBytes(uint64(f.size)))
	}
}

func (a *app) dumpConfigCommand() *cobra.Command {
	var noProvenance, skipDefault bool
	cmd := &cobra.Command{
		Use:   "dump-config",
		Short: "Dump the configuration state as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			s, err := t.Config.DumpTOML(!noProvenance, skipDefault)
			if err != nil {
				return err
			}
			fmt.Print(s)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&noProvenance, "no-provenance", "n", false, "exclude provenance comments")
	cmd.Flags().BoolVarP(&skipDefault, "skip-default", "d", false, "skip unchanged options")
	return cmd
}

func (a *app) cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old databases and trim the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.terminal()
			if err != nil {
				return err
			}
			removed, err := t.Cleanup()
			if err != nil {
				return err
			}
			if len(removed) > 0 {
				fmt.Println("Removed old databases:")
				for _, path := range removed {
					fmt.Printf("  %s\n", filepath.Clean(path))
				}
			}
			return nil
		},
	}
}
