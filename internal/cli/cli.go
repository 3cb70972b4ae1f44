// Package cli is the cobra command surface of ikup. A single invocation
// may contain several operations separated by a literal ":" argument;
// they run in order in one process, stopping at the first failure. Each
// operation loads its own configuration and opens its own database and
// cache handles, which are closed before the next operation starts.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sergei-grechanik/ikup/internal/config"
	"github.com/sergei-grechanik/ikup/internal/formula"
	"github.com/sergei-grechanik/ikup/internal/ikup"
	"github.com/sergei-grechanik/ikup/internal/term"
	"github.com/sergei-grechanik/ikup/internal/upload"
)

// Exit codes: 0 success, 2 validation/CLI error, 1 operational error.
const (
	exitOK         = 0
	exitError      = 1
	exitValidation = 2
)

// app carries the state of one segment: its configuration, outputs and
// coordinator with its database/cache handles. Main builds a fresh app for
// every segment and closes its handles when the segment ends.
type app struct {
	cfg  *config.Config
	out  *term.Output
	term *ikup.Terminal
	log  *slog.Logger

	// Flag values common to many commands.
	outCommand string
	outDisplay string
	dumpConfig bool
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("IKUP_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// terminal lazily builds the coordinator for the current segment.
func (a *app) terminal() (*ikup.Terminal, error) {
	if a.term != nil {
		return a.term, nil
	}
	if a.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		a.cfg = cfg
	}
	if a.out == nil {
		out, err := term.OpenOutput(a.outCommand, a.outDisplay)
		if err != nil {
			return nil, err
		}
		a.out = out
	}
	t, err := ikup.New(a.cfg, a.out, a.log)
	if err != nil {
		return nil, err
	}
	a.term = t
	if a.dumpConfig {
		s, err := a.cfg.DumpTOML(true, false)
		if err == nil {
			fmt.Print(s)
		}
	}
	return t, nil
}

// override applies a CLI-provided config override when the value is
// non-empty.
func (a *app) override(key, value string) error {
	if value == "" {
		return nil
	}
	if a.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if err := a.cfg.Set(key, value, "set via command line"); err != nil {
		return &ikup.ValidationError{Msg: err.Error()}
	}
	return nil
}

// parseID accepts a decimal number, 0x hex, or an "id:" prefix of either.
func parseID(s string) (uint32, bool) {
	s = strings.TrimPrefix(s, "id:")
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// splitSegments cuts the argument list on standalone ":" tokens.
func splitSegments(args []string) [][]string {
	var segments [][]string
	current := []string{}
	for _, arg := range args {
		if arg == ":" {
			segments = append(segments, current)
			current = []string{}
			continue
		}
		current = append(current, arg)
	}
	segments = append(segments, current)
	return segments
}

var knownCommands = map[string]bool{
	"display": true, "upload": true, "get-id": true, "placeholder": true,
	"list": true, "fix": true, "reupload": true, "dirty": true,
	"forget": true, "cache": true, "status": true, "dump-config": true,
	"cleanup": true, "help": true, "completion": true,
}

// normalizeArgs inserts the default display command when none of the
// arguments is a known command or a help/version flag.
func normalizeArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	for _, arg := range args {
		if knownCommands[arg] {
			return args
		}
		if arg == "-h" || arg == "--help" || arg == "-v" || arg == "--version" {
			return args
		}
	}
	return append([]string{"display"}, args...)
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	log := newLogger()
	segments := splitSegments(os.Args[1:])
	for _, segment := range segments {
		a := &app{log: log}
		code := a.run(normalizeArgs(segment))
		if a.term != nil {
			a.term.Close()
		}
		if a.out != nil {
			a.out.Close()
		}
		if code != exitOK {
			return code
		}
	}
	return exitOK
}

func (a *app) run(args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var verr *ikup.ValidationError
	var ferr *formula.EvalError
	switch {
	case errors.As(err, &verr), errors.As(err, &ferr),
		errors.Is(err, upload.ErrUnsupported):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitValidation
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ikup",
		Short:         "Display images in terminals supporting the Kitty graphics protocol with Unicode placeholders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &ikup.ValidationError{Msg: err.Error()}
	})
	root.AddCommand(
		a.displayCommand("display"),
		a.displayCommand("upload"),
		a.displayCommand("get-id"),
		a.placeholderCommand(),
		a.foreachCommand("list"),
		a.foreachCommand("fix"),
		a.foreachCommand("reupload"),
		a.foreachCommand("dirty"),
		a.foreachCommand("forget"),
		a.cacheCommand(),
		a.statusCommand(),
		a.dumpConfigCommand(),
		a.cleanupCommand(),
	)
	return root
}
