package term

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Output bundles the two terminal byte streams: graphics commands (which
// must reach the real terminal) and the display stream (placeholders and
// text, usually stdout so it can be piped).
type Output struct {
	Command io.Writer
	Display io.Writer

	displayFile *os.File
	commandFile *os.File
	toClose     []*os.File
}

// OpenOutput resolves the output streams. Empty outCommand means /dev/tty,
// empty outDisplay means stdout. Explicit paths are created/truncated.
func OpenOutput(outCommand, outDisplay string) (*Output, error) {
	o := &Output{}

	if outDisplay == "" {
		o.Display = os.Stdout
		o.displayFile = os.Stdout
	} else {
		f, err := os.OpenFile(outDisplay, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open display output: %w", err)
		}
		o.Display = f
		o.displayFile = f
		o.toClose = append(o.toClose, f)
	}

	if outCommand == "" {
		tty, err := os.OpenFile("/dev/tty", os.O_WRONLY, 0)
		if err != nil {
			// No controlling terminal; send commands to the display stream.
			o.Command = o.Display
			o.commandFile = o.displayFile
			return o, nil
		}
		o.Command = tty
		o.commandFile = tty
		o.toClose = append(o.toClose, tty)
	} else {
		f, err := os.OpenFile(outCommand, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open command output: %w", err)
		}
		o.Command = f
		o.commandFile = f
		o.toClose = append(o.toClose, f)
	}
	return o, nil
}

// DisplayIsTTY reports whether the display stream is a terminal; a piped
// display switches the placeholder renderer to line feeds.
func (o *Output) DisplayIsTTY() bool {
	if o.displayFile == nil {
		return false
	}
	return term.IsTerminal(int(o.displayFile.Fd()))
}

// DisplayFile returns the display stream's file when it is backed by one.
func (o *Output) DisplayFile() *os.File { return o.displayFile }

// Close closes any streams OpenOutput opened (never stdout).
func (o *Output) Close() error {
	var first error
	for _, f := range o.toClose {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
