//go:build unix

package term

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Size returns the terminal dimensions in cells, probing the display
// stream first and falling back to stdout, stderr and the controlling tty.
func Size(f *os.File) (cols, rows int, ok bool) {
	probe := func(fd int) bool {
		c, r, err := term.GetSize(fd)
		if err == nil && c > 0 && r > 0 {
			cols, rows, ok = c, r, true
			return true
		}
		return false
	}
	if f != nil && probe(int(f.Fd())) {
		return
	}
	if probe(int(os.Stdout.Fd())) || probe(int(os.Stderr.Fd())) {
		return
	}
	if tty, err := os.Open("/dev/tty"); err == nil {
		defer tty.Close()
		probe(int(tty.Fd()))
	}
	return
}

// CellSize returns the terminal cell dimensions in pixels by querying
// TIOCGWINSZ. ok is false when the terminal does not report pixel sizes.
func CellSize(f *os.File) (cellW, cellH int, ok bool) {
	probe := func(fd int) bool {
		ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
		if err != nil || ws.Col == 0 || ws.Row == 0 || ws.Xpixel == 0 || ws.Ypixel == 0 {
			return false
		}
		cellW = int(ws.Xpixel) / int(ws.Col)
		cellH = int(ws.Ypixel) / int(ws.Row)
		ok = cellW > 0 && cellH > 0
		return ok
	}
	if f != nil && probe(int(f.Fd())) {
		return
	}
	if probe(int(os.Stdout.Fd())) || probe(int(os.Stderr.Fd())) {
		return
	}
	if tty, err := os.Open("/dev/tty"); err == nil {
		defer tty.Close()
		probe(int(tty.Fd()))
	}
	return
}
