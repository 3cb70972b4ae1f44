//go:build unix

package term

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/term"
)

// CursorPos asks the terminal for the cursor position with the CSI 6n
// report, returning 0-based (x, y). It needs a readable controlling tty;
// ok is false otherwise.
func CursorPos(timeout time.Duration) (x, y int, ok bool) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return 0, 0, false
	}
	defer tty.Close()

	fd := int(tty.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return 0, 0, false
	}
	defer term.Restore(fd, oldState) //nolint:errcheck // best-effort restore

	if _, err := tty.WriteString("\x1b[6n"); err != nil {
		return 0, 0, false
	}

	deadline := time.Now().Add(timeout)
	_ = tty.SetReadDeadline(deadline)
	defer tty.SetReadDeadline(time.Time{}) //nolint:errcheck

	// Response: ESC [ row ; col R. Anything before ESC [ is pending input.
	var buf []byte
	tmp := make([]byte, 1)
	for time.Now().Before(deadline) {
		n, err := tty.Read(tmp)
		if err != nil || n == 0 {
			return 0, 0, false
		}
		buf = append(buf, tmp[0])
		if tmp[0] == 'R' {
			break
		}
		if len(buf) > 64 {
			return 0, 0, false
		}
	}

	var row, col int
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == 0x1b && buf[i+1] == '[' {
			if _, err := fmt.Sscanf(string(buf[i:]), "\x1b[%d;%dR", &row, &col); err == nil {
				return col - 1, row - 1, true
			}
		}
	}
	return 0, 0, false
}
