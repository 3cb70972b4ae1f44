package kitty

import (
	"fmt"
	"io"
	"strings"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

// PlaceholderRune is the base code point of placeholder cells.
const PlaceholderRune = '\U0010EEEE'

// Placeholder describes the cell grid that makes the terminal paint a
// previously transmitted image at the cursor.
type Placeholder struct {
	ID    uint32
	Space idspace.Space
	Cols  int
	Rows  int
}

// Pos is an absolute 0-based cell position on the screen.
type Pos struct {
	X int
	Y int
}

// RenderOptions tune placeholder output.
type RenderOptions struct {
	// UseLineFeeds moves between rows with a literal line feed instead of
	// cursor movement; right for non-tty output.
	UseLineFeeds bool
	// RestoreCursor frames the grid with save/restore so the cursor ends at
	// the image's starting cell.
	RestoreCursor bool
	// Pos places the grid at an absolute position instead of the cursor.
	Pos *Pos
	// FewerDiacritics omits the marks on every column but the first.
	FewerDiacritics bool
	// PlaceholderRune overrides the base cell code point when non-zero.
	PlaceholderRune rune
}

// Validate checks the grid invariants.
func (p Placeholder) Validate() error {
	if p.ID == 0 {
		return fmt.Errorf("placeholder image id cannot be zero")
	}
	if p.Cols <= 0 || p.Rows <= 0 {
		return fmt.Errorf("placeholder box must be positive: %dx%d", p.Cols, p.Rows)
	}
	return nil
}

// colorPrelude encodes the id into the foreground colour per the id space
// rules.
func colorPrelude(id uint32, sp idspace.Space) string {
	cc := idspace.IDCellColor(id, sp)
	if cc.Mode == idspace.Color256 {
		return fmt.Sprintf("\x1b[38;5;%dm", cc.Index)
	}
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm", cc.R, cc.G, cc.B)
}

func diacriticAt(index int) rune {
	return rowColumnDiacritics[index]
}

// Render writes the placeholder grid. The cursor is assumed to sit at the
// top-left cell of the target box unless Pos is set.
func Render(w io.Writer, p Placeholder, opt RenderOptions) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if opt.Pos != nil && opt.UseLineFeeds {
		return fmt.Errorf("cannot use line feeds with an absolute position")
	}

	base := opt.PlaceholderRune
	if base == 0 {
		base = PlaceholderRune
	}
	cc := idspace.IDCellColor(p.ID, p.Space)
	prelude := colorPrelude(p.ID, p.Space)

	var sb strings.Builder
	if opt.RestoreCursor {
		sb.WriteString("\x1b[s")
	}
	for row := 0; row < p.Rows; row++ {
		if opt.Pos != nil {
			fmt.Fprintf(&sb, "\x1b[%d;%dH", opt.Pos.Y+row+1, opt.Pos.X+1)
		}
		// Reset before and after each line so the id colours never bleed
		// into surrounding text.
		sb.WriteString("\x1b[0m")
		if row >= len(rowColumnDiacritics) {
			sb.WriteString(strings.Repeat(" ", p.Cols))
		} else {
			sb.WriteString(prelude)
			rowMark := diacriticAt(row)
			for col := 0; col < p.Cols; col++ {
				sb.WriteRune(base)
				if col > 0 && opt.FewerDiacritics {
					continue
				}
				sb.WriteRune(rowMark)
				if col < len(rowColumnDiacritics) {
					sb.WriteRune(diacriticAt(col))
					if cc.HasDiacritic {
						sb.WriteRune(diacriticAt(int(cc.Diacritic)))
					}
				}
			}
		}
		sb.WriteString("\x1b[0m")
		if row == p.Rows-1 {
			break
		}
		if opt.Pos != nil {
			continue
		}
		if opt.UseLineFeeds {
			sb.WriteByte('\n')
		} else {
			// Return to the start column, then move down. ESC D scrolls if
			// the cursor is on the last line, unlike plain CUD.
			fmt.Fprintf(&sb, "\x1b[%dD", p.Cols)
			sb.WriteString("\x1bD")
		}
	}
	// Leave the cursor below the image start, or back at the top-left cell
	// when restoring.
	if opt.RestoreCursor {
		sb.WriteString("\x1b[u")
	} else if opt.Pos == nil {
		if opt.UseLineFeeds {
			sb.WriteByte('\n')
		} else {
			fmt.Fprintf(&sb, "\x1b[%dD", p.Cols)
			sb.WriteString("\x1bD")
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
