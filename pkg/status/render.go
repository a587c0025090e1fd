package status

import (
	"strings"

	"github.com/go-bbs/retroterm/pkg/screencode"
	"github.com/go-bbs/retroterm/pkg/scrollback"
)

// renderTail returns the last n rows of sb at the given width as plain
// text, translating each cell's screen-code back to PETSCII and
// dropping non-printable control positions as spaces. Trailing spaces
// on each line are trimmed.
func renderTail(sb *scrollback.Buffer, width, n int) []string {
	cells := sb.Tail(n, width)
	if len(cells) == 0 {
		return nil
	}
	lines := make([]string, 0, len(cells)/width)
	var b strings.Builder
	for i, cell := range cells {
		if i > 0 && i%width == 0 {
			lines = append(lines, strings.TrimRight(b.String(), " "))
			b.Reset()
		}
		petscii := screencode.Unmap(cell.Character)
		if screencode.Printable(petscii) && petscii >= 0x20 && petscii < 0x7F {
			b.WriteByte(petscii)
		} else {
			b.WriteByte(' ')
		}
	}
	lines = append(lines, strings.TrimRight(b.String(), " "))
	return lines
}
