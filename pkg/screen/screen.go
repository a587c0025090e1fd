// Package screen implements the grid-backed virtual display (component
// B): a cell grid with cursor, colours, reverse video and charset mode,
// plus the scroll-up rule that feeds an optional ScrollSink.
package screen

import log "github.com/sirupsen/logrus"

// Charset selects which of the two PETSCII character banks is active.
type Charset uint8

const (
	CharsetUpper Charset = iota
	CharsetLower
)

// Cell is a single grid position: a screen-code character, a
// foreground colour (0-15) and a reverse-video flag. There is no
// per-cell background; the screen has a single global background.
type Cell struct {
	Character byte
	Fg        uint8
	Reverse   bool
}

// ScrollSink receives complete rows pushed out of the top of the grid
// by scroll_up. No type in this module implements it; the scrollback
// store records the raw byte stream instead.
type ScrollSink interface {
	PushLine(cells []Cell)
}

// Screen is the mutable virtual display driven byte-at-a-time by the
// PETSCII parser.
type Screen struct {
	log *log.Entry

	width  int
	height int

	cursorX, cursorY int

	currentFg   uint8
	screenBg    uint8
	border      uint8
	reverseMode bool
	charset     Charset

	cells [][]Cell

	sink      ScrollSink
	unbounded bool
}

// New creates a Screen of the given width/height (40x25 or 80x25 in
// the common case), optionally reporting pushed-out rows to sink.
func New(width, height int, sink ScrollSink) *Screen {
	s := &Screen{
		log:    log.WithField("service", "[SCREEN]"),
		width:  width,
		height: height,
		sink:   sink,
	}
	s.cells = make([][]Cell, height)
	for y := range s.cells {
		s.cells[y] = make([]Cell, width)
	}
	return s
}

// NewUnbounded creates a Screen of fixed width and growing height,
// used by the scrollback viewer to reparse its raw byte log: rows
// never scroll off, they simply accumulate. It starts with one row.
func NewUnbounded(width int) *Screen {
	s := New(width, 1, nil)
	s.unbounded = true
	return s
}

func (s *Screen) Width() int  { return s.width }
func (s *Screen) Height() int { return len(s.cells) }

func (s *Screen) Cursor() (x, y int) { return s.cursorX, s.cursorY }

func (s *Screen) ReverseMode() bool { return s.reverseMode }

func (s *Screen) CharsetMode() Charset { return s.charset }

func (s *Screen) BackgroundColor() uint8 { return s.screenBg }

// Clear blanks every cell using the current screen background and
// homes the cursor.
func (s *Screen) Clear() {
	blank := Cell{Fg: s.currentFg}
	for y := range s.cells {
		row := s.cells[y]
		for x := range row {
			row[x] = blank
		}
	}
	s.Home()
	s.log.Debug("screen cleared")
}

// Home moves the cursor to (0,0) without touching the grid.
func (s *Screen) Home() {
	s.cursorX, s.cursorY = 0, 0
}

// SetCursor places the cursor absolutely. In fixed-height mode y is
// clamped to the grid like x; in unbounded mode (the scrollback
// viewer's transient screen) the grid grows to accommodate y.
func (s *Screen) SetCursor(x, y int) {
	s.cursorX = clamp(x, 0, s.width-1)
	if y < 0 {
		y = 0
	}
	if s.unbounded {
		s.growTo(y)
		s.cursorY = y
		return
	}
	s.cursorY = clamp(y, 0, s.height-1)
}

// MoveCursor moves the cursor relatively, clamped to the grid bounds
// (it does not trigger scroll or newline side effects).
func (s *Screen) MoveCursor(dx, dy int) {
	s.SetCursor(s.cursorX+dx, s.cursorY+dy)
}

// WriteScreenCode places sc at the cursor with the current foreground
// colour and reverse state, then advances the cursor. If the cursor
// runs past the last column, Newline is invoked - but reverse_mode is
// NOT cleared by auto-wrap.
func (s *Screen) WriteScreenCode(sc byte) {
	if s.unbounded {
		s.growTo(s.cursorY)
	}
	s.cells[s.cursorY][s.cursorX] = Cell{
		Character: sc,
		Fg:        s.currentFg,
		Reverse:   s.reverseMode,
	}
	s.cursorX++
	if s.cursorX == s.width {
		s.newline()
	}
}

// Newline is the explicit-CR entry point: it clears reverse_mode
// before moving to the next line, per the spec's CR rule. Auto-wrap
// (from WriteScreenCode) calls the unexported newline directly and so
// never clears reverse_mode.
func (s *Screen) Newline() {
	s.reverseMode = false
	s.newline()
}

func (s *Screen) newline() {
	s.cursorX = 0
	s.cursorY++
	if s.unbounded {
		s.growTo(s.cursorY)
		return
	}
	if s.cursorY >= s.height {
		s.ScrollUp(1)
		s.cursorY = s.height - 1
	}
}

// ScrollUp pushes the topmost k rows into the scrollback sink and
// fills k new blank rows at the bottom, coloured with the current
// screen background.
func (s *Screen) ScrollUp(k int) {
	if k <= 0 {
		return
	}
	if k > s.height {
		k = s.height
	}
	for i := 0; i < k; i++ {
		if s.sink != nil {
			s.sink.PushLine(append([]Cell(nil), s.cells[0]...))
		}
		s.cells = append(s.cells[1:], newBlankRow(s.width))
	}
}

// DeleteBack moves the cursor back one column and blanks that cell,
// clamped at column 0 (it does not wrap to the previous row).
func (s *Screen) DeleteBack() {
	if s.cursorX > 0 {
		s.cursorX--
	}
	s.cells[s.cursorY][s.cursorX] = Cell{Fg: s.currentFg}
}

// InsertBlank writes a blank cell at the cursor without advancing it,
// shifting nothing - a simple blank stamp used by PETSCII 0x94.
func (s *Screen) InsertBlank() {
	s.cells[s.cursorY][s.cursorX] = Cell{Fg: s.currentFg}
}

func (s *Screen) SetFg(c uint8)       { s.currentFg = c & 0x0F }
func (s *Screen) SetScreenBg(c uint8) { s.screenBg = c & 0x0F }
func (s *Screen) SetBorder(c uint8)   { s.border = c & 0x0F }
func (s *Screen) SetReverse(on bool)  { s.reverseMode = on }
func (s *Screen) SetCharset(c Charset) {
	s.charset = c
}

// ReadLine returns a copy of row y, or nil if out of range.
func (s *Screen) ReadLine(y int) []Cell {
	if y < 0 || y >= len(s.cells) {
		return nil
	}
	return append([]Cell(nil), s.cells[y]...)
}

// growTo extends the grid downward when operating in scrollback-reparse
// mode, where height may grow unbounded; in fixed-height mode y never
// exceeds height-1 by construction of newline/ScrollUp.
func (s *Screen) growTo(y int) {
	for y >= len(s.cells) {
		s.cells = append(s.cells, newBlankRow(s.width))
	}
}

func newBlankRow(width int) []Cell {
	return make([]Cell, width)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
