package screen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	lines [][]Cell
}

func (r *recordingSink) PushLine(cells []Cell) {
	r.lines = append(r.lines, cells)
}

func TestAutoWrapPreservesReverse(t *testing.T) {
	s := New(4, 3, nil)
	s.SetReverse(true)
	for i := 0; i < s.Width(); i++ {
		s.WriteScreenCode('A')
	}
	assert.True(t, s.ReverseMode(), "auto-wrap must not clear reverse mode")
	row := s.ReadLine(0)
	for _, c := range row {
		assert.True(t, c.Reverse)
	}
}

func TestExplicitNewlineClearsReverse(t *testing.T) {
	s := New(4, 3, nil)
	s.SetReverse(true)
	s.Newline()
	assert.False(t, s.ReverseMode())
}

func TestScrollConservation(t *testing.T) {
	sink := &recordingSink{}
	s := New(3, 2, sink)
	s.WriteScreenCode('A')
	s.WriteScreenCode('B')
	// Force a scroll by filling past the bottom row.
	s.SetCursor(0, 1)
	s.WriteScreenCode('C')
	s.SetCursor(0, 1)
	s.Newline() // triggers scroll_up(1) since cursorY would hit height

	require := func(cond bool, msg string) {
		if !cond {
			t.Fatal(msg)
		}
	}
	require(len(sink.lines) == 1, "expected exactly one pushed line")
	nonBlank := func(cells []Cell) int {
		n := 0
		for _, c := range cells {
			if c.Character != 0 {
				n++
			}
		}
		return n
	}
	pushed := nonBlank(sink.lines[0])
	bottom := nonBlank(s.ReadLine(s.Height() - 1))
	assert.Equal(t, 0, bottom, "freshly scrolled-in row must be blank")
	assert.Equal(t, 2, pushed, "row 0 (A,B) should have been the one pushed")
}

func TestCursorClampedWithinWidth(t *testing.T) {
	s := New(5, 5, nil)
	s.SetCursor(100, 0)
	x, _ := s.Cursor()
	assert.Equal(t, 4, x)
}

func TestWriteScreenCodePlacesCellAtCursor(t *testing.T) {
	s := New(5, 5, nil)
	s.SetFg(2)
	s.WriteScreenCode(0x01)
	row := s.ReadLine(0)
	assert.Equal(t, byte(0x01), row[0].Character)
	assert.EqualValues(t, 2, row[0].Fg)
}
