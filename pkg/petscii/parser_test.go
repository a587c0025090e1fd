package petscii

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-bbs/retroterm/pkg/screen"
	"github.com/go-bbs/retroterm/pkg/screencode"
)

func TestScenario1ClearWhiteHelloRedA(t *testing.T) {
	scr := screen.New(40, 25, nil)
	p := New(scr, nil)
	p.Feed([]byte{0x93, 0x05, 'H', 'I', 0x0D, 0x1C, 'A'})

	assert.EqualValues(t, 1, fgOf(scr, 0, 0))
	assert.EqualValues(t, 1, fgOf(scr, 0, 1))
	assert.EqualValues(t, 2, fgOf(scr, 1, 0))
	assert.False(t, scr.ReverseMode())
}

func TestScenario2ReverseOnThenExplicitCR(t *testing.T) {
	scr := screen.New(40, 25, nil)
	p := New(scr, nil)
	p.Feed([]byte{0x12, 'X', 0x0D, 'Y'})

	row0 := scr.ReadLine(0)
	row1 := scr.ReadLine(1)
	assert.True(t, row0[0].Reverse)
	assert.False(t, row1[0].Reverse)
}

func TestScenario3BackgroundColorOnly(t *testing.T) {
	scr := screen.New(40, 25, nil)
	p := New(scr, nil)
	p.Feed([]byte{0x02, 0x1C})

	assert.EqualValues(t, 2, scr.BackgroundColor())
	row0 := scr.ReadLine(0)
	assert.Equal(t, byte(0), row0[0].Character)
}

func TestBellSequenceExactMatch(t *testing.T) {
	scr := screen.New(40, 25, nil)
	rang := 0
	p := New(scr, func() { rang++ })
	p.Feed([]byte{0x5C, 0x42, 0x31})
	assert.Equal(t, 1, rang)
	// Nothing should have been written to the screen.
	row0 := scr.ReadLine(0)
	assert.Equal(t, byte(0), row0[0].Character)
}

func TestBellSequenceBrokenPrefixReplays(t *testing.T) {
	scr := screen.New(40, 25, nil)
	rang := 0
	p := New(scr, func() { rang++ })
	// 0x5C 0x42 0x32 -- breaks on the third byte.
	p.Feed([]byte{0x5C, 0x42, 0x32})
	assert.Equal(t, 0, rang)

	row0 := scr.ReadLine(0)
	assert.Equal(t, screencodeOf(0x5C), row0[0].Character)
	assert.Equal(t, screencodeOf(0x42), row0[1].Character)
	assert.Equal(t, screencodeOf(0x32), row0[2].Character)
}

func TestControlByteBell(t *testing.T) {
	scr := screen.New(40, 25, nil)
	rang := 0
	p := New(scr, func() { rang++ })
	p.Feed([]byte{0x07})
	assert.Equal(t, 1, rang)
}

func TestNonColorByteAfterCtrlBFallsThrough(t *testing.T) {
	scr := screen.New(40, 25, nil)
	p := New(scr, nil)
	// 0x02 then 'A' (not a colour code): bg unchanged, 'A' printed.
	p.Feed([]byte{0x02, 'A'})
	row0 := scr.ReadLine(0)
	assert.Equal(t, screencodeOf('A'), row0[0].Character)
	assert.EqualValues(t, 0, scr.BackgroundColor())
}

func fgOf(scr *screen.Screen, y, x int) uint8 {
	return scr.ReadLine(y)[x].Fg
}

func screencodeOf(b byte) byte {
	return screencode.Map(b)
}
