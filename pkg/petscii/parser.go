// Package petscii implements the byte-at-a-time PETSCII stream
// interpreter (component C): a state machine that turns a raw remote
// byte stream into mutations on a virtual Screen, recognising the
// 3-byte bell escape and the CTRL-B background-colour prefix along the
// way.
package petscii

import (
	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/pkg/screen"
	"github.com/go-bbs/retroterm/pkg/screencode"
)

// bellSequence is the literal £B1 escape: 0x5C 0x42 0x31.
var bellSequence = [3]byte{0x5C, 0x42, 0x31}

// colorCodes maps a PETSCII colour-control byte to its 0-15 colour
// number. Note 0x9D is deliberately absent: although it falls inside
// the nominal 0x95-0x9F colour band, it is reserved for cursor-left.
var colorCodes = map[byte]uint8{
	0x90: 0,  // black
	0x05: 1,  // white
	0x1C: 2,  // red
	0x9F: 3,  // cyan
	0x9C: 4,  // purple
	0x1E: 5,  // green
	0x1F: 6,  // blue
	0x9E: 7,  // yellow
	0x81: 8,  // orange
	0x95: 9,  // brown
	0x96: 10, // light red
	0x97: 11, // dark grey
	0x98: 12, // grey
	0x99: 13, // light green
	0x9A: 14, // light blue
	0x9B: 15, // light grey
}

// BellFunc is invoked once per recognised bell event, either the
// literal 0x07 control code or a full £B1 escape match.
type BellFunc func()

// Parser drives a screen.Screen from a PETSCII byte stream.
type Parser struct {
	log    *log.Entry
	screen *screen.Screen
	onBell BellFunc

	awaitingBgColor bool

	bellBuf [3]byte
	bellLen int
}

// New creates a parser writing onto scr. onBell may be nil.
func New(scr *screen.Screen, onBell BellFunc) *Parser {
	return &Parser{
		log:    log.WithField("service", "[PETSCII]"),
		screen: scr,
		onBell: onBell,
	}
}

// Feed processes a chunk of bytes in order.
func (p *Parser) Feed(data []byte) {
	for _, b := range data {
		p.parseByte(b)
	}
}

// parseByte is the bell-aware entry point: every byte first passes
// through the bell-sequence matcher before falling into ordinary
// dispatch.
func (p *Parser) parseByte(b byte) {
	if p.checkBell(b) {
		return
	}
	p.dispatch(b)
}

// checkBell advances the 3-byte bell ring. It returns true if b was
// consumed as part of (a continuing or newly started) bell match. On
// a broken prefix it replays the buffered bytes through dispatch
// directly - never back through checkBell - so a pathological input
// cannot recurse indefinitely.
func (p *Parser) checkBell(b byte) bool {
	if p.bellLen < len(bellSequence) && b == bellSequence[p.bellLen] {
		p.bellBuf[p.bellLen] = b
		p.bellLen++
		if p.bellLen == len(bellSequence) {
			p.bellLen = 0
			p.log.Debug("bell sequence matched")
			p.emitBell()
		}
		return true
	}

	if p.bellLen > 0 {
		broken := p.bellBuf[:p.bellLen]
		p.bellLen = 0
		for _, bb := range broken {
			p.dispatch(bb)
		}
	}

	if b == bellSequence[0] {
		p.bellBuf[0] = b
		p.bellLen = 1
		return true
	}
	return false
}

func (p *Parser) emitBell() {
	if p.onBell != nil {
		p.onBell()
	}
}

// dispatch handles one byte with no bell-sequence awareness: the
// awaiting-background-colour flag, the control-code table, and
// finally the printable fallback.
func (p *Parser) dispatch(b byte) {
	if p.awaitingBgColor {
		p.awaitingBgColor = false
		if color, ok := colorCodes[b]; ok {
			p.screen.SetScreenBg(color)
			return
		}
		// Not a colour code: fall through to normal processing of b.
	}

	switch b {
	case 0x02:
		p.awaitingBgColor = true
		return
	case 0x03:
		p.screen.SetScreenBg(0)
		return
	case 0x07:
		p.log.Debug("bell control code")
		p.emitBell()
		return
	case 0x0D, 0x8D:
		p.screen.Newline()
		return
	case 0x0E:
		p.screen.SetCharset(screen.CharsetLower)
		return
	case 0x8E:
		p.screen.SetCharset(screen.CharsetUpper)
		return
	case 0x11:
		p.screen.MoveCursor(0, 1)
		return
	case 0x91:
		p.screen.MoveCursor(0, -1)
		return
	case 0x1D:
		p.screen.MoveCursor(1, 0)
		return
	case 0x9D:
		p.screen.MoveCursor(-1, 0)
		return
	case 0x12:
		p.screen.SetReverse(true)
		return
	case 0x92:
		p.screen.SetReverse(false)
		return
	case 0x13:
		p.screen.Home()
		return
	case 0x93:
		p.screen.Clear()
		return
	case 0x14:
		p.screen.DeleteBack()
		return
	case 0x94:
		p.screen.InsertBlank()
		return
	}

	if color, ok := colorCodes[b]; ok {
		p.screen.SetFg(color)
		return
	}

	if screencode.Printable(b) {
		p.screen.WriteScreenCode(screencode.Map(b))
		return
	}

	// Any other byte < 0x20 or in 0x80..0x9F is silently discarded.
}
