// Package screencode implements the fixed PETSCII<->screen-code
// translation table (component D). The mapping is injective on the
// unshifted printable range [0x20..0x7F]; in the shifted range some
// bytes share a screen-code with another printable byte (0xE0..0xFE
// with 0xA0..0xBE, 0xC0..0xDF with 0x60..0x7F, and 0xFF with 0xDE).
package screencode

// kOffsets are the per-bucket offsets applied to a PETSCII byte,
// indexed by the byte's high 3 bits (b >> 5).
var kOffsets = [8]int16{128, 0, -64, -32, 64, -64, -128, -128}

// table[b] is the screen-code for PETSCII byte b.
var table [256]byte

// reverse[b] is the lowest PETSCII byte that maps to screen-code b,
// built from table.
var reverse [256]byte

func init() {
	for b := 0; b < 256; b++ {
		offset := kOffsets[b>>5]
		table[b] = byte((int16(b) + offset) & 0xFF)
	}
	// Single override: PETSCII 0xFF maps to screen-code 94, not the
	// value the bucket formula would otherwise produce.
	table[255] = 94

	// Fill from the top down so that, where several PETSCII bytes share a
	// screen-code, the lowest one is kept.
	for petscii := len(table) - 1; petscii >= 0; petscii-- {
		reverse[table[petscii]] = byte(petscii)
	}
}

// Map translates a PETSCII byte to its screen-code.
func Map(petscii byte) byte {
	return table[petscii]
}

// Unmap translates a screen-code back to a PETSCII byte, the inverse of
// Map on the unshifted bank; where several PETSCII bytes share the
// screen-code, the lowest of them is returned. Used by consumers that need to render a cell grid as text
// (the status surface's scrollback snapshot) rather than feeding it
// back through the parser.
func Unmap(screenCode byte) byte {
	return reverse[screenCode]
}

// Printable reports whether b falls in one of the two printable PETSCII
// ranges handled by the parser: [0x20..0x7F] or [0xA0..0xFF].
func Printable(b byte) bool {
	return (b >= 0x20 && b <= 0x7F) || b >= 0xA0
}
