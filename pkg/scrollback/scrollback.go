// Package scrollback implements the append-only raw byte log backing
// the scrollback viewer (component E). The raw log is the single
// source of truth; any derived line list is a rebuildable cache, per
// the design note against retaining a per-line cell grid for the
// entire history.
package scrollback

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/pkg/petscii"
	"github.com/go-bbs/retroterm/pkg/screen"
)

// Buffer is an append-only byte log fed the same stream as the live
// interactive parser. Paging replays the log through a transient,
// unbounded-height screen; the replay is cached until the next Append
// invalidates it.
type Buffer struct {
	log *log.Entry

	mu  sync.Mutex
	raw []byte

	cacheWidth int
	cacheRows  [][]screen.Cell
	cacheValid bool
}

// New creates an empty scrollback buffer.
func New() *Buffer {
	return &Buffer{log: log.WithField("service", "[SCROLLBACK]")}
}

// Append records data as having crossed the link. It never blocks on
// paging and never fails.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raw = append(b.raw, data...)
	b.cacheValid = false
}

// Len returns the number of raw bytes recorded.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.raw)
}

// Clear discards the raw log and its cache.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raw = nil
	b.cacheRows = nil
	b.cacheValid = false
	b.log.Debug("scrollback cleared")
}

// Page replays the raw log through a transient screen of the given
// width (unbounded height) and returns the rows
// [pageIndex*linesPerPage : pageIndex*linesPerPage+linesPerPage),
// clamped to what actually exists. The replay is cached per width and
// reused until the next Append or Clear.
func (b *Buffer) Page(pageIndex, linesPerPage, width int) []screen.Cell {
	rows := b.replay(width)

	start := pageIndex * linesPerPage
	if start < 0 || start >= len(rows) {
		return nil
	}
	end := start + linesPerPage
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]screen.Cell, 0, (end-start)*width)
	for _, row := range rows[start:end] {
		out = append(out, row...)
	}
	return out
}

// RowCount replays (or reuses the cached replay) and returns how many
// rows currently exist at the given width.
func (b *Buffer) RowCount(width int) int {
	return len(b.replay(width))
}

// Tail returns the last n rows at the given width, fewer if the log is
// shorter. Unlike Page, which indexes by fixed-size page, Tail always
// anchors to the end of the replay - the shape the status surface's
// scrollback snapshot needs.
func (b *Buffer) Tail(n, width int) []screen.Cell {
	rows := b.replay(width)
	start := len(rows) - n
	if start < 0 {
		start = 0
	}
	out := make([]screen.Cell, 0, (len(rows)-start)*width)
	for _, row := range rows[start:] {
		out = append(out, row...)
	}
	return out
}

func (b *Buffer) replay(width int) [][]screen.Cell {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.raw) == 0 {
		return nil
	}
	if b.cacheValid && b.cacheWidth == width {
		return b.cacheRows
	}

	transient := screen.NewUnbounded(width)
	parser := petscii.New(transient, nil)
	parser.Feed(b.raw)

	rows := make([][]screen.Cell, transient.Height())
	for y := 0; y < transient.Height(); y++ {
		rows[y] = transient.ReadLine(y)
	}

	b.cacheWidth = width
	b.cacheRows = rows
	b.cacheValid = true
	return rows
}
