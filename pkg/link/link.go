// Package link implements the byte-link adapter (component A): a single
// TCP connection wrapped so that exactly one background goroutine ever
// reads the socket in interactive mode, an MPSC queue hands received
// bytes to the interactive consumer, and a transfer engine can borrow the
// socket exclusively for the duration of a file transfer.
package link

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// pollInterval bounds how long the reader goroutine blocks on a single
// socket read while in interactive mode, so it can notice a transfer-mode
// switch or a Close promptly.
const pollInterval = 100 * time.Millisecond

// handoffQuantum is how long the parked reader goroutine sleeps between
// checks of the transfer flag, and the margin SetTransferMode(true) adds
// on top of pollInterval before the caller starts reading the socket
// directly.
const handoffQuantum = 2 * time.Millisecond

// socketBufferSize is the send/recv buffer size connect() enlarges the
// socket to, so a transfer engine's bulk writes/reads don't stall on the
// kernel's default buffer well before the link-level flow control kicks in.
const socketBufferSize = 64 * 1024

// Link is a byte-oriented connection to a BBS host. It is safe for
// concurrent use by one interactive consumer and, exclusively while
// transfer mode is on, one transfer engine.
type Link struct {
	log  *log.Entry
	conn net.Conn

	connected atomic.Bool
	transfer  atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []byte
	lastRecv time.Time

	writeMu sync.Mutex

	done chan struct{}
}

// Connect dials addr (host:port) and starts the background reader.
func Connect(addr string) (*Link, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, wrapErr("dial", err)
	}
	return Wrap(conn), nil
}

// Wrap adapts an already-established connection (e.g. one returned by
// net.Listener.Accept on a BBS-side listener) into a Link and starts its
// background reader.
func Wrap(conn net.Conn) *Link {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetReadBuffer(socketBufferSize)
		_ = tc.SetWriteBuffer(socketBufferSize)
	}

	l := &Link{
		log:      log.WithField("service", "[LINK]"),
		conn:     conn,
		lastRecv: time.Now(),
		done:     make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	l.connected.Store(true)

	go l.readLoop()
	return l
}

// Connected reports whether the underlying socket is still open.
func (l *Link) Connected() bool { return l.connected.Load() }

// LastActivity returns the time of the most recently received byte,
// used by the liveness watchdog.
func (l *Link) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRecv
}

// readLoop is the single interactive reader. It is idle (no socket reads)
// whenever transfer mode is on, so a transfer engine can safely own the
// socket.
func (l *Link) readLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		if l.transfer.Load() {
			time.Sleep(handoffQuantum)
			continue
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := l.conn.Read(buf)
		if n > 0 {
			l.mu.Lock()
			l.queue = append(l.queue, buf[:n]...)
			l.lastRecv = time.Now()
			l.cond.Broadcast()
			l.mu.Unlock()
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.log.WithError(err).Debug("read loop exiting")
			l.connected.Store(false)
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
			return
		}
	}
}

// ReadAny returns whatever interactive bytes are queued, waiting up to
// timeout for at least one byte to arrive. It never reads the socket
// directly; only the background reader does that in interactive mode.
func (l *Link) ReadAny(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) == 0 {
		if !l.connected.Load() {
			return nil, ErrClosed
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		l.waitOnCond(remaining)
	}
	out := l.queue
	l.queue = nil
	return out, nil
}

// waitOnCond blocks on l.cond for at most d, using a timer goroutine to
// force a wakeup since sync.Cond has no native timeout.
func (l *Link) waitOnCond(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer timer.Stop()
	l.cond.Wait()
}

// ReadExact blocks until exactly n bytes have been collected or timeout
// elapses. It first drains any interactive bytes left over in the queue
// from before transfer mode was engaged, then reads the socket directly -
// the background reader is parked during transfer mode, so ReadExact is
// the socket's sole reader for the duration of the call.
func (l *Link) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	out := make([]byte, 0, n)

	l.mu.Lock()
	if len(l.queue) > 0 {
		take := len(l.queue)
		if take > n {
			take = n
		}
		out = append(out, l.queue[:take]...)
		l.queue = l.queue[take:]
	}
	l.mu.Unlock()

	for len(out) < n {
		if !l.connected.Load() {
			return out, ErrClosed
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, ErrTimeout
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(remaining))
		buf := make([]byte, n-len(out))
		rn, err := l.conn.Read(buf)
		if rn > 0 {
			out = append(out, buf[:rn]...)
			l.mu.Lock()
			l.lastRecv = time.Now()
			l.mu.Unlock()
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.connected.Store(false)
			return out, wrapErr("read_exact", err)
		}
	}
	return out, nil
}

// WriteAll writes data in full, looping over short writes.
func (l *Link) WriteAll(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if !l.connected.Load() {
		return ErrClosed
	}
	for len(data) > 0 {
		n, err := l.conn.Write(data)
		if err != nil {
			l.connected.Store(false)
			return wrapErr("write_all", err)
		}
		data = data[n:]
	}
	return nil
}

// SetTransferMode toggles exclusive socket ownership. Turning it on parks
// the background reader: a read it started before the flag flipped can
// stay blocked for up to pollInterval, so the call waits pollInterval
// plus one handoff quantum for that read to end before returning, after
// which ReadExact sees a clean socket. Turning it off resumes interactive
// reads.
func (l *Link) SetTransferMode(on bool) {
	l.transfer.Store(on)
	if on {
		time.Sleep(pollInterval + handoffQuantum)
	}
}

// TransferMode reports whether the link is currently borrowed by a
// transfer engine.
func (l *Link) TransferMode() bool { return l.transfer.Load() }

// ClearQueue discards any interactive bytes queued but not yet consumed.
func (l *Link) ClearQueue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = nil
}

// HasQueued reports whether interactive bytes are waiting to be read.
func (l *Link) HasQueued() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) > 0
}

// Close shuts down the connection and wakes any blocked reader.
func (l *Link) Close() error {
	if !l.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(l.done)
	l.mu.Lock()
	l.cond.Broadcast()
	l.mu.Unlock()
	return wrapErr("close", l.conn.Close())
}
