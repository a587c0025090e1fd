// Package transfer defines the shared vocabulary every file-transfer
// engine speaks (component K's dispatcher, plus the per-protocol engines
// in its sibling packages): the protocol enum, the progress sink, a
// session handed to each engine, and the registry an engine registers
// itself into at init time, modelled on the CAN-bus interface registry.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-bbs/retroterm/pkg/link"
)

// Kind names one of the seven wire protocols the dispatcher can select.
type Kind string

const (
	KindXmodem     Kind = "XMODEM"
	KindXmodemCRC  Kind = "XMODEM_CRC"
	KindXmodem1K   Kind = "XMODEM_1K"
	KindYmodem     Kind = "YMODEM"
	KindPunter     Kind = "PUNTER"
	KindTurboModem Kind = "TURBOMODEM"
	KindRawTCP     Kind = "RAWTCP"
)

// ErrorKind classifies why an engine call failed, carried on ProtocolError
// so the dispatcher's progress callback can report it without string
// matching.
type ErrorKind uint8

const (
	ErrKindLinkClosed ErrorKind = iota
	ErrKindTimeout
	ErrKindProtocolViolation
	ErrKindCancelled
	ErrKindBadInput
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindLinkClosed:
		return "link_closed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindProtocolViolation:
		return "protocol_violation"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindBadInput:
		return "bad_input"
	default:
		return "unknown"
	}
}

// ProtocolError is the one error type every engine returns; it never
// panics and never raises mid-transfer, per the error handling design.
type ProtocolError struct {
	Kind     ErrorKind
	Filename string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Filename != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Filename, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(kind ErrorKind, filename string, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Filename: filename, Err: err}
}

var ErrCancelled = errors.New("transfer cancelled")

// EventKind marks a multi-file lifecycle transition on a ProgressEvent.
type EventKind uint8

const (
	EventNone EventKind = iota
	EventFileStart
	EventFileComplete
	EventFileError
)

// ProgressEvent is posted by an engine on its sink channel; the
// dispatcher never touches the screen buffer directly and only relays
// these to whatever consumes the channel on the UI thread.
type ProgressEvent struct {
	BytesDone  int64
	BytesTotal int64
	Filename   string
	Event      EventKind
	Err        *ProtocolError
}

// Sink is the channel an engine posts ProgressEvent values to. Engines
// never block indefinitely on a full sink; Session.Post drops the event
// if the channel is unbuffered and nobody is listening within a short
// grace period rather than stalling the transfer.
type Sink chan<- ProgressEvent

// Stats accumulates the per-transfer counters the status surface (4.M)
// reports: bytes moved, retransmits, corrupted blocks, timeouts, and the
// wall-clock span of the transfer. Engines update it through its own
// IncRetransmit/IncCorrupted/IncTimeout methods (reached via
// Session.Stats); BytesDone/Filename and the
// completed-file count are kept in sync from Post.
type Stats struct {
	mu sync.Mutex

	ID          uuid.UUID
	BytesDone   int64
	BytesTotal  int64
	Filename    string
	FilesDone   int
	Retransmits int
	Corrupted   int
	Timeouts    int
	StartedAt   time.Time
	EndedAt     time.Time
}

func (s *Stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s
	cp.mu = sync.Mutex{}
	return cp
}

// IncRetransmit records one retransmitted block.
func (s *Stats) IncRetransmit() {
	s.mu.Lock()
	s.Retransmits++
	s.mu.Unlock()
}

// IncCorrupted records one block that failed its checksum/CRC.
func (s *Stats) IncCorrupted() {
	s.mu.Lock()
	s.Corrupted++
	s.mu.Unlock()
}

// IncTimeout records one read that timed out waiting for a peer frame.
func (s *Stats) IncTimeout() {
	s.mu.Lock()
	s.Timeouts++
	s.mu.Unlock()
}

// Session bundles everything one engine invocation needs: the borrowed
// link, the resolved timing profile, a cancellation flag polled at block
// boundaries, and the progress sink.
type Session struct {
	Link    *link.Link
	Profile ProfileParams
	Sink    Sink
	Ctx     context.Context
	Stats   *Stats
}

// Post delivers a progress event, never blocking more than a short grace
// period - a stalled UI consumer must not stall the transfer worker - and
// folds it into Stats if one is attached.
func (s *Session) Post(ev ProgressEvent) {
	if s.Stats != nil {
		s.Stats.mu.Lock()
		if s.Stats.StartedAt.IsZero() {
			s.Stats.StartedAt = time.Now()
		}
		s.Stats.BytesDone = ev.BytesDone
		s.Stats.BytesTotal = ev.BytesTotal
		s.Stats.Filename = ev.Filename
		if ev.Event == EventFileComplete {
			s.Stats.FilesDone++
		}
		if ev.Event == EventFileComplete || ev.Event == EventFileError {
			s.Stats.EndedAt = time.Now()
		}
		s.Stats.mu.Unlock()
	}
	if s.Sink == nil {
		return
	}
	select {
	case s.Sink <- ev:
	case <-time.After(50 * time.Millisecond):
	}
}

// Snapshot returns a point-in-time copy of the session's stats, safe to
// read concurrently with the transfer in progress. Returns the zero
// value if no Stats is attached.
func (s *Session) Snapshot() Stats {
	if s.Stats == nil {
		return Stats{}
	}
	return s.Stats.snapshot()
}

// Cancelled reports whether the caller has asked the engine to abort.
// Engines poll this between blocks or windows, at points of their own
// choosing; a ReadExact already blocked is not interrupted.
func (s *Session) Cancelled() bool {
	if s.Ctx == nil {
		return false
	}
	select {
	case <-s.Ctx.Done():
		return true
	default:
		return false
	}
}

// Engine is implemented by each protocol package (xmodem, ymodem,
// punter, turbomodem, rawtcp). Send transmits one or more local files;
// Receive accepts one or more files into dir. Protocols that carry no
// filename (plain XMODEM) ignore dir's per-file naming and write a
// single fixed temp file, matching the dispatcher's temp-file policy.
type Engine interface {
	Send(sess *Session, files []string) error
	Receive(sess *Session, dir string) error
}

// NewEngineFunc constructs an Engine; packages register one per Kind in
// their init(), the same pattern the CAN-bus interface registry uses for
// pluggable transports.
type NewEngineFunc func() Engine

var registry = make(map[Kind]NewEngineFunc)

// Register installs a constructor for kind. Called from each protocol
// package's init().
func Register(kind Kind, fn NewEngineFunc) {
	registry[kind] = fn
}

// New constructs the engine registered for kind, or an error if no
// protocol package registered one (it was never imported).
func New(kind Kind) (Engine, error) {
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol: %v", kind)
	}
	return fn(), nil
}
