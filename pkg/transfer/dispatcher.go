package transfer

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/pkg/link"
)

// tmpDownloadName is where XMODEM family downloads land, since that
// protocol carries no filename; the caller renames or discards it.
const tmpDownloadName = "tmpdown.bin"

// Dispatcher selects an engine by Kind and runs it against the shared
// link, tracking which files completed so the caller can post-process
// them. It holds no protocol logic of its own beyond enum dispatch.
type Dispatcher struct {
	log *log.Entry

	mu        sync.Mutex
	done      []string
	lastStats *Stats
	Link      *link.Link
	DownDir   string
	Profiles  map[SpeedProfile]ProfileParams
}

// NewDispatcher wires a dispatcher to the link it will borrow for
// transfers and the directory downloads are written into. Profiles
// defaults to the compiled-in table; call LoadProfiles and assign the
// result to override it from an INI file.
func NewDispatcher(l *link.Link, downloadDir string) *Dispatcher {
	return &Dispatcher{
		log:      log.WithField("service", "[XFER]"),
		Link:     l,
		DownDir:  downloadDir,
		Profiles: DefaultProfiles(),
	}
}

// resolve looks a profile up in the dispatcher's table, falling back to
// the compiled-in default for a name the table doesn't carry.
func (d *Dispatcher) resolve(p SpeedProfile) ProfileParams {
	if params, ok := d.Profiles[p]; ok {
		return params
	}
	return Resolve(p)
}

// LastSnapshot returns the stats of the most recently started transfer,
// readable concurrently with that transfer via the status surface (4.M).
// Returns the zero value if nothing has run yet.
func (d *Dispatcher) LastSnapshot() Stats {
	d.mu.Lock()
	stats := d.lastStats
	d.mu.Unlock()
	if stats == nil {
		return Stats{}
	}
	return stats.snapshot()
}

// CompletedFiles returns the paths of files written or sent since the
// dispatcher was created.
func (d *Dispatcher) CompletedFiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.done...)
}

func (d *Dispatcher) recordCompleted(path string) {
	d.mu.Lock()
	d.done = append(d.done, path)
	d.mu.Unlock()
}

// Send borrows the link exclusively and runs the engine for kind in
// upload direction. sink receives progress events; ctx cancellation is
// polled by the engine at block boundaries.
func (d *Dispatcher) Send(ctx context.Context, kind Kind, files []string, sink Sink) error {
	engine, err := New(kind)
	if err != nil {
		return NewProtocolError(ErrKindBadInput, "", err)
	}
	if len(files) == 0 {
		return NewProtocolError(ErrKindBadInput, "", errEmptyFileList)
	}

	d.Link.SetTransferMode(true)
	defer d.Link.SetTransferMode(false)

	stats := &Stats{ID: uuid.New()}
	d.mu.Lock()
	d.lastStats = stats
	d.mu.Unlock()

	sess := &Session{Link: d.Link, Profile: d.resolve(ProfileNormal), Sink: sink, Ctx: ctx, Stats: stats}
	d.log.WithField("kind", kind).WithField("files", len(files)).Info("transfer send starting")
	err = engine.Send(sess, files)
	if err == nil {
		for _, f := range files {
			d.recordCompleted(f)
		}
	}
	return err
}

// Receive borrows the link exclusively and runs the engine for kind in
// download direction, writing into the dispatcher's DownDir; an empty
// DownDir is rejected as bad input.
func (d *Dispatcher) Receive(ctx context.Context, kind Kind, profile SpeedProfile, sink Sink) error {
	engine, err := New(kind)
	if err != nil {
		return NewProtocolError(ErrKindBadInput, "", err)
	}
	dir := d.DownDir
	if dir == "" {
		return NewProtocolError(ErrKindBadInput, "", errNoDownloadDir)
	}

	d.Link.SetTransferMode(true)
	defer d.Link.SetTransferMode(false)

	stats := &Stats{ID: uuid.New()}
	d.mu.Lock()
	d.lastStats = stats
	d.mu.Unlock()

	sess := &Session{Link: d.Link, Profile: d.resolve(profile), Sink: sink, Ctx: ctx, Stats: stats}
	d.log.WithField("kind", kind).Info("transfer receive starting")
	err = engine.Receive(sess, dir)
	if err == nil {
		switch kind {
		case KindXmodem, KindXmodemCRC, KindXmodem1K:
			d.recordCompleted(filepath.Join(dir, tmpDownloadName))
		}
	}
	return err
}
