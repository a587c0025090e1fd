// Package status implements the session/status surface (component M): a
// loopback-only HTTP endpoint exposing the current TransferSession
// statistics and a tail of scrollback, for a companion debug UI or
// headless monitoring. Grounded on the teacher's HTTP gateway server
// (gateway_http_server.go) - a ServeMux with a small route table in
// front of a single handler - generalised from CiA 309-5 commands to a
// read-only JSON snapshot.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/pkg/link"
	"github.com/go-bbs/retroterm/pkg/scrollback"
	"github.com/go-bbs/retroterm/pkg/transfer"
)

// Server exposes transfer and scrollback state read-only over HTTP. It
// never issues commands against the link or dispatcher - the design
// note against racing the transfer worker's exclusive ownership of the
// link.
type Server struct {
	log        *log.Entry
	mux        *http.ServeMux
	httpServer *http.Server
	link       *link.Link
	dispatcher *transfer.Dispatcher
	scrollback *scrollback.Buffer
}

// New builds a status server over the given link, dispatcher and
// scrollback buffer. Any of the three may be nil; the corresponding
// fields in the JSON snapshot are simply omitted or zero-valued.
func New(l *link.Link, d *transfer.Dispatcher, sb *scrollback.Buffer) *Server {
	s := &Server{
		log:        log.WithField("service", "[STATUS]"),
		mux:        http.NewServeMux(),
		link:       l,
		dispatcher: d,
		scrollback: sb,
	}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/scrollback", s.handleScrollback)
	s.mux.HandleFunc("/events", s.handleEvents)
	return s
}

// snapshot is the JSON shape returned by /status.
type snapshot struct {
	Connected     bool      `json:"connected"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
	CompletedFile []string  `json:"completed_files,omitempty"`

	SessionID   string    `json:"session_id,omitempty"`
	BytesDone   int64     `json:"bytes_done"`
	BytesTotal  int64     `json:"bytes_total"`
	Filename    string    `json:"filename,omitempty"`
	FilesDone   int       `json:"files_done"`
	Retransmits int       `json:"retransmits"`
	Corrupted   int       `json:"corrupted"`
	Timeouts    int       `json:"timeouts"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

func (s *Server) buildSnapshot() snapshot {
	var out snapshot
	if s.link != nil {
		out.Connected = s.link.Connected()
		out.LastActivity = s.link.LastActivity()
	}
	if s.dispatcher != nil {
		out.CompletedFile = s.dispatcher.CompletedFiles()
		stats := s.dispatcher.LastSnapshot()
		if stats.ID != uuid.Nil {
			out.SessionID = stats.ID.String()
		}
		out.BytesDone = stats.BytesDone
		out.BytesTotal = stats.BytesTotal
		out.Filename = stats.Filename
		out.FilesDone = stats.FilesDone
		out.Retransmits = stats.Retransmits
		out.Corrupted = stats.Corrupted
		out.Timeouts = stats.Timeouts
		out.StartedAt = stats.StartedAt
		out.EndedAt = stats.EndedAt
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.buildSnapshot())
}

// handleScrollback returns the last N lines of scrollback (default 50,
// query param "lines"), rendered as plain text via the screencode
// inverse mapping rather than raw screen codes.
func (s *Server) handleScrollback(w http.ResponseWriter, r *http.Request) {
	if s.scrollback == nil {
		http.Error(w, "scrollback unavailable", http.StatusServiceUnavailable)
		return
	}
	lines := 50
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
	}
	text := renderTail(s.scrollback, 80, lines)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Lines []string `json:"lines"`
	}{Lines: text})
}

// handleEvents is a poll-driven SSE-style endpoint: it writes a JSON
// snapshot event every interval (query param "interval_ms", default
// 500) until the client disconnects or ctx is done. Not a true push
// channel - the transfer worker's progress sink is per-session and
// not multiplexed here - but sufficient for a companion UI to poll
// without re-establishing a connection per tick.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	interval := 500 * time.Millisecond
	if raw := r.URL.Query().Get("interval_ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			interval = time.Duration(ms) * time.Millisecond
		}
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.buildSnapshot())
			if err != nil {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ListenAndServe binds addr (an empty addr binds 127.0.0.1 on an
// ephemeral port per the design note against remote exposure by
// default) and serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: s.mux}
	s.log.WithField("addr", ln.Addr().String()).Info("status server listening")
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops a server started by ListenAndServe. It is a
// no-op if ListenAndServe has not created the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
