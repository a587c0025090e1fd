package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/pkg/link"
	"github.com/go-bbs/retroterm/pkg/petscii"
	"github.com/go-bbs/retroterm/pkg/screen"
	"github.com/go-bbs/retroterm/pkg/scrollback"
	"github.com/go-bbs/retroterm/pkg/status"
	"github.com/go-bbs/retroterm/pkg/transfer"

	_ "github.com/go-bbs/retroterm/pkg/transfer/punter"
	_ "github.com/go-bbs/retroterm/pkg/transfer/rawtcp"
	_ "github.com/go-bbs/retroterm/pkg/transfer/turbomodem"
	_ "github.com/go-bbs/retroterm/pkg/transfer/xmodem"
	_ "github.com/go-bbs/retroterm/pkg/transfer/ymodem"
)

var defaultAddr = "localhost:6400"

func main() {
	log.SetLevel(log.DebugLevel)

	addr := flag.String("i", defaultAddr, "remote BBS host:port to connect to")
	width := flag.Int("width", 40, "screen width, 40 or 80")
	downloadDir := flag.String("download-dir", ".", "directory transfer downloads are written into")
	profilesPath := flag.String("profiles", "", "optional INI file overriding the compiled-in speed profiles")
	statusAddr := flag.String("status-addr", "", "if set, bind the read-only status HTTP surface here (127.0.0.1:0 for an ephemeral port)")
	idleTimeout := flag.Duration("idle-timeout", 0, "if non-zero, log a notice once the link has carried no bytes for this long")
	flag.Parse()

	l := log.WithField("service", "[RETROTERM]")

	conn, err := link.Connect(*addr)
	if err != nil {
		l.WithError(err).Fatal("failed to connect")
	}
	defer conn.Close()

	sb := scrollback.New()
	scr := screen.New(*width, 25, nil)
	parser := petscii.New(scr, func() {
		l.Debug("bell")
	})

	dispatcher := transfer.NewDispatcher(conn, *downloadDir)
	if profiles, err := transfer.LoadProfiles(*profilesPath); err != nil {
		l.WithError(err).Warn("failed to load speed profiles, using compiled-in defaults")
	} else {
		dispatcher.Profiles = profiles
	}

	if *statusAddr != "" {
		srv := status.New(conn, dispatcher, sb)
		go func() {
			if err := srv.ListenAndServe(*statusAddr); err != nil {
				l.WithError(err).Warn("status server stopped")
			}
		}()
	}

	if *idleTimeout > 0 {
		go watchIdle(conn, *idleTimeout, l)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.WithField("addr", *addr).Info("connected, entering interactive loop")
	runInteractive(ctx, conn, parser, sb, l)
}

// watchIdle logs a notice once the link has carried no bytes for window,
// then rearms at once, so while the link stays idle the notice repeats
// about every quarter window - mirroring a BBS terminal's "connection
// appears idle" banner rather than dropping the link itself.
func watchIdle(l *link.Link, window time.Duration, lg *log.Entry) {
	for {
		<-l.Idle(window)
		lg.WithField("idle_for", window).Warn("connection appears idle")
	}
}

// runInteractive drains the link into the screen/scrollback pair until
// ctx is cancelled or the link closes. A real front-end would render
// scr to a terminal or GUI surface after each feed; this CLI only logs
// that bytes were processed, leaving rendering to a collaborator.
func runInteractive(ctx context.Context, l *link.Link, parser *petscii.Parser, sb *scrollback.Buffer, lg *log.Entry) {
	for {
		select {
		case <-ctx.Done():
			lg.Info("shutting down")
			return
		default:
		}

		data, err := l.ReadAny(500 * time.Millisecond)
		if err != nil {
			if !l.Connected() {
				lg.Warn("link closed by peer")
				return
			}
			continue
		}
		if len(data) == 0 {
			continue
		}
		parser.Feed(data)
		sb.Append(data)
	}
}
