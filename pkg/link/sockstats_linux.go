//go:build linux

package link

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

var errNotTCP = errors.New("not a TCP connection")

// Stats is a point-in-time snapshot of kernel TCP state for the status
// surface, the same fields m-lab's tcp-info collector extracts from
// TCP_INFO via getsockopt.
type Stats struct {
	RTT         time.Duration
	RTTVar      time.Duration
	Retransmits uint32
}

// Stats reads TCP_INFO for the underlying socket. It returns an error if
// the connection is not a TCP connection or the kernel call fails.
func (l *Link) Stats() (Stats, error) {
	tc, ok := l.conn.(*net.TCPConn)
	if !ok {
		return Stats{}, wrapErr("stats", errNotTCP)
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return Stats{}, wrapErr("stats", err)
	}

	var info *unix.TCPInfo
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		info, sysErr = unix.GetsockoptTCPInfo(int(fd), unix.SOL_TCP, unix.TCP_INFO)
	})
	if err != nil {
		return Stats{}, wrapErr("stats", err)
	}
	if sysErr != nil {
		return Stats{}, wrapErr("stats", sysErr)
	}

	return Stats{
		RTT:         time.Duration(info.Rtt) * time.Microsecond,
		RTTVar:      time.Duration(info.Rttvar) * time.Microsecond,
		Retransmits: info.Retransmits,
	}, nil
}
