package link

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleFiresAfterWindowWithNoTraffic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()

	l, err := Connect(ln.Addr().String())
	require.NoError(t, err)
	defer l.Close()
	serverConn := <-acceptedCh
	defer serverConn.Close()

	select {
	case <-l.Idle(40 * time.Millisecond):
	case <-time.After(2 * time.Second):
		t.Fatal("idle watchdog never fired")
	}
}

func TestIdleDoesNotFireWhileTrafficFlows(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()

	l, err := Connect(ln.Addr().String())
	require.NoError(t, err)
	defer l.Close()
	serverConn := <-acceptedCh
	defer serverConn.Close()

	idle := l.Idle(200 * time.Millisecond)
	stop := time.After(300 * time.Millisecond)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			_, _ = serverConn.Write([]byte{0x41})
		case <-stop:
			break loop
		case <-idle:
			t.Fatal("idle watchdog fired despite ongoing traffic")
		}
	}
	assert.True(t, true)
}
