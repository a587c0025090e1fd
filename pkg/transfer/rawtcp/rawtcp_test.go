package rawtcp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-bbs/retroterm/pkg/link"
	"github.com/go-bbs/retroterm/pkg/transfer"
)

func newLinkedPair(t *testing.T) (sender, receiver *link.Link) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()

	sender, err = link.Connect(ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })

	serverConn := <-acceptedCh
	receiver = link.Wrap(serverConn)
	t.Cleanup(func() { _ = receiver.Close() })
	// Borrow both sockets as the dispatcher does, so ReadExact is their
	// sole reader.
	sender.SetTransferMode(true)
	receiver.SetTransferMode(true)
	return sender, receiver
}

func TestResyncSkipsLeadingChatter(t *testing.T) {
	senderLink, receiverLink := newLinkedPair(t)
	go func() {
		_ = senderLink.WriteAll([]byte("garbage-before-magicFAST"))
	}()

	sess := &transfer.Session{Link: receiverLink, Profile: transfer.Resolve(transfer.ProfileTurbo)}
	require.NoError(t, resync(sess))
}

func TestResyncFailsWithoutMagic(t *testing.T) {
	senderLink, receiverLink := newLinkedPair(t)
	go func() {
		_ = senderLink.WriteAll(make([]byte, scanWindow+10))
	}()

	sess := &transfer.Session{Link: receiverLink, Profile: transfer.Resolve(transfer.ProfileTurbo)}
	err := resync(sess)
	assert.Error(t, err)
}

func TestSendReceiveRoundTripSingleFile(t *testing.T) {
	senderLink, receiverLink := newLinkedPair(t)
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "data.bin")
	payload := make([]byte, 150000)
	for i := range payload {
		payload[i] = byte(i % 241)
	}
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))

	sendSess := &transfer.Session{Link: senderLink, Profile: transfer.Resolve(transfer.ProfileTurbo), Ctx: context.Background()}
	recvSess := &transfer.Session{Link: receiverLink, Profile: transfer.Resolve(transfer.ProfileTurbo), Ctx: context.Background()}

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- (&Engine{}).Send(sendSess, []string{srcPath}) }()

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- (&Engine{}).Receive(recvSess, dir) }()

	select {
	case err := <-sendErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not complete")
	}
	select {
	case err := <-recvErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not complete")
	}

	got, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
