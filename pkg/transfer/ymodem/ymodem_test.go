package ymodem

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

func TestEncodeBlock0CarriesNameAndSize(t *testing.T) {
	block := make([]byte, 128)
	copy(block, []byte("FILE.PRG\x00123\x00"))
	frame := encodeBlock(0, block)

	assert.Equal(t, byte(soh), frame[0])
	assert.Equal(t, byte(0), frame[1])
	payload := frame[3 : 3+128]
	assert.Equal(t, "FILE.PRG\x00123\x00", string(payload[:len("FILE.PRG\x00123\x00")]))
}

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

func TestSingleFileBatchRoundTrip(t *testing.T) {
	senderLink, receiverLink := newLinkedPair(t)
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "GAME.PRG")
	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i % 251)
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
	// Send emits the empty-name end-of-batch block 0 itself, so Receive's
	// batch loop returns on its own once it sees it.
	select {
	case err := <-recvErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not complete")
	}

	got, err := os.ReadFile(filepath.Join(dir, "GAME.PRG"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
