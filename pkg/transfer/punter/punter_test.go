package punter

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

func TestChecksumsCanonicalSingleByte(t *testing.T) {
	add, cyc := checksums([]byte{0x01})
	assert.EqualValues(t, 0x0001, add)
	assert.EqualValues(t, 0x0002, cyc)
}

func TestBuildParseBlockRoundTrip(t *testing.T) {
	block := buildBlock(107, 0xFFFF, []byte("hello"))
	nextSize, idx, payload, ok := parseBlock(block)
	require.True(t, ok)
	assert.EqualValues(t, 107, nextSize)
	assert.EqualValues(t, 0xFFFF, idx)
	assert.Equal(t, "hello", string(payload))
}

func TestParseBlockRejectsCorruption(t *testing.T) {
	block := buildBlock(107, 1, []byte("hello"))
	block[len(block)-1] ^= 0xFF
	_, _, _, ok := parseBlock(block)
	assert.False(t, ok)
}

func TestLastBlockNextSizeMatchesShortFinalPayload(t *testing.T) {
	// 100-byte final payload: next_size = 7 header + 100 payload = 107.
	remaining := 100
	nextSize := uint16(7 + remaining)
	assert.EqualValues(t, 107, nextSize)
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

func TestSendReceiveRoundTrip(t *testing.T) {
	senderLink, receiverLink := newLinkedPair(t)
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "source.bin")
	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i % 255)
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

	got, err := os.ReadFile(filepath.Join(dir, "tmpdown.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
