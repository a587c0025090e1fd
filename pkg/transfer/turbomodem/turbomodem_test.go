package turbomodem

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

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	payload := make([]byte, blockSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := encodeBlock(7, payload)
	num, got, ok := decodeBlock(frame)
	require.True(t, ok)
	assert.EqualValues(t, 7, num)
	assert.Equal(t, payload, got)
}

func TestDecodeBlockRejectsBitFlip(t *testing.T) {
	payload := make([]byte, blockSize)
	frame := encodeBlock(0, payload)
	frame[100] ^= 0x01
	_, _, ok := decodeBlock(frame)
	assert.False(t, ok)
}

func TestBitmapByteSubstitutesFF(t *testing.T) {
	assert.Equal(t, byte(0xFE), bitmapByte(0xFF))
	assert.Equal(t, byte(0x07), bitmapByte(0x07))
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

func TestSendReceiveRoundTripThreeBlocks(t *testing.T) {
	senderLink, receiverLink := newLinkedPair(t)
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "TEST.PRG")
	payload := make([]byte, 9000)
	for i := range payload {
		payload[i] = byte(i % 253)
	}
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))

	sendSess := &transfer.Session{Link: senderLink, Profile: transfer.Resolve(transfer.ProfileTurbo), Ctx: context.Background()}
	recvSess := &transfer.Session{Link: receiverLink, Profile: transfer.Resolve(transfer.ProfileTurbo), Ctx: context.Background()}

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- (&Engine{}).Send(sendSess, []string{srcPath}) }()

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- (&Engine{}).Receive(recvSess, dir) }()

	// Receive's batch loop runs until it gets TBND; drive the sender's
	// final TBRQ/TBND exchange by letting Send finish naturally.
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

	got, err := os.ReadFile(filepath.Join(dir, "TEST.PRG"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
