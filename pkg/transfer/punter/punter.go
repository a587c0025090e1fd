// Package punter implements the Punter C1 engine (component H): a
// GOO/ACK/SB/SYN handshake followed by 248-byte payload blocks carrying
// a paired additive/cyclic checksum, named for the receiver side of the
// exchange.
package punter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/pkg/transfer"
)

var (
	tokGOO = []byte("GOO")
	tokBAD = []byte("BAD")
	tokACK = []byte("ACK")
	tokSYN = []byte("SYN")
	tokSB  = []byte("S/B")
)

const (
	payloadSize = 248
	maxRetries  = 3
	cancelByte  = 0x18
)

func init() {
	transfer.Register(transfer.KindPunter, func() transfer.Engine { return &Engine{} })
}

type Engine struct{}

// checksums computes Punter's additive and cyclic 16-bit checksums over
// block[4:], per the spec's definition.
func checksums(data []byte) (additive, cyclic uint16) {
	var sum uint32
	var cyc uint16
	for _, b := range data {
		sum += uint32(b)
		cyc ^= uint16(b)
		cyc = cyc<<1 | cyc>>15
	}
	return uint16(sum), cyc
}

func buildBlock(nextSize uint16, idx uint16, payload []byte) []byte {
	body := make([]byte, 3+len(payload))
	body[0] = byte(nextSize)
	body[1] = byte(idx)
	body[2] = byte(idx >> 8)
	copy(body[3:], payload)

	add, cyc := checksums(body)
	block := make([]byte, 4+len(body))
	block[0] = byte(add)
	block[1] = byte(add >> 8)
	block[2] = byte(cyc)
	block[3] = byte(cyc >> 8)
	copy(block[4:], body)
	return block
}

func parseBlock(block []byte) (nextSize, idx uint16, payload []byte, ok bool) {
	if len(block) < 7 {
		return 0, 0, nil, false
	}
	wantAdd := uint16(block[0]) | uint16(block[1])<<8
	wantCyc := uint16(block[2]) | uint16(block[3])<<8
	gotAdd, gotCyc := checksums(block[4:])
	if gotAdd != wantAdd || gotCyc != wantCyc {
		return 0, 0, nil, false
	}
	nextSize = uint16(block[4])
	idx = uint16(block[5]) | uint16(block[6])<<8
	return nextSize, idx, block[7:], true
}

func (e *Engine) Send(sess *transfer.Session, files []string) error {
	if len(files) != 1 {
		return fail(sess, "", transfer.ErrKindBadInput, fmt.Errorf("punter sends exactly one file, got %d", len(files)))
	}
	path := files[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(sess, path, transfer.ErrKindBadInput, err)
	}
	l := log.WithField("service", "[PUNTER]")
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path, BytesTotal: int64(len(data))})

	// 1. Send GOO, await GOO, send ACK, await S/B.
	if err := exchangeOpen(sess); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}

	// File-type block, retried on BAD up to 3 times.
	typeBlock := buildBlock(0xC9, 0xFFFF, []byte{0x01})
	if err := sendRetried(sess, typeBlock); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}

	// End-off A.
	if err := endOff(sess); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}
	time.Sleep(sess.Profile.PostAckDelay)
	if err := sendToken(sess, tokSB); err != nil {
		return fail(sess, path, transfer.ErrKindLinkClosed, err)
	}

	// Phase B pre-roll: collect >=3 GOOs, resending S/B if none arrive.
	if err := phaseBPreroll(sess); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}
	if err := sendToken(sess, tokACK); err != nil {
		return fail(sess, path, transfer.ErrKindLinkClosed, err)
	}
	if err := awaitToken(sess, tokSB); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}
	block2 := buildBlock(255, 0, nil)
	if err := sendRetried(sess, block2); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}
	if err := awaitToken(sess, tokGOO); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}

	// Data loop.
	var sent int64
	idx := uint16(1)
	for off := 0; off < len(data); off += payloadSize {
		if sess.Cancelled() {
			return cancel(sess, path)
		}
		end := off + payloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		remaining := len(data) - end
		nextSize := uint16(7 + remaining)
		if remaining > 248 {
			nextSize = 255
		}
		last := end == len(data)
		blockIdx := idx
		if last {
			blockIdx = 0xFFFF
		}

		if err := sendToken(sess, tokACK); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}
		if err := awaitToken(sess, tokSB); err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}
		block := buildBlock(nextSize, blockIdx, chunk)
		if err := sendRetried(sess, block); err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}

		sent += int64(len(chunk))
		idx++
		sess.Post(transfer.ProgressEvent{BytesDone: sent, BytesTotal: int64(len(data)), Filename: path})
	}

	// End-off B.
	if err := endOff(sess); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}
	if err := sendToken(sess, tokSB); err != nil {
		return fail(sess, path, transfer.ErrKindLinkClosed, err)
	}

	// Single-file terminator: 0x04 0x09 five times.
	for i := 0; i < 5; i++ {
		if err := sess.Link.WriteAll([]byte{0x04, 0x09}); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}
		time.Sleep(sess.Profile.PostAckDelay)
	}

	l.WithField("file", path).Info("punter send complete")
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: sent, BytesTotal: int64(len(data))})
	return nil
}

// Receive is the peer of Send: it initiates by sending GOO three times
// and waits for the block-1 (file-type) exchange.
func (e *Engine) Receive(sess *transfer.Session, dir string) error {
	l := log.WithField("service", "[PUNTER]")
	for i := 0; i < 3; i++ {
		if err := sendToken(sess, tokGOO); err != nil {
			return fail(sess, "", transfer.ErrKindLinkClosed, err)
		}
	}

	if err := awaitToken(sess, tokGOO); err != nil {
		return fail(sess, "", transfer.ErrKindProtocolViolation, err)
	}
	if err := sendToken(sess, tokACK); err != nil {
		return fail(sess, "", transfer.ErrKindLinkClosed, err)
	}
	if err := sendToken(sess, tokSB); err != nil {
		return fail(sess, "", transfer.ErrKindLinkClosed, err)
	}

	// The file-type block's own size (7-byte header + 1-byte payload) is
	// a fixed protocol constant, not announced by any prior block.
	typeBlock, err := recvBlockRetried(sess, 8)
	if err != nil {
		return fail(sess, "", transfer.ErrKindProtocolViolation, err)
	}
	_, _, _, ok := parseBlock(typeBlock.raw)
	if !ok {
		return fail(sess, "", transfer.ErrKindProtocolViolation, fmt.Errorf("bad file-type block"))
	}

	if err := awaitToken(sess, tokACK); err != nil {
		return fail(sess, "", transfer.ErrKindProtocolViolation, err)
	}
	if err := sendToken(sess, tokSB); err != nil {
		return fail(sess, "", transfer.ErrKindLinkClosed, err)
	}
	if err := awaitToken(sess, tokSYN); err != nil {
		return fail(sess, "", transfer.ErrKindProtocolViolation, err)
	}
	if err := sendToken(sess, tokSYN); err != nil {
		return fail(sess, "", transfer.ErrKindLinkClosed, err)
	}
	if err := awaitToken(sess, tokSB); err != nil {
		return fail(sess, "", transfer.ErrKindProtocolViolation, err)
	}

	for i := 0; i < 3; i++ {
		if err := sendToken(sess, tokGOO); err != nil {
			return fail(sess, "", transfer.ErrKindLinkClosed, err)
		}
	}
	if err := awaitToken(sess, tokACK); err != nil {
		return fail(sess, "", transfer.ErrKindProtocolViolation, err)
	}
	if err := sendToken(sess, tokSB); err != nil {
		return fail(sess, "", transfer.ErrKindLinkClosed, err)
	}
	// Block 2 is a fixed 7-byte header-only block.
	block2, err := recvBlockRetried(sess, 7)
	if err != nil {
		return fail(sess, "", transfer.ErrKindProtocolViolation, err)
	}
	nextSize, _, _, ok := parseBlock(block2.raw)
	if !ok {
		return fail(sess, "", transfer.ErrKindProtocolViolation, fmt.Errorf("bad block 2"))
	}
	// recvBlockRetried already replied GOO for block 2 on success.

	// Name is not carried in single-file legacy mode; write to a fixed
	// temp name like the XMODEM family, the caller may rename.
	path := filepath.Join(dir, "tmpdown.bin")
	out, err := os.Create(path)
	if err != nil {
		return fail(sess, path, transfer.ErrKindBadInput, err)
	}
	defer out.Close()
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path})

	// Mirror of the sender's data loop (spec 4.H step 5): the sender
	// drives with send-ACK/await-S-B/send-block/await-GOO-or-BAD, so the
	// receiver's turn is await-ACK/send-S-B/recv-block (recvBlockRetried
	// itself replies GOO or BAD per block).
	var received int64
	for {
		if sess.Cancelled() {
			return cancel(sess, path)
		}
		if err := awaitToken(sess, tokACK); err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}
		if err := sendToken(sess, tokSB); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}
		block, err := recvBlockRetried(sess, int(nextSize))
		if err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}
		blockNextSize, idx, payload, ok := parseBlock(block.raw)
		if !ok {
			return fail(sess, path, transfer.ErrKindProtocolViolation, fmt.Errorf("bad data block"))
		}
		nextSize = blockNextSize
		if _, err := out.Write(payload); err != nil {
			return fail(sess, path, transfer.ErrKindBadInput, err)
		}
		received += int64(len(payload))
		sess.Post(transfer.ProgressEvent{BytesDone: received, Filename: path})
		if idx == 0xFFFF {
			break
		}
	}

	// End-off B mirror: sender initiates with ACK/await-S-B/SYN/await-SYN
	// then sends a final S/B; the receiver is the responder throughout.
	if err := awaitToken(sess, tokACK); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}
	if err := sendToken(sess, tokSB); err != nil {
		return fail(sess, path, transfer.ErrKindLinkClosed, err)
	}
	if err := awaitToken(sess, tokSYN); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}
	if err := sendToken(sess, tokSYN); err != nil {
		return fail(sess, path, transfer.ErrKindLinkClosed, err)
	}
	if err := awaitToken(sess, tokSB); err != nil {
		return fail(sess, path, transfer.ErrKindProtocolViolation, err)
	}

	// Drain the single-file terminator (0x04 0x09 x5) so no partial
	// protocol frame is left in the socket at transfer-mode hand-off.
	_, _ = sess.Link.ReadExact(10, sess.Profile.Scaled(3*time.Second))

	l.WithField("file", path).Info("punter receive complete")
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: received})
	return nil
}

func exchangeOpen(sess *transfer.Session) error {
	if err := sendToken(sess, tokGOO); err != nil {
		return err
	}
	if err := awaitToken(sess, tokGOO); err != nil {
		return err
	}
	if err := sendToken(sess, tokACK); err != nil {
		return err
	}
	return awaitToken(sess, tokSB)
}

func endOff(sess *transfer.Session) error {
	if err := sendToken(sess, tokACK); err != nil {
		return err
	}
	if err := awaitToken(sess, tokSB); err != nil {
		return err
	}
	if err := sendToken(sess, tokSYN); err != nil {
		return err
	}
	return awaitToken(sess, tokSYN)
}

func phaseBPreroll(sess *transfer.Session) error {
	seen := 0
	deadline := time.Now().Add(sess.Profile.Scaled(30 * time.Second))
	for seen < 3 {
		if time.Now().After(deadline) {
			return fmt.Errorf("phase B preroll timed out")
		}
		tok, err := readToken(sess, sess.Profile.Scaled(3*time.Second))
		if err != nil {
			_ = sendToken(sess, tokSB)
			continue
		}
		if bytes.Equal(tok, tokGOO) {
			seen++
		}
	}
	return nil
}

func sendRetried(sess *transfer.Session, block []byte) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if sess.Cancelled() {
			return transfer.ErrCancelled
		}
		if err := sess.Link.WriteAll(block); err != nil {
			return err
		}
		tok, err := readToken(sess, sess.Profile.Scaled(10*time.Second))
		if err != nil {
			continue
		}
		switch {
		case bytes.Equal(tok, tokGOO):
			return nil
		case bytes.Equal(tok, tokBAD):
			_ = awaitToken(sess, tokSB)
			continue
		}
	}
	return fmt.Errorf("block rejected after %d retries", maxRetries)
}

// recvBlock is a block read by recvBlockRetried; raw holds the full wire
// bytes (checksum pair + next-size/idx header + payload).
type recvBlock struct {
	raw []byte
}

// recvBlockRetried reads one block of exactly totalSize bytes - the size
// is never self-described (a block's own next-size field names the
// block AFTER it), so the caller must already know it from the
// preceding block's next-size field, or from a fixed protocol constant
// for the first block of a phase. A checksum failure sends BAD and
// retries, mirroring sendRetried's cap.
func recvBlockRetried(sess *transfer.Session, totalSize int) (recvBlock, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		raw, err := sess.Link.ReadExact(totalSize, sess.Profile.Scaled(10*time.Second))
		if err != nil {
			return recvBlock{}, err
		}
		if _, _, _, ok := parseBlock(raw); !ok {
			_ = sendToken(sess, tokBAD)
			continue
		}
		_ = sendToken(sess, tokGOO)
		return recvBlock{raw: raw}, nil
	}
	return recvBlock{}, fmt.Errorf("block not accepted after %d retries", maxRetries)
}

func sendToken(sess *transfer.Session, tok []byte) error {
	return sess.Link.WriteAll(tok)
}

func awaitToken(sess *transfer.Session, want []byte) error {
	got, err := readToken(sess, sess.Profile.Scaled(15*time.Second))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("expected %q, got %q", want, got)
	}
	return nil
}

func readToken(sess *transfer.Session, timeout time.Duration) ([]byte, error) {
	return sess.Link.ReadExact(3, timeout)
}

func cancel(sess *transfer.Session, path string) error {
	_ = sess.Link.WriteAll([]byte{cancelByte})
	return fail(sess, path, transfer.ErrKindCancelled, transfer.ErrCancelled)
}

func fail(sess *transfer.Session, path string, kind transfer.ErrorKind, err error) error {
	pe := transfer.NewProtocolError(kind, path, err)
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileError, Filename: path, Err: pe})
	return pe
}
