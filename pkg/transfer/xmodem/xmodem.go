// Package xmodem implements the XMODEM family engine (component F): the
// classic checksum-8 variant, XMODEM-CRC, and XMODEM-1K, selected by
// Kind at construction. The block-retry loop is grounded on the SDO
// block-transfer state machine's sequence/retry handling.
package xmodem

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/internal/crc"
	"github.com/go-bbs/retroterm/pkg/transfer"
)

const (
	soh     = 0x01
	stx     = 0x02
	eot     = 0x04
	ack     = 0x06
	nak     = 0x15
	can     = 0x18
	crcMark = 0x43 // 'C'

	pad        = 0x1A
	maxRetries = 10
)

func init() {
	transfer.Register(transfer.KindXmodem, func() transfer.Engine { return &Engine{blockSize: 128, useCRC: false} })
	transfer.Register(transfer.KindXmodemCRC, func() transfer.Engine { return &Engine{blockSize: 128, useCRC: true} })
	transfer.Register(transfer.KindXmodem1K, func() transfer.Engine { return &Engine{blockSize: 1024, useCRC: true} })
}

// Engine implements transfer.Engine for one of the three XMODEM variants.
type Engine struct {
	blockSize int
	useCRC    bool
}

const tmpDownloadName = "tmpdown.bin"

// Send transmits a single file; XMODEM carries no filename or multi-file
// batching, so files must have exactly one entry.
func (e *Engine) Send(sess *transfer.Session, files []string) error {
	if len(files) != 1 {
		return transfer.NewProtocolError(transfer.ErrKindBadInput, "", fmt.Errorf("xmodem sends exactly one file, got %d", len(files)))
	}
	path := files[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return transfer.NewProtocolError(transfer.ErrKindBadInput, path, err)
	}

	l := log.WithField("service", "[XMODEM]")
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path, BytesTotal: int64(len(data))})

	useCRC, err := e.awaitStart(sess)
	if err != nil {
		return e.fail(sess, path, err)
	}

	blocks := splitBlocks(data, e.blockSize)
	var sent int64
	for i, block := range blocks {
		seq := byte((i + 1) % 256)
		frame := encodeBlock(seq, block, useCRC)
		if err := e.sendBlockWithRetry(sess, frame); err != nil {
			return e.fail(sess, path, err)
		}
		sent += int64(len(block))
		sess.Post(transfer.ProgressEvent{BytesDone: sent, BytesTotal: int64(len(data)), Filename: path})
		time.Sleep(sess.Profile.InterBlockDelay)
	}

	if err := sess.Link.WriteAll([]byte{eot}); err != nil {
		return e.fail(sess, path, err)
	}
	if _, err := e.awaitByte(sess, ack); err != nil {
		return e.fail(sess, path, err)
	}

	l.WithField("file", path).Info("xmodem send complete")
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: sent, BytesTotal: int64(len(data))})
	return nil
}

// Receive accepts one file, written to <dir>/tmpdown.bin since XMODEM
// carries no name; the caller renames it.
func (e *Engine) Receive(sess *transfer.Session, dir string) error {
	path := filepath.Join(dir, tmpDownloadName)
	out, err := os.Create(path)
	if err != nil {
		return transfer.NewProtocolError(transfer.ErrKindBadInput, path, err)
	}
	defer out.Close()

	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path})

	start := byte(nak)
	if e.useCRC {
		start = crcMark
	}
	var received int64
	expectSeq := byte(1)
	for {
		if sess.Cancelled() {
			return e.cancelReceive(sess, path)
		}
		if err := sess.Link.WriteAll([]byte{start}); err != nil {
			return e.fail(sess, path, err)
		}

		hdr, err := sess.Link.ReadExact(1, sess.Profile.Scaled(3*time.Second))
		if err != nil {
			continue
		}
		switch hdr[0] {
		case eot:
			_ = sess.Link.WriteAll([]byte{ack})
			sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: received})
			return nil
		case can:
			second, _ := sess.Link.ReadExact(1, time.Second)
			if len(second) > 0 && second[0] == can {
				return e.fail(sess, path, fmt.Errorf("peer cancelled"))
			}
			continue
		case soh, stx:
		default:
			continue
		}

		blockLen := 128
		if hdr[0] == stx {
			blockLen = 1024
		}
		trailerLen := 1
		if e.useCRC {
			trailerLen = 2
		}
		rest, err := sess.Link.ReadExact(2+blockLen+trailerLen, sess.Profile.Scaled(3*time.Second))
		if err != nil {
			_ = sess.Link.WriteAll([]byte{nak})
			continue
		}

		seq, compl := rest[0], rest[1]
		if seq != 255-compl {
			_ = sess.Link.WriteAll([]byte{nak})
			continue
		}
		payload := rest[2 : 2+blockLen]
		trailer := rest[2+blockLen:]
		if !verifyTrailer(payload, trailer, e.useCRC) {
			if sess.Stats != nil {
				sess.Stats.IncCorrupted()
			}
			_ = sess.Link.WriteAll([]byte{nak})
			continue
		}

		if seq == expectSeq {
			if _, err := out.Write(payload); err != nil {
				return e.fail(sess, path, err)
			}
			received += int64(len(payload))
			expectSeq++
			sess.Post(transfer.ProgressEvent{BytesDone: received, Filename: path})
		}
		start = ack
		_ = sess.Link.WriteAll([]byte{ack})
	}
}

func (e *Engine) cancelReceive(sess *transfer.Session, path string) error {
	_ = sess.Link.WriteAll([]byte{can, can})
	return e.fail(sess, path, transfer.ErrCancelled)
}

func (e *Engine) fail(sess *transfer.Session, path string, err error) error {
	pe := transfer.NewProtocolError(classify(err), path, err)
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileError, Filename: path, Err: pe})
	return pe
}

func classify(err error) transfer.ErrorKind {
	if err == transfer.ErrCancelled {
		return transfer.ErrKindCancelled
	}
	return transfer.ErrKindProtocolViolation
}

// awaitStart waits for the receiver's NAK or 'C' start signal, reporting
// whether CRC mode was requested.
func (e *Engine) awaitStart(sess *transfer.Session) (bool, error) {
	deadline := time.Now().Add(sess.Profile.Scaled(60 * time.Second))
	for time.Now().Before(deadline) {
		if sess.Cancelled() {
			return false, transfer.ErrCancelled
		}
		b, err := sess.Link.ReadExact(1, sess.Profile.Scaled(3*time.Second))
		if err != nil {
			continue
		}
		switch b[0] {
		case crcMark:
			return true, nil
		case nak:
			return false, nil
		}
	}
	return false, fmt.Errorf("timed out waiting for receiver start signal")
}

func (e *Engine) awaitByte(sess *transfer.Session, want byte) (byte, error) {
	b, err := sess.Link.ReadExact(1, sess.Profile.Scaled(10*time.Second))
	if err != nil {
		return 0, err
	}
	if b[0] != want {
		return b[0], fmt.Errorf("expected 0x%02x, got 0x%02x", want, b[0])
	}
	return b[0], nil
}

func (e *Engine) sendBlockWithRetry(sess *transfer.Session, frame []byte) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if sess.Cancelled() {
			return transfer.ErrCancelled
		}
		if attempt > 0 && sess.Stats != nil {
			sess.Stats.IncRetransmit()
		}
		if err := sess.Link.WriteAll(frame); err != nil {
			return err
		}
		resp, err := sess.Link.ReadExact(1, sess.Profile.Scaled(5*time.Second))
		if err != nil && sess.Stats != nil {
			sess.Stats.IncTimeout()
		}
		if err == nil && resp[0] == ack {
			return nil
		}
		if err == nil && resp[0] == can {
			return fmt.Errorf("peer cancelled")
		}
	}
	return fmt.Errorf("block not acknowledged after %d retries", maxRetries)
}

func splitBlocks(data []byte, size int) [][]byte {
	var blocks [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		block := make([]byte, size)
		copy(block, data[i:end])
		for j := end - i; j < size; j++ {
			block[j] = pad
		}
		blocks = append(blocks, block)
	}
	if len(blocks) == 0 {
		blocks = append(blocks, bytes.Repeat([]byte{pad}, size))
	}
	return blocks
}

func encodeBlock(seq byte, payload []byte, useCRC bool) []byte {
	hdr := byte(soh)
	if len(payload) == 1024 {
		hdr = stx
	}
	frame := []byte{hdr, seq, 255 - seq}
	frame = append(frame, payload...)
	if useCRC {
		c := crc.XModem(payload)
		frame = append(frame, byte(c>>8), byte(c))
	} else {
		frame = append(frame, crc.Checksum8(payload))
	}
	return frame
}

func verifyTrailer(payload, trailer []byte, useCRC bool) bool {
	if useCRC {
		got := uint16(trailer[0])<<8 | uint16(trailer[1])
		return crc.XModem(payload) == got
	}
	return crc.Checksum8(payload) == trailer[0]
}
