// Package ymodem implements the YMODEM batch engine (component G): a
// block-0 metadata frame carrying filename and size, followed by the
// file's data as XMODEM-1K blocks, repeated per file and closed by an
// empty-name batch terminator.
package ymodem

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/internal/crc"
	"github.com/go-bbs/retroterm/pkg/transfer"
)

const (
	soh        = 0x01
	stx        = 0x02
	eot        = 0x04
	ack        = 0x06
	nak        = 0x15
	can        = 0x18
	crcMark    = 0x43
	pad        = 0x1A
	blockSize  = 1024
	maxRetries = 10
)

func init() {
	transfer.Register(transfer.KindYmodem, func() transfer.Engine { return &Engine{} })
}

type Engine struct{}

func (e *Engine) Send(sess *transfer.Session, files []string) error {
	l := log.WithField("service", "[YMODEM]")
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fail(sess, path, transfer.ErrKindBadInput, err)
		}
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path, BytesTotal: int64(len(data))})

		if err := awaitCRCMark(sess); err != nil {
			return fail(sess, path, transfer.ErrKindTimeout, err)
		}
		if err := sendBlock0(sess, filepath.Base(path), len(data)); err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}
		if err := awaitCRCMark(sess); err != nil {
			return fail(sess, path, transfer.ErrKindTimeout, err)
		}
		time.Sleep(sess.Profile.Scaled(2 * time.Second))

		var sent int64
		blocks := splitBlocks(data, blockSize)
		for i, block := range blocks {
			seq := byte((i + 1) % 256)
			frame := encodeBlock(seq, block)
			if err := sendBlockWithRetry(sess, frame); err != nil {
				return fail(sess, path, transfer.ErrKindProtocolViolation, err)
			}
			sent += int64(len(block))
			sess.Post(transfer.ProgressEvent{BytesDone: sent, BytesTotal: int64(len(data)), Filename: path})
			time.Sleep(sess.Profile.InterBlockDelay)
		}
		if err := sess.Link.WriteAll([]byte{eot}); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}
		// One reply byte after EOT is read and not checked: a missing or
		// non-ACK reply is not an error, and no further ACK is awaited.
		_, _ = sess.Link.ReadExact(1, sess.Profile.Scaled(3*time.Second))

		l.WithField("file", path).Info("ymodem file sent")
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: sent, BytesTotal: int64(len(data))})
	}

	// End-of-batch: block 0 with an empty filename payload.
	if err := awaitCRCMark(sess); err != nil {
		return fail(sess, "", transfer.ErrKindTimeout, err)
	}
	return sendBlock0(sess, "", 0)
}

func (e *Engine) Receive(sess *transfer.Session, dir string) error {
	l := log.WithField("service", "[YMODEM]")
	for {
		if sess.Cancelled() {
			_ = sess.Link.WriteAll([]byte{can, can})
			return transfer.NewProtocolError(transfer.ErrKindCancelled, "", transfer.ErrCancelled)
		}
		if err := sess.Link.WriteAll([]byte{crcMark}); err != nil {
			return fail(sess, "", transfer.ErrKindLinkClosed, err)
		}
		name, size, err := readBlock0(sess)
		if err != nil {
			continue
		}
		if name == "" {
			// End-of-batch marker: acknowledge it so the sender's block-0
			// exchange completes.
			_ = sess.Link.WriteAll([]byte{ack})
			return nil
		}
		name = transfer.SanitizeName(name)

		// Block-0 ack is ACK, ACK, then after a pause ACK+'C' written
		// together to request the first data block.
		_ = sess.Link.WriteAll([]byte{ack})
		_ = sess.Link.WriteAll([]byte{ack})
		time.Sleep(sess.Profile.PostAckDelay)
		_ = sess.Link.WriteAll([]byte{ack, crcMark})

		path := filepath.Join(dir, name)
		out, err := os.Create(path)
		if err != nil {
			return fail(sess, path, transfer.ErrKindBadInput, err)
		}
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path, BytesTotal: int64(size)})

		received, err := receiveBlocks(sess, out, int64(size))
		out.Close()
		if err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}
		if err := os.Truncate(path, int64(size)); err != nil {
			return fail(sess, path, transfer.ErrKindBadInput, err)
		}
		time.Sleep(sess.Profile.Scaled(2200 * time.Millisecond))
		_ = sess.Link.WriteAll([]byte{ack})

		l.WithField("file", path).Info("ymodem file received")
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: received, BytesTotal: int64(size)})
	}
}

func receiveBlocks(sess *transfer.Session, out *os.File, size int64) (int64, error) {
	var received int64
	expectSeq := byte(1)
	for received < size {
		if sess.Cancelled() {
			_ = sess.Link.WriteAll([]byte{can, can})
			return received, transfer.ErrCancelled
		}
		hdr, err := sess.Link.ReadExact(1, sess.Profile.Scaled(5*time.Second))
		if err != nil {
			continue
		}
		if hdr[0] == eot {
			return received, nil
		}
		blockLen := 128
		if hdr[0] == stx {
			blockLen = 1024
		}
		rest, err := sess.Link.ReadExact(2+blockLen+2, sess.Profile.Scaled(5*time.Second))
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
		got := uint16(trailer[0])<<8 | uint16(trailer[1])
		if crc.XModem(payload) != got {
			_ = sess.Link.WriteAll([]byte{nak})
			continue
		}
		if seq == expectSeq {
			n := len(payload)
			if received+int64(n) > size && size > 0 {
				n = int(size - received)
			}
			if _, err := out.Write(payload[:n]); err != nil {
				return received, err
			}
			received += int64(n)
			expectSeq++
			sess.Post(transfer.ProgressEvent{BytesDone: received, BytesTotal: size})
		}
		_ = sess.Link.WriteAll([]byte{ack})
	}
	return received, nil
}

func sendBlock0(sess *transfer.Session, name string, size int) error {
	var payload bytes.Buffer
	if name != "" {
		payload.WriteString(name)
		payload.WriteByte(0)
		payload.WriteString(strconv.Itoa(size))
		payload.WriteByte(0)
	}
	block := make([]byte, 128)
	copy(block, payload.Bytes())
	for i := payload.Len(); i < len(block); i++ {
		block[i] = 0
	}
	frame := encodeBlock(0, block)
	return sendBlockWithRetry(sess, frame)
}

func readBlock0(sess *transfer.Session) (name string, size int, err error) {
	hdr, err := sess.Link.ReadExact(1, sess.Profile.Scaled(10*time.Second))
	if err != nil {
		return "", 0, err
	}
	if hdr[0] != soh && hdr[0] != stx {
		return "", 0, fmt.Errorf("expected block-0 header, got 0x%02x", hdr[0])
	}
	blockLen := 128
	if hdr[0] == stx {
		blockLen = 1024
	}
	rest, err := sess.Link.ReadExact(2+blockLen+2, sess.Profile.Scaled(5*time.Second))
	if err != nil {
		return "", 0, err
	}
	payload := rest[2 : 2+blockLen]
	trailer := rest[2+blockLen:]
	got := uint16(trailer[0])<<8 | uint16(trailer[1])
	if crc.XModem(payload) != got {
		return "", 0, fmt.Errorf("block-0 CRC mismatch")
	}

	fields := bytes.SplitN(payload, []byte{0}, 3)
	if len(fields) < 1 || len(fields[0]) == 0 {
		return "", 0, nil
	}
	sz := 0
	if len(fields) > 1 {
		sz, _ = strconv.Atoi(string(bytes.TrimRight(fields[1], "\x00")))
	}
	return string(fields[0]), sz, nil
}

func awaitCRCMark(sess *transfer.Session) error {
	deadline := time.Now().Add(sess.Profile.Scaled(60 * time.Second))
	for time.Now().Before(deadline) {
		b, err := sess.Link.ReadExact(1, sess.Profile.Scaled(3*time.Second))
		if err == nil && b[0] == crcMark {
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for 'C'")
}

func sendBlockWithRetry(sess *transfer.Session, frame []byte) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if sess.Cancelled() {
			return transfer.ErrCancelled
		}
		if err := sess.Link.WriteAll(frame); err != nil {
			return err
		}
		resp, err := sess.Link.ReadExact(1, sess.Profile.Scaled(5*time.Second))
		if err == nil && resp[0] == ack {
			return nil
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
	return blocks
}

func encodeBlock(seq byte, payload []byte) []byte {
	hdr := byte(soh)
	if len(payload) == 1024 {
		hdr = stx
	}
	frame := []byte{hdr, seq, 255 - seq}
	frame = append(frame, payload...)
	c := crc.XModem(payload)
	frame = append(frame, byte(c>>8), byte(c))
	return frame
}

func fail(sess *transfer.Session, path string, kind transfer.ErrorKind, err error) error {
	pe := transfer.NewProtocolError(kind, path, err)
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileError, Filename: path, Err: pe})
	return pe
}
