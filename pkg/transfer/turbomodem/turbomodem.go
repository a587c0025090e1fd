// Package turbomodem implements the TurboModem engine (component I):
// fixed 4096-byte blocks pipelined 8 at a time with CRC-32 per block and
// an 8-bit bitmap ACK per window, designed to maximise throughput over a
// lossy or lossless stream. Grounded on the SDO block-transfer engine's
// sliding-window/sequence-number design, generalised to byte blocks.
package turbomodem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/internal/crc"
	"github.com/go-bbs/retroterm/pkg/transfer"
)

const (
	blockSize   = 4096
	windowSize  = 8
	maxRetries  = 16
	cancelToken = "TBCAN"
)

func init() {
	transfer.Register(transfer.KindTurboModem, func() transfer.Engine { return &Engine{} })
}

type Engine struct{}

// encodeBlock builds the "TB" + block# + size + payload + CRC-32 wire
// frame; payload is always padded to blockSize.
func encodeBlock(num uint32, payload []byte) []byte {
	padded := make([]byte, blockSize)
	copy(padded, payload)

	frame := make([]byte, 0, 2+4+2+blockSize+4)
	frame = append(frame, 'T', 'B')
	var numBuf [4]byte
	binary.BigEndian.PutUint32(numBuf[:], num)
	frame = append(frame, numBuf[:]...)
	var sizeBuf [2]byte
	binary.BigEndian.PutUint16(sizeBuf[:], uint16(blockSize))
	frame = append(frame, sizeBuf[:]...)
	frame = append(frame, padded...)
	c := crc.CRC32(padded)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], c)
	frame = append(frame, crcBuf[:]...)
	return frame
}

// decodeBlock validates magic/size and the CRC-32 trailer, returning the
// block number and payload on success.
func decodeBlock(frame []byte) (num uint32, payload []byte, ok bool) {
	if len(frame) != 2+4+2+blockSize+4 {
		return 0, nil, false
	}
	if frame[0] != 'T' || frame[1] != 'B' {
		return 0, nil, false
	}
	num = binary.BigEndian.Uint32(frame[2:6])
	size := binary.BigEndian.Uint16(frame[6:8])
	if size != blockSize {
		return 0, nil, false
	}
	payload = frame[8 : 8+blockSize]
	wantCRC := binary.BigEndian.Uint32(frame[8+blockSize:])
	if crc.CRC32(payload) != wantCRC {
		return 0, nil, false
	}
	return num, payload, true
}

// bitmapByte substitutes 0xFE for 0xFF on the wire, per spec, to avoid
// any accidental 0xFF byte-stuffing interaction.
func bitmapByte(b byte) byte {
	if b == 0xFF {
		return 0xFE
	}
	return b
}

func (e *Engine) Send(sess *transfer.Session, files []string) error {
	l := log.WithField("service", "[TURBOMODEM]")
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fail(sess, path, transfer.ErrKindBadInput, err)
		}
		if err := awaitTag(sess, "TBRQ"); err != nil {
			return fail(sess, path, transfer.ErrKindTimeout, err)
		}
		if err := sendOK(sess, filepath.Base(path), int64(len(data))); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path, BytesTotal: int64(len(data))})

		if err := e.sendFile(sess, path, data); err != nil {
			return fail(sess, path, classify(err), err)
		}

		l.WithField("file", path).Info("turbomodem file sent")
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: int64(len(data)), BytesTotal: int64(len(data))})
	}

	if err := awaitTag(sess, "TBRQ"); err != nil {
		return fail(sess, "", transfer.ErrKindTimeout, err)
	}
	return sess.Link.WriteAll([]byte("TBND"))
}

func (e *Engine) sendFile(sess *transfer.Session, path string, data []byte) error {
	totalBlocks := (len(data) + blockSize - 1) / blockSize
	if totalBlocks == 0 {
		totalBlocks = 1
	}
	blocks := make([][]byte, totalBlocks)
	for i := 0; i < totalBlocks; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks[i] = data[start:end]
	}

	acked := make([]bool, totalBlocks)
	var sent int64
	for base := 0; base < totalBlocks; {
		if sess.Cancelled() {
			return cancel(sess)
		}
		windowEnd := base + windowSize
		if windowEnd > totalBlocks {
			windowEnd = totalBlocks
		}
		for attempt := 0; attempt < maxRetries; attempt++ {
			if attempt > 0 && sess.Stats != nil {
				sess.Stats.IncRetransmit()
			}
			for i := base; i < windowEnd; i++ {
				if acked[i] {
					continue
				}
				frame := encodeBlock(uint32(i), blocks[i])
				if err := sess.Link.WriteAll(frame); err != nil {
					return err
				}
			}
			bitmap, err := awaitBitmap(sess)
			if err != nil {
				if sess.Stats != nil {
					sess.Stats.IncTimeout()
				}
				continue
			}
			allAcked := true
			logicalBitmap := bitmap
			if logicalBitmap == 0xFE {
				logicalBitmap = 0xFF
			}
			for i := base; i < windowEnd; i++ {
				if logicalBitmap&(1<<uint(i-base)) != 0 {
					if !acked[i] {
						acked[i] = true
						sent += int64(len(blocks[i]))
						sess.Post(transfer.ProgressEvent{BytesDone: sent, BytesTotal: int64(len(data)), Filename: path})
					}
				} else {
					allAcked = false
				}
			}
			if allAcked {
				break
			}
		}
		for base < totalBlocks && acked[base] {
			base++
		}
	}

	if err := sess.Link.WriteAll([]byte("TBEOT")); err != nil {
		return err
	}
	_, err := awaitBitmap(sess)
	return err
}

func (e *Engine) Receive(sess *transfer.Session, dir string) error {
	l := log.WithField("service", "[TURBOMODEM]")
	for {
		if sess.Cancelled() {
			return cancel(sess)
		}
		if err := sess.Link.WriteAll([]byte("TBRQ")); err != nil {
			return fail(sess, "", transfer.ErrKindLinkClosed, err)
		}
		tag, err := sess.Link.ReadExact(4, sess.Profile.Scaled(10*time.Second))
		if err != nil {
			return fail(sess, "", transfer.ErrKindTimeout, err)
		}
		if bytes.Equal(tag, []byte("TBND")) {
			return nil
		}
		if !bytes.Equal(tag, []byte("TBOK")) {
			return fail(sess, "", transfer.ErrKindProtocolViolation, fmt.Errorf("unexpected tag %q", tag))
		}

		hdr, err := sess.Link.ReadExact(10, sess.Profile.Scaled(5*time.Second))
		if err != nil {
			return fail(sess, "", transfer.ErrKindTimeout, err)
		}
		size := binary.BigEndian.Uint64(hdr[0:8])
		nameLen := binary.BigEndian.Uint16(hdr[8:10])
		nameBytes, err := sess.Link.ReadExact(int(nameLen), sess.Profile.Scaled(5*time.Second))
		if err != nil {
			return fail(sess, "", transfer.ErrKindTimeout, err)
		}
		name := transfer.SanitizeName(string(nameBytes))
		path := filepath.Join(dir, name)

		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path, BytesTotal: int64(size)})
		if err := e.receiveFile(sess, path, int64(size)); err != nil {
			return fail(sess, path, classify(err), err)
		}
		l.WithField("file", path).Info("turbomodem file received")
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: int64(size), BytesTotal: int64(size)})
	}
}

func (e *Engine) receiveFile(sess *transfer.Session, path string, size int64) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	totalBlocks := int((size + blockSize - 1) / blockSize)
	if totalBlocks == 0 {
		totalBlocks = 1
	}
	received := make(map[uint32][]byte, totalBlocks)

	var got int64
	staleRounds := 0
	lastBase := -1
	for base := 0; base < totalBlocks; {
		if sess.Cancelled() {
			return cancel(sess)
		}
		if base == lastBase {
			staleRounds++
			if staleRounds > maxRetries {
				return fmt.Errorf("window at block %d exceeded %d retries", base, maxRetries)
			}
		} else {
			staleRounds = 0
			lastBase = base
		}
		windowEnd := base + windowSize
		if windowEnd > totalBlocks {
			windowEnd = totalBlocks
		}
		want := 0
		for i := base; i < windowEnd; i++ {
			if _, ok := received[uint32(i)]; !ok {
				want++
			}
		}

		for n := 0; n < want; n++ {
			frame, err := sess.Link.ReadExact(2+4+2+blockSize+4, sess.Profile.Scaled(10*time.Second))
			if err != nil {
				break
			}
			num, payload, ok := decodeBlock(frame)
			if !ok {
				if sess.Stats != nil {
					sess.Stats.IncCorrupted()
				}
				continue
			}
			if int(num) >= base && int(num) < windowEnd {
				received[num] = append([]byte(nil), payload...)
			}
		}

		var bitmap byte
		for i := base; i < windowEnd; i++ {
			if _, ok := received[uint32(i)]; ok {
				bitmap |= 1 << uint(i-base)
			}
		}
		if err := sess.Link.WriteAll([]byte{'T', 'B', 'A', 'C', bitmapByte(bitmap)}); err != nil {
			return err
		}

		for base < totalBlocks {
			payload, ok := received[uint32(base)]
			if !ok {
				break
			}
			n := len(payload)
			if got+int64(n) > size {
				n = int(size - got)
			}
			if _, err := out.Write(payload[:n]); err != nil {
				return err
			}
			got += int64(n)
			base++
			sess.Post(transfer.ProgressEvent{BytesDone: got, BytesTotal: size})
		}
	}

	if err := awaitTag(sess, "TBEOT"); err != nil {
		return err
	}
	return sess.Link.WriteAll([]byte{'T', 'B', 'A', 'C', bitmapByte(0xFF)})
}

func sendOK(sess *transfer.Session, name string, size int64) error {
	frame := make([]byte, 0, 4+8+2+len(name))
	frame = append(frame, []byte("TBOK")...)
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(size))
	frame = append(frame, sizeBuf[:]...)
	var nameLenBuf [2]byte
	binary.BigEndian.PutUint16(nameLenBuf[:], uint16(len(name)))
	frame = append(frame, nameLenBuf[:]...)
	frame = append(frame, []byte(name)...)
	return sess.Link.WriteAll(frame)
}

func awaitTag(sess *transfer.Session, tag string) error {
	n := len(tag)
	if tag == "TBEOT" {
		n = 5
	}
	got, err := sess.Link.ReadExact(n, sess.Profile.Scaled(15*time.Second))
	if err != nil {
		return err
	}
	if string(got) != tag {
		return fmt.Errorf("expected %q, got %q", tag, got)
	}
	return nil
}

func awaitBitmap(sess *transfer.Session) (byte, error) {
	frame, err := sess.Link.ReadExact(5, sess.Profile.Scaled(10*time.Second))
	if err != nil {
		return 0, err
	}
	if string(frame[:4]) != "TBAC" {
		return 0, fmt.Errorf("expected TBAC, got %q", frame[:4])
	}
	return frame[4], nil
}

func cancel(sess *transfer.Session) error {
	_ = sess.Link.WriteAll([]byte(cancelToken))
	return transfer.ErrCancelled
}

func classify(err error) transfer.ErrorKind {
	if err == transfer.ErrCancelled {
		return transfer.ErrKindCancelled
	}
	return transfer.ErrKindProtocolViolation
}

func fail(sess *transfer.Session, path string, kind transfer.ErrorKind, err error) error {
	pe := transfer.NewProtocolError(kind, path, err)
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileError, Filename: path, Err: pe})
	return pe
}
