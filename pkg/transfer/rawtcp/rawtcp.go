// Package rawtcp implements the RAWTCP engine (component J): minimal
// "FAST"-magic framing for lossless links, batch-capable with an MD5
// integrity check per file.
package rawtcp

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-bbs/retroterm/pkg/transfer"
)

var magic = []byte("FAST")

const (
	tagBatch  = 0x12
	tagHeader = 0x01
	tagOK     = 0x04
	tagEnd    = 0x03
	tagInit   = 0x11
	tagReady  = 0x10

	chunkSize   = 64 * 1024
	scanWindow  = 64 * 1024
	md5PrefixLen = 4
)

func init() {
	transfer.Register(transfer.KindRawTCP, func() transfer.Engine { return &Engine{} })
}

type Engine struct{}

func (e *Engine) Send(sess *transfer.Session, files []string) error {
	l := log.WithField("service", "[RAWTCP]")

	initFrame := append(append([]byte{}, magic...), tagInit)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(files)))
	initFrame = append(initFrame, countBuf[:]...)
	if err := sess.Link.WriteAll(initFrame); err != nil {
		return fail(sess, "", transfer.ErrKindLinkClosed, err)
	}

	ready, err := sess.Link.ReadExact(5, sess.Profile.Scaled(10*time.Second))
	if err != nil || !bytes.Equal(ready, append(append([]byte{}, magic...), tagReady)) {
		return fail(sess, "", transfer.ErrKindProtocolViolation, fmt.Errorf("expected READY"))
	}

	for _, path := range files {
		if sess.Cancelled() {
			return cancel(sess, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fail(sess, path, transfer.ErrKindBadInput, err)
		}
		sum := md5.Sum(data)
		name := filepath.Base(path)

		header := append([]byte{}, magic...)
		var sizeBuf [8]byte
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(data)))
		header = append(header, sizeBuf[:]...)
		header = append(header, byte(len(name)))
		header = append(header, tagHeader)
		header = append(header, sum[:md5PrefixLen]...)
		header = append(header, []byte(name)...)
		if err := sess.Link.WriteAll(header); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}
		if err := awaitOK(sess); err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}

		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path, BytesTotal: int64(len(data))})
		var sent int64
		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			if err := sess.Link.WriteAll(data[off:end]); err != nil {
				return fail(sess, path, transfer.ErrKindLinkClosed, err)
			}
			sent += int64(end - off)
			sess.Post(transfer.ProgressEvent{BytesDone: sent, BytesTotal: int64(len(data)), Filename: path})
		}

		end := append(append([]byte{}, magic...), tagEnd)
		if err := sess.Link.WriteAll(end); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}
		if err := awaitOK(sess); err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}

		l.WithField("file", path).Info("rawtcp file sent")
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: sent, BytesTotal: int64(len(data))})
	}
	return nil
}

func (e *Engine) Receive(sess *transfer.Session, dir string) error {
	l := log.WithField("service", "[RAWTCP]")

	if err := sess.Link.WriteAll(append(append([]byte{}, magic...), tagReady)); err != nil {
		return fail(sess, "", transfer.ErrKindLinkClosed, err)
	}

	if err := resync(sess); err != nil {
		return fail(sess, "", transfer.ErrKindProtocolViolation, err)
	}
	tag, err := sess.Link.ReadExact(1, sess.Profile.Scaled(10*time.Second))
	if err != nil {
		return fail(sess, "", transfer.ErrKindTimeout, err)
	}

	fileCount := 1
	legacy := tag[0] == tagHeader
	// 0x11 is the INIT/file-count frame a current-generation sender
	// emits (4.J Sender flow); 0x12 (BATCH) is accepted as an equivalent
	// legacy marker for the same count frame.
	if tag[0] == tagInit || tag[0] == tagBatch {
		cb, err := sess.Link.ReadExact(2, sess.Profile.Scaled(5*time.Second))
		if err != nil {
			return fail(sess, "", transfer.ErrKindTimeout, err)
		}
		fileCount = int(binary.BigEndian.Uint16(cb))
	} else if !legacy {
		return fail(sess, "", transfer.ErrKindProtocolViolation, fmt.Errorf("unexpected frame tag 0x%02x", tag[0]))
	}

	for i := 0; i < fileCount; i++ {
		var size uint64
		var nameLen byte
		var md5Prefix []byte

		if i == 0 && legacy {
			// The legacy marker frame already consumed the HEADER tag
			// immediately after magic; the remaining fields (size,
			// namelen, md5) follow with no tag byte of their own.
			rest, err := sess.Link.ReadExact(8+1+4, sess.Profile.Scaled(5*time.Second))
			if err != nil {
				return fail(sess, "", transfer.ErrKindTimeout, err)
			}
			size = binary.BigEndian.Uint64(rest[0:8])
			nameLen = rest[8]
			md5Prefix = rest[9:13]
		} else {
			// Per-file HEADER frame: magic, size(8), namelen(1), tag(1),
			// md5(4) - the tag sits after size/namelen, not immediately
			// after magic, matching Send's wire layout.
			if err := resync(sess); err != nil {
				return fail(sess, "", transfer.ErrKindProtocolViolation, err)
			}
			rest, err := sess.Link.ReadExact(8+1+1+4, sess.Profile.Scaled(5*time.Second))
			if err != nil {
				return fail(sess, "", transfer.ErrKindTimeout, err)
			}
			size = binary.BigEndian.Uint64(rest[0:8])
			nameLen = rest[8]
			if rest[9] != tagHeader {
				return fail(sess, "", transfer.ErrKindProtocolViolation, fmt.Errorf("expected HEADER, got tag 0x%02x", rest[9]))
			}
			md5Prefix = rest[10:14]
		}

		nameBytes, err := sess.Link.ReadExact(int(nameLen), sess.Profile.Scaled(5*time.Second))
		if err != nil {
			return fail(sess, "", transfer.ErrKindTimeout, err)
		}
		name := transfer.SanitizeName(string(nameBytes))
		path := filepath.Join(dir, name)

		if err := sess.Link.WriteAll(append(append([]byte{}, magic...), tagOK)); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}

		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileStart, Filename: path, BytesTotal: int64(size)})
		out, err := os.Create(path)
		if err != nil {
			return fail(sess, path, transfer.ErrKindBadInput, err)
		}
		hasher := md5.New()
		var got int64
		for got < int64(size) {
			if sess.Cancelled() {
				out.Close()
				return fail(sess, path, transfer.ErrKindCancelled, transfer.ErrCancelled)
			}
			want := int64(chunkSize)
			if remaining := int64(size) - got; remaining < want {
				want = remaining
			}
			chunk, err := sess.Link.ReadExact(int(want), sess.Profile.Scaled(10*time.Second))
			if err != nil {
				out.Close()
				return fail(sess, path, transfer.ErrKindTimeout, err)
			}
			if _, err := out.Write(chunk); err != nil {
				out.Close()
				return fail(sess, path, transfer.ErrKindBadInput, err)
			}
			hasher.Write(chunk)
			got += int64(len(chunk))
			sess.Post(transfer.ProgressEvent{BytesDone: got, BytesTotal: int64(size), Filename: path})
		}
		out.Close()

		if err := resync(sess); err != nil {
			return fail(sess, path, transfer.ErrKindProtocolViolation, err)
		}
		endTag, err := sess.Link.ReadExact(1, sess.Profile.Scaled(5*time.Second))
		if err != nil || endTag[0] != tagEnd {
			return fail(sess, path, transfer.ErrKindProtocolViolation, fmt.Errorf("expected END"))
		}

		sum := hasher.Sum(nil)
		if !bytes.Equal(sum[:md5PrefixLen], md5Prefix) {
			return fail(sess, path, transfer.ErrKindProtocolViolation, fmt.Errorf("md5 mismatch"))
		}

		if err := sess.Link.WriteAll(append(append([]byte{}, magic...), tagOK)); err != nil {
			return fail(sess, path, transfer.ErrKindLinkClosed, err)
		}

		l.WithField("file", path).Info("rawtcp file received")
		sess.Post(transfer.ProgressEvent{Event: transfer.EventFileComplete, Filename: path, BytesDone: got, BytesTotal: int64(size)})
	}
	return nil
}

// resync scans for the "FAST" magic, skipping any prior chatter up to
// scanWindow bytes, and consumes it from the stream.
func resync(sess *transfer.Session) error {
	var window []byte
	for len(window) < scanWindow {
		b, err := sess.Link.ReadExact(1, sess.Profile.Scaled(10*time.Second))
		if err != nil {
			return err
		}
		window = append(window, b[0])
		if len(window) >= 4 && bytes.Equal(window[len(window)-4:], magic) {
			return nil
		}
	}
	return fmt.Errorf("resync failed within %d-byte scan window", scanWindow)
}

func awaitOK(sess *transfer.Session) error {
	got, err := sess.Link.ReadExact(5, sess.Profile.Scaled(10*time.Second))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, append(append([]byte{}, magic...), tagOK)) {
		return fmt.Errorf("expected OK, got %v", got)
	}
	return nil
}

func cancel(sess *transfer.Session, path string) error {
	return fail(sess, path, transfer.ErrKindCancelled, transfer.ErrCancelled)
}

func fail(sess *transfer.Session, path string, kind transfer.ErrorKind, err error) error {
	pe := transfer.NewProtocolError(kind, path, err)
	sess.Post(transfer.ProgressEvent{Event: transfer.EventFileError, Filename: path, Err: pe})
	return pe
}
