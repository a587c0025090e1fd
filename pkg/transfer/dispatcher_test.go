package transfer

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-bbs/retroterm/pkg/link"
)

// newTestLink wraps one side of an in-memory pipe as a Link; the other
// side is drained in the background so the dispatcher's borrowed Link
// behaves like a live connection without needing a real socket.
func newTestLink(t *testing.T) *link.Link {
	t.Helper()
	client, peer := net.Pipe()
	go io.Copy(io.Discard, peer)
	l := link.Wrap(client)
	t.Cleanup(func() { _ = l.Close(); _ = peer.Close() })
	return l
}

type fakeEngine struct {
	sendCalls, recvCalls int
	sendErr, recvErr     error
}

func (f *fakeEngine) Send(sess *Session, files []string) error {
	f.sendCalls++
	sess.Post(ProgressEvent{Event: EventFileComplete, Filename: files[0], BytesDone: 10, BytesTotal: 10})
	return f.sendErr
}

func (f *fakeEngine) Receive(sess *Session, dir string) error {
	f.recvCalls++
	return f.recvErr
}

func TestDispatcherSendRecordsCompletedFiles(t *testing.T) {
	const kind Kind = "FAKE_SEND"
	fe := &fakeEngine{}
	Register(kind, func() Engine { return fe })

	d := NewDispatcher(newTestLink(t), t.TempDir())
	err := d.Send(context.Background(), kind, []string{"a.prg"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fe.sendCalls)
	assert.Equal(t, []string{"a.prg"}, d.CompletedFiles())

	stats := d.LastSnapshot()
	assert.Equal(t, int64(10), stats.BytesDone)
	assert.Equal(t, 1, stats.FilesDone)
	assert.NotEqual(t, uuid.Nil, stats.ID)
}

func TestDispatcherSendRejectsEmptyFileList(t *testing.T) {
	const kind Kind = "FAKE_EMPTY"
	Register(kind, func() Engine { return &fakeEngine{} })

	d := NewDispatcher(newTestLink(t), t.TempDir())
	err := d.Send(context.Background(), kind, nil, nil)
	assert.ErrorIs(t, err, errEmptyFileList)
}

func TestDispatcherReceiveRequiresDownloadDir(t *testing.T) {
	const kind Kind = "FAKE_RECV"
	Register(kind, func() Engine { return &fakeEngine{} })

	d := NewDispatcher(newTestLink(t), "")
	err := d.Receive(context.Background(), kind, ProfileNormal, nil)
	assert.ErrorIs(t, err, errNoDownloadDir)
}

func TestDispatcherUsesLoadedProfiles(t *testing.T) {
	const kind Kind = "FAKE_PROFILE"
	fe := &fakeEngine{}
	Register(kind, func() Engine { return fe })

	d := NewDispatcher(newTestLink(t), t.TempDir())
	d.Profiles[ProfileNormal] = ProfileParams{TimeoutMultiplier: 9}
	assert.Equal(t, 9.0, d.resolve(ProfileNormal).TimeoutMultiplier)
}
