package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/rudransh-shrivastava/seekr/internal/search"
	"github.com/rudransh-shrivastava/seekr/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out in-memory connections served by serve. Each write on
// the peer side arrives as exactly one read on the client side.
type pipeDialer struct {
	serve func(peer net.Conn, user, path string)
	err   error
}

func (p *pipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	if p.err != nil {
		return nil, p.err
	}
	client, peer := net.Pipe()
	go func() {
		defer func() { _ = peer.Close() }()
		msg, err := readRequest(peer)
		if err != nil {
			return
		}
		user, path, err := protocol.DecodeDownloadRequest(msg.Payload)
		if err != nil {
			return
		}
		p.serve(peer, user, path)
	}()
	return client, nil
}

func readRequest(c net.Conn) (protocol.Message, error) {
	buf := protocol.NewBuffer(0)
	chunk := make([]byte, 512)
	for {
		n, err := c.Read(chunk)
		if err != nil {
			return protocol.Message{}, err
		}
		buf.Write(chunk[:n])
		frames, err := buf.Frames()
		if err != nil {
			return protocol.Message{}, err
		}
		if len(frames) > 0 {
			return protocol.Decode(frames[0])
		}
	}
}

type eventLog struct {
	em     *events.Emitter
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handler(ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) named(name events.Name) []Snapshot {
	l.em.Flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Snapshot
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev.Data.(Snapshot))
		}
	}
	return out
}

func newTestManager(t *testing.T, d transport.Dialer, opts ...Option) (*Manager, *eventLog) {
	t.Helper()
	log := logger.Discard()
	em := events.New(events.Options{Logger: log})
	el := &eventLog{em: em}
	em.OnAny(el.handler)

	opts = append([]Option{WithDialer(d), WithLogger(log), WithEvents(em)}, opts...)
	m := NewManager(opts...)
	t.Cleanup(m.Close)
	return m, el
}

func waitDone(t *testing.T, tr *Transfer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := tr.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestDownloadProgressPrefixSums(t *testing.T) {
	chunks := [][]byte{[]byte("hello "), []byte("peer "), []byte("to "), []byte("peer")}
	d := &pipeDialer{serve: func(peer net.Conn, _, _ string) {
		for _, c := range chunks {
			if _, err := peer.Write(c); err != nil {
				return
			}
		}
	}}
	m, el := newTestManager(t, d)

	dest := filepath.Join(t.TempDir(), "nested", "out.txt")
	tr := m.DownloadFile(Request{User: "alice", RemotePath: "music/a.txt", Host: "127.0.0.1", Port: 2234, Destination: dest})
	require.NoError(t, waitDone(t, tr))

	progress := el.named(events.DownloadProgress)
	require.Len(t, progress, len(chunks))
	var sum int64
	for i, p := range progress {
		sum += int64(len(chunks[i]))
		assert.Equal(t, sum, p.BytesReceived)
		assert.Equal(t, int64(-1), p.TotalBytes)
		assert.Equal(t, InProgress, p.Status)
	}

	snap := tr.Snapshot()
	assert.Equal(t, Completed, snap.Status)
	assert.Equal(t, sum, snap.BytesReceived)
	assert.Len(t, el.named(events.DownloadStarted), 1)
	assert.Len(t, el.named(events.DownloadCompleted), 1)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello peer to peer", string(data))

	_, ok := m.Get(tr.ID())
	assert.False(t, ok, "finished transfer must leave the active set")
}

func TestDownloadConnectFailure(t *testing.T) {
	m, el := newTestManager(t, &pipeDialer{err: errors.New("refused")})

	tr := m.DownloadFile(Request{User: "bob", RemotePath: "x.mp3", Host: "127.0.0.1", Port: 1, Destination: filepath.Join(t.TempDir(), "x.mp3")})
	err := waitDone(t, tr)

	var de *DownloadError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "x.mp3", de.RemotePath)
	assert.Equal(t, "bob", de.User)
	assert.ErrorIs(t, err, transport.ErrConnect)
	assert.Equal(t, Failed, tr.Status())
	assert.Len(t, el.named(events.DownloadFailed), 1)
}

func TestDownloadIdleTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d := &pipeDialer{serve: func(peer net.Conn, _, _ string) { <-block }}
	m, _ := newTestManager(t, d, WithIdleTimeout(30*time.Millisecond))

	tr := m.DownloadFile(Request{User: "bob", RemotePath: "slow.bin", Destination: filepath.Join(t.TempDir(), "slow.bin")})
	err := waitDone(t, tr)

	var de *DownloadError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Failed, tr.Status())
}

func TestCancelInProgressFreezesBytes(t *testing.T) {
	block := make(chan struct{})
	d := &pipeDialer{serve: func(peer net.Conn, _, _ string) {
		_, _ = peer.Write([]byte("first chunk"))
		<-block
		_, _ = peer.Write([]byte("late chunk"))
	}}
	m, el := newTestManager(t, d)

	dest := filepath.Join(t.TempDir(), "c.bin")
	tr := m.DownloadFile(Request{User: "carol", RemotePath: "c.bin", Destination: dest})

	require.Eventually(t, func() bool { return tr.Snapshot().BytesReceived == 11 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, m.Cancel(tr.ID()))
	close(block)

	err := waitDone(t, tr)
	assert.ErrorIs(t, err, ErrCancelled)

	snap := tr.Snapshot()
	assert.Equal(t, Cancelled, snap.Status)
	assert.Equal(t, int64(11), snap.BytesReceived)

	cancelled := el.named(events.DownloadCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, int64(11), cancelled[0].BytesReceived)
	assert.Empty(t, el.named(events.DownloadFailed))
	assert.Empty(t, el.named(events.DownloadCompleted))

	// the file handle is released and holds what arrived before the cancel
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "first chunk", string(data))
}

func TestCancelledTransferWritesNothing(t *testing.T) {
	tr := newTransfer("t1", Request{}, func() {})
	var buf bytes.Buffer

	_, ok, err := tr.writeChunk(&buf, []byte("early"))
	require.NoError(t, err)
	require.True(t, ok)

	tr.status = Cancelled
	_, ok, err = tr.writeChunk(&buf, []byte("late"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "early", buf.String())
	assert.Equal(t, int64(5), tr.Snapshot().BytesReceived)
}

func TestSlowProgressHandlerDoesNotStallTransfer(t *testing.T) {
	d := &pipeDialer{serve: func(peer net.Conn, _, _ string) {
		for range 5 {
			if _, err := peer.Write([]byte("chunk")); err != nil {
				return
			}
		}
	}}
	log := logger.Discard()
	em := events.New(events.Options{Logger: log, HandlerTimeout: time.Hour})
	release := make(chan struct{})
	em.On(events.DownloadProgress, func(events.Event) error {
		<-release
		return nil
	})
	m := NewManager(WithDialer(d), WithLogger(log), WithEvents(em))
	t.Cleanup(m.Close)

	tr := m.DownloadFile(Request{User: "s", RemotePath: "s", Destination: filepath.Join(t.TempDir(), "s")})
	require.NoError(t, waitDone(t, tr))
	assert.Equal(t, int64(25), tr.Snapshot().BytesReceived)

	close(release)
	em.Flush()
}

func TestCancelTerminalOrUnknownIsNoop(t *testing.T) {
	d := &pipeDialer{serve: func(peer net.Conn, _, _ string) {
		_, _ = peer.Write([]byte("done"))
	}}
	m, el := newTestManager(t, d)

	assert.False(t, m.Cancel("does-not-exist"))

	tr := m.DownloadFile(Request{User: "dan", RemotePath: "d", Destination: filepath.Join(t.TempDir(), "d")})
	require.NoError(t, waitDone(t, tr))

	assert.False(t, m.Cancel(tr.ID()))
	assert.Equal(t, Completed, tr.Status())
	assert.Empty(t, el.named(events.DownloadCancelled))
}

func TestTransfersAreIndependent(t *testing.T) {
	d := &pipeDialer{serve: func(peer net.Conn, _, path string) {
		if path == "bad" {
			return
		}
		_, _ = io.WriteString(peer, path)
	}}
	m, _ := newTestManager(t, d, WithIdleTimeout(0))

	dir := t.TempDir()
	good := m.DownloadFile(Request{User: "u", RemotePath: "good", Destination: filepath.Join(dir, "good")})
	bad := m.DownloadFile(Request{User: "u", RemotePath: "bad", Destination: filepath.Join(dir, "bad")})

	require.NoError(t, waitDone(t, good))
	// an empty stream is a complete, empty file
	require.NoError(t, waitDone(t, bad))
	assert.Equal(t, int64(4), good.Snapshot().BytesReceived)
	assert.Equal(t, int64(0), bad.Snapshot().BytesReceived)
}

func TestDownloadFolderFiltersUserAndFolder(t *testing.T) {
	var (
		mu        sync.Mutex
		requested []string
	)
	d := &pipeDialer{serve: func(peer net.Conn, user, path string) {
		mu.Lock()
		requested = append(requested, user+":"+path)
		mu.Unlock()
		_, _ = io.WriteString(peer, path)
	}}
	m, _ := newTestManager(t, d)

	results := []search.Result{
		{User: "A", Folder: "music/", Files: []search.File{{Filename: "one.mp3"}, {Filename: "two.mp3"}}},
		{User: "A", Folder: "other", Files: []search.File{{Filename: "skip.mp3"}}},
		{User: "B", Folder: "music/", Files: []search.File{{Filename: "b.mp3"}}},
	}
	dir := t.TempDir()
	transfers := m.DownloadFolder("A", "music/", "127.0.0.1", 2234, results, dir)
	require.Len(t, transfers, 2)
	for _, tr := range transfers {
		require.NoError(t, waitDone(t, tr))
	}

	mu.Lock()
	sort.Strings(requested)
	assert.Equal(t, []string{"A:music/one.mp3", "A:music/two.mp3"}, requested)
	mu.Unlock()

	assert.Equal(t, filepath.Join(dir, "one.mp3"), transfers[0].Request().Destination)
	data, err := os.ReadFile(filepath.Join(dir, "two.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "music/two.mp3", string(data))
}

func TestDownloadFolderKeepsRelativePaths(t *testing.T) {
	d := &pipeDialer{serve: func(peer net.Conn, _, path string) {
		_, _ = io.WriteString(peer, path)
	}}
	m, _ := newTestManager(t, d)

	results := []search.Result{{User: "A", Folder: "mix", Files: []search.File{
		{Filename: "a/x.mp3"},
		{Filename: "b/x.mp3"},
		{Filename: "../evil.mp3"},
	}}}
	dir := t.TempDir()
	transfers := m.DownloadFolder("A", "mix", "127.0.0.1", 2234, results, dir)
	require.Len(t, transfers, 3)
	for _, tr := range transfers {
		require.NoError(t, waitDone(t, tr))
	}

	assert.Equal(t, filepath.Join(dir, "a", "x.mp3"), transfers[0].Request().Destination)
	assert.Equal(t, filepath.Join(dir, "b", "x.mp3"), transfers[1].Request().Destination)
	assert.Equal(t, filepath.Join(dir, "evil.mp3"), transfers[2].Request().Destination)

	for name, want := range map[string]string{"a/x.mp3": "mix/a/x.mp3", "b/x.mp3": "mix/b/x.mp3"} {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestCloseCancelsActive(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d := &pipeDialer{serve: func(peer net.Conn, _, _ string) { <-block }}
	m, _ := newTestManager(t, d, WithIdleTimeout(0))

	tr := m.DownloadFile(Request{User: "e", RemotePath: "e", Destination: filepath.Join(t.TempDir(), "e")})
	require.Eventually(t, func() bool { return tr.Status() == InProgress }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, m.List(), 1)

	m.Close()
	assert.Equal(t, Cancelled, tr.Status())
	assert.Empty(t, m.List())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "in_progress", InProgress.String())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Connecting.Terminal())
}
