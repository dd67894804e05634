package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/auth"
	"github.com/rudransh-shrivastava/seekr/internal/directory"
	"github.com/rudransh-shrivastava/seekr/internal/download"
	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/search"
	"github.com/rudransh-shrivastava/seekr/internal/share"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type network struct {
	dir       *directory.Server
	share     *share.Server
	shareHost string
	sharePort int
}

func setupNetwork(t *testing.T) *network {
	t.Helper()
	log := logger.Discard()

	root := t.TempDir()
	album := filepath.Join(root, "Music", "Album")
	require.NoError(t, os.MkdirAll(album, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(album, "one.mp3"), []byte("first track"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(album, "two.mp3"), []byte("second track"), 0o644))

	entries, err := directory.ScanDir(root, "alice")
	require.NoError(t, err)

	dir, err := directory.NewServer(directory.Config{
		Addr:   "127.0.0.1:0",
		Users:  map[string]string{"bob": "hunter2"},
		Logger: log,
	}, directory.NewCatalog(entries...))
	require.NoError(t, err)

	sh, err := share.NewServer(share.Config{Addr: "127.0.0.1:0", Root: root, User: "alice", Logger: log})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = dir.Start(ctx) }()
	go func() { _ = sh.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = dir.Shutdown()
		_ = sh.Shutdown()
	})

	host, portStr, err := net.SplitHostPort(sh.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &network{dir: dir, share: sh, shareHost: host, sharePort: port}
}

type recorder struct {
	em     *events.Emitter
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) names() []events.Name {
	r.em.Flush()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Name, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

func (r *recorder) logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Name == events.Log {
			out = append(out, ev.Data.(string))
		}
	}
	return out
}

func newClient(t *testing.T, cfg Config) (*Client, *recorder) {
	t.Helper()
	cfg.Logger = logger.Discard()
	c := New(cfg)
	rec := &recorder{em: c.Events()}
	c.OnAny(rec.handle)
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func TestClientEndToEnd(t *testing.T) {
	n := setupNetwork(t)
	c, rec := newClient(t, Config{ServerAddr: n.dir.Addr(), IdleTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())
	require.NoError(t, c.Authenticate(ctx, "bob", "hunter2"))
	assert.Equal(t, "bob", c.Username())

	results, err := search.Collect(ctx, c.Search("album mp3", 300*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alice", results[0].User)
	assert.Equal(t, "Music/Album", results[0].Folder)
	assert.Len(t, results[0].Files, 2)

	dest := t.TempDir()
	transfers := c.DownloadFolder("alice", "Music/Album", n.shareHost, n.sharePort, results, dest)
	require.Len(t, transfers, 2)
	for _, tr := range transfers {
		require.NoError(t, tr.Wait(ctx))
	}

	data, err := os.ReadFile(filepath.Join(dest, "two.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "second track", string(data))
	assert.Empty(t, c.Downloads())

	names := rec.names()
	assert.Contains(t, names, events.Connected)
	assert.Contains(t, names, events.AuthSucceeded)
	assert.Contains(t, names, events.SearchResult)
	assert.Contains(t, names, events.DownloadCompleted)
}

func TestClientAuthFailure(t *testing.T) {
	n := setupNetwork(t)
	c, rec := newClient(t, Config{ServerAddr: n.dir.Addr()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	err := c.Authenticate(ctx, "bob", "wrong")
	require.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	assert.Contains(t, rec.names(), events.AuthFailed)
	assert.Empty(t, c.Username())
}

func TestClientReportsServerDownloadErrors(t *testing.T) {
	n := setupNetwork(t)
	c, rec := newClient(t, Config{ServerAddr: n.dir.Addr()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Authenticate(ctx, "bob", "hunter2"))

	require.Equal(t, 1, n.dir.FailDownload("alice", "Music/Album/one.mp3", "peer offline"))
	require.Eventually(t, func() bool { return len(rec.logs()) > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.logs()[0], "peer offline")
}

func TestClientCancel(t *testing.T) {
	n := setupNetwork(t)
	c, _ := newClient(t, Config{ServerAddr: n.dir.Addr()})

	tr := c.DownloadFile(download.Request{
		User:        "alice",
		RemotePath:  "Music/Album/missing.mp3",
		Host:        n.shareHost,
		Port:        n.sharePort,
		Destination: filepath.Join(t.TempDir(), "missing.mp3"),
	})
	c.Cancel(tr.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := tr.Wait(ctx)
	require.Error(t, err)
	assert.True(t, tr.Status().Terminal())
}

func TestClientSimulate(t *testing.T) {
	c, rec := newClient(t, Config{ServerAddr: "nowhere:1", Simulate: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())

	start := time.Now()
	require.NoError(t, c.Authenticate(ctx, "demo", "demo"))
	assert.GreaterOrEqual(t, time.Since(start), simulatedLoginDelay)

	results, err := search.Collect(ctx, c.Search("anything", time.Second))
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "anything", r.Query)
		assert.Equal(t, "Music/Albums/FakeAlbum", r.Folder)
		assert.Equal(t, 12345, r.Port)
		require.Len(t, r.Files, 2)
		assert.Equal(t, int64(3_000_000), r.Files[0].Size)
	}

	names := rec.names()
	assert.Contains(t, names, events.Connected)
	assert.Contains(t, names, events.AuthSucceeded)
}
