// Package download pulls files from peers over direct connections.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/rudransh-shrivastava/seekr/internal/search"
	"github.com/rudransh-shrivastava/seekr/internal/transport"
	"github.com/sirupsen/logrus"
)

type Manager struct {
	config Config
	logger *logrus.Logger
	events *events.Emitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Transfer
}

func NewManager(opts ...Option) *Manager {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	if cfg.Events == nil {
		cfg.Events = events.New(events.Options{Logger: cfg.Logger})
	}
	if cfg.Dialer == nil {
		cfg.Dialer, _ = transport.NewDialer(transport.ProxyConfig{}, cfg.ConnectTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: cfg,
		logger: cfg.Logger,
		events: cfg.Events,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*Transfer),
	}
}

// DownloadFile starts pulling one file and returns immediately.
func (m *Manager) DownloadFile(req Request) *Transfer {
	ctx, cancel := context.WithCancel(m.ctx)
	t := newTransfer(uuid.NewString(), req, cancel)

	m.mu.Lock()
	m.active[t.id] = t
	m.mu.Unlock()

	m.logger.Infof("Queued download %s: %s from %s", t.id, req.RemotePath, req.User)
	m.events.Emit(events.DownloadStarted, t.Snapshot())

	m.wg.Add(1)
	go m.run(ctx, t)
	return t
}

// DownloadFolder downloads every file of folder that user offers in results.
// Results for other users or folders are skipped.
func (m *Manager) DownloadFolder(user, folder, host string, port int, results []search.Result, destDir string) []*Transfer {
	var transfers []*Transfer
	for _, r := range results {
		if r.User != user || r.Folder != folder {
			continue
		}
		for _, f := range r.Files {
			transfers = append(transfers, m.DownloadFile(Request{
				User:        user,
				RemotePath:  strings.ReplaceAll(r.Folder+"/"+f.Filename, "//", "/"),
				Host:        host,
				Port:        port,
				Destination: localDestination(destDir, f.Filename),
			}))
		}
	}
	return transfers
}

// localDestination keeps the folder layout of name under dir. Names that would
// escape dir are flattened to their base.
func localDestination(dir, name string) string {
	rel := filepath.FromSlash(name)
	if filepath.IsLocal(rel) {
		return filepath.Join(dir, rel)
	}
	return filepath.Join(dir, filepath.Base(rel))
}

// Cancel aborts a running transfer. Unknown ids and finished transfers are
// ignored. It reports whether a transfer was cancelled.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.status = Cancelled
	t.finished = time.Now()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	// closes the peer socket, unblocking a pending read
	t.cancel()

	m.logger.Infof("Cancelled download %s at %d bytes", id, snap.BytesReceived)
	m.events.Emit(events.DownloadCancelled, snap)
	return true
}

func (m *Manager) Get(id string) (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	return t, ok
}

// List returns the transfers that have not finished yet, oldest first.
func (m *Manager) List() []*Transfer {
	m.mu.Lock()
	list := make([]*Transfer, 0, len(m.active))
	for _, t := range m.active {
		list = append(list, t)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Snapshot().StartedAt.Before(list[j].Snapshot().StartedAt)
	})
	return list
}

// Close cancels all transfers and waits for them to release their files.
func (m *Manager) Close() {
	for _, t := range m.List() {
		m.Cancel(t.id)
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, t *Transfer) {
	defer m.wg.Done()
	defer t.cancel()

	err := m.transfer(ctx, t)
	m.finish(t, err)

	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	close(t.done)
}

func (m *Manager) transfer(ctx context.Context, t *Transfer) error {
	if !t.advance(Connecting) {
		return ErrCancelled
	}

	addr := transport.JoinHostPort(t.req.Host, t.req.Port)
	dialCtx, cancelDial := context.WithTimeout(ctx, m.config.ConnectTimeout)
	nc, err := m.config.Dialer.DialContext(dialCtx, "tcp", addr)
	cancelDial()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", transport.ErrConnect, addr, err)
	}
	defer func() { _ = nc.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	frame := protocol.Encode(m.config.Codes.DownloadReq, protocol.DownloadRequestPayload(t.req.User, t.req.RemotePath))
	if _, err := nc.Write(frame); err != nil {
		return fmt.Errorf("sending download request: %w", err)
	}

	if !t.advance(InProgress) {
		return ErrCancelled
	}

	if dir := filepath.Dir(t.req.Destination); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating destination directory: %w", err)
		}
	}
	f, err := os.Create(t.req.Destination)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, m.config.ChunkSize)
	for {
		if m.config.IdleTimeout > 0 {
			_ = nc.SetReadDeadline(time.Now().Add(m.config.IdleTimeout))
		}
		n, rerr := nc.Read(buf)
		if n > 0 {
			snap, ok, err := t.writeChunk(f, buf[:n])
			if err != nil {
				return fmt.Errorf("writing destination: %w", err)
			}
			if !ok {
				return ErrCancelled
			}
			m.events.Emit(events.DownloadProgress, snap)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("reading from peer: %w", rerr)
		}
	}
}

func (m *Manager) finish(t *Transfer, err error) {
	t.mu.Lock()
	if t.status == Cancelled {
		t.mu.Unlock()
		return
	}
	t.finished = time.Now()
	switch {
	case err == nil:
		t.status = Completed
	case errors.Is(err, ErrCancelled):
		// stopped by Close rather than Cancel
		t.status = Cancelled
		snap := t.snapshotLocked()
		t.mu.Unlock()
		m.events.Emit(events.DownloadCancelled, snap)
		return
	default:
		t.status = Failed
		t.err = &DownloadError{ID: t.id, User: t.req.User, RemotePath: t.req.RemotePath, Err: err}
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if err == nil {
		m.logger.Infof("Download %s completed: %s (%d bytes)", t.id, t.req.RemotePath, snap.BytesReceived)
		m.events.Emit(events.DownloadCompleted, snap)
		return
	}
	m.logger.Warnf("Download %s failed: %v", t.id, err)
	m.events.Emit(events.DownloadFailed, snap)
}
