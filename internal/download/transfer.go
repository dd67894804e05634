package download

import (
	"context"
	"io"
	"sync"
	"time"
)

type Status int

const (
	Queued Status = iota
	Connecting
	InProgress
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Connecting:
		return "connecting"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

type Request struct {
	User        string
	RemotePath  string
	Host        string
	Port        int
	Destination string
}

// Snapshot is a copy of a transfer's state at one point in time.
type Snapshot struct {
	ID            string
	User          string
	RemotePath    string
	Destination   string
	Status        Status
	BytesReceived int64
	// TotalBytes is -1 while the size is unknown.
	TotalBytes int64
	// Rate is bytes per second since the transfer started.
	Rate       float64
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Transfer is one file being pulled from one peer. Its state is only changed
// by the manager.
type Transfer struct {
	id     string
	req    Request
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	bytes    int64
	total    int64
	rate     float64
	err      error
	started  time.Time
	finished time.Time
}

func newTransfer(id string, req Request, cancel context.CancelFunc) *Transfer {
	return &Transfer{
		id:     id,
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Queued,
		total:  -1,
	}
}

func (t *Transfer) ID() string {
	return t.id
}

func (t *Transfer) Request() Request {
	return t.req
}

func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Transfer) snapshotLocked() Snapshot {
	return Snapshot{
		ID:            t.id,
		User:          t.req.User,
		RemotePath:    t.req.RemotePath,
		Destination:   t.req.Destination,
		Status:        t.status,
		BytesReceived: t.bytes,
		TotalBytes:    t.total,
		Rate:          t.rate,
		Err:           t.err,
		StartedAt:     t.started,
		FinishedAt:    t.finished,
	}
}

// Done is closed when the transfer reached a terminal status and its
// resources are released.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transfer finishes. It returns nil on completion,
// ErrCancelled after a cancel and a *DownloadError on failure.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case Completed:
		return nil
	case Cancelled:
		return ErrCancelled
	default:
		return t.err
	}
}

// advance moves to next unless the transfer was cancelled meanwhile.
func (t *Transfer) advance(next Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = next
	if next == Connecting {
		t.started = time.Now()
	}
	return true
}

// writeChunk writes p to w and records it. It reports false without writing
// once the transfer is terminal, so nothing lands after a cancel.
func (t *Transfer) writeChunk(w io.Writer, p []byte) (Snapshot, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return Snapshot{}, false, nil
	}
	n, err := w.Write(p)
	t.bytes += int64(n)
	if elapsed := time.Since(t.started).Seconds(); elapsed > 0 {
		t.rate = float64(t.bytes) / elapsed
	}
	if err != nil {
		return Snapshot{}, true, err
	}
	return t.snapshotLocked(), true, nil
}
