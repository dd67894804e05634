package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/dispatch"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn answers every login request through a real dispatcher.
type fakeConn struct {
	d       *dispatch.Dispatcher
	reply   func(user, pass string) *protocol.Message
	sendErr error

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeConn(reply func(user, pass string) *protocol.Message) *fakeConn {
	return &fakeConn{d: dispatch.New(dispatch.Options{Logger: logger.Discard()}), reply: reply}
}

func (f *fakeConn) Register(pred dispatch.Predicate) *dispatch.Wait {
	return f.d.Register(pred)
}

func (f *fakeConn) Send(code protocol.Code, payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	n := f.inFlight.Add(1)
	if n > f.maxSeen.Load() {
		f.maxSeen.Store(n)
	}
	user, pass, err := protocol.DecodeLogin(payload)
	if err != nil {
		return err
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.inFlight.Add(-1)
		if msg := f.reply(user, pass); msg != nil {
			f.d.Dispatch(*msg)
		}
	}()
	return nil
}

var codes = protocol.DefaultCodes()

func acceptPassword(user, pass string) *protocol.Message {
	if pass == "right" {
		return &protocol.Message{Code: codes.LoginAccepted}
	}
	return &protocol.Message{Code: codes.LoginRejected, Payload: protocol.SearchPayload("bad password")}
}

func TestAuthenticateAccepted(t *testing.T) {
	conn := newFakeConn(acceptPassword)
	m := NewManager(conn, codes, logger.Discard())

	require.NoError(t, m.Authenticate(context.Background(), "alice", "right", time.Second))
	assert.Equal(t, "alice", m.Username())
	assert.Equal(t, 0, conn.d.PendingWaits())
}

func TestAuthenticateRejected(t *testing.T) {
	m := NewManager(newFakeConn(acceptPassword), codes, logger.Discard())

	err := m.Authenticate(context.Background(), "alice", "wrong", time.Second)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "bad password")
	assert.Empty(t, m.Username())
}

func TestAuthenticateTimeout(t *testing.T) {
	conn := newFakeConn(func(string, string) *protocol.Message { return nil })
	m := NewManager(conn, codes, logger.Discard())

	err := m.Authenticate(context.Background(), "alice", "right", 30*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrProtocol)
	assert.ErrorIs(t, err, dispatch.ErrTimeout)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 0, conn.d.PendingWaits())
}

func TestAuthenticateIgnoresUnrelatedMessages(t *testing.T) {
	conn := newFakeConn(func(string, string) *protocol.Message {
		return &protocol.Message{Code: codes.SearchResult}
	})
	m := NewManager(conn, codes, logger.Discard())

	err := m.Authenticate(context.Background(), "alice", "right", 30*time.Millisecond)
	assert.ErrorIs(t, err, dispatch.ErrTimeout)
}

func TestAuthenticateSendFailureReleasesGuard(t *testing.T) {
	conn := newFakeConn(acceptPassword)
	conn.sendErr = errors.New("not connected")
	m := NewManager(conn, codes, logger.Discard())

	err := m.Authenticate(context.Background(), "alice", "right", time.Second)
	require.ErrorIs(t, err, protocol.ErrProtocol)
	assert.Equal(t, 0, conn.d.PendingWaits())

	conn.sendErr = nil
	require.NoError(t, m.Authenticate(context.Background(), "alice", "right", time.Second))
}

func TestAuthenticateSerialized(t *testing.T) {
	conn := newFakeConn(acceptPassword)
	m := NewManager(conn, codes, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Authenticate(context.Background(), "alice", "right", time.Second))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), conn.maxSeen.Load())
}
