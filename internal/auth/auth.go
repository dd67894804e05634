package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/dispatch"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 10 * time.Second

var ErrAuthenticationFailed = errors.New("authentication failed")

// Conn is the part of the session the login handshake needs.
type Conn interface {
	Register(pred dispatch.Predicate) *dispatch.Wait
	Send(code protocol.Code, payload []byte) error
}

type Manager struct {
	conn   Conn
	codes  protocol.Codes
	logger *logrus.Logger

	// held for the whole handshake
	mu sync.Mutex

	userMu   sync.RWMutex
	username string
}

func NewManager(conn Conn, codes protocol.Codes, log *logrus.Logger) *Manager {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Manager{conn: conn, codes: codes, logger: log}
}

// Authenticate sends a login request and waits for the server's verdict.
// Only one login runs at a time. A rejection returns ErrAuthenticationFailed;
// a timeout or any other failure returns an error wrapping
// protocol.ErrProtocol.
func (m *Manager) Authenticate(ctx context.Context, username, password string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	m.logger.Infof("Logging in as %s", username)

	w := m.conn.Register(dispatch.MatchCodes(m.codes.LoginAccepted, m.codes.LoginRejected))
	if err := m.conn.Send(m.codes.LoginRequest, protocol.LoginPayload(username, password)); err != nil {
		w.Cancel()
		return fmt.Errorf("%w: sending login request: %w", protocol.ErrProtocol, err)
	}

	msg, err := w.Wait(ctx, timeout)
	if err != nil {
		return fmt.Errorf("%w: waiting for login reply: %w", protocol.ErrProtocol, err)
	}

	switch msg.Code {
	case m.codes.LoginAccepted:
		m.userMu.Lock()
		m.username = username
		m.userMu.Unlock()
		m.logger.Infof("Logged in as %s", username)
		return nil
	case m.codes.LoginRejected:
		if reason, err := protocol.NewReader(msg.Payload).String(); err == nil && reason != "" {
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reason)
		}
		return ErrAuthenticationFailed
	default:
		return fmt.Errorf("%w: unexpected %s during login", protocol.ErrProtocol, m.codes.Name(msg.Code))
	}
}

// Username returns the last user accepted by the server.
func (m *Manager) Username() string {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	return m.username
}
