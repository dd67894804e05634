// Package session keeps the connection to the directory server alive across
// disconnects and exposes send and wait primitives to the managers.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/dispatch"
	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/rudransh-shrivastava/seekr/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultKeepAliveInterval = 120 * time.Second
)

var ErrClosed = errors.New("session closed")

type Config struct {
	Addr              string
	Dialer            transport.Dialer
	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	KeepAliveInterval time.Duration
	AutoReconnect     bool
	Codes             protocol.Codes
	MaxFrameSize      uint32
	Logger            *logrus.Logger
	Events            *events.Emitter
}

type Session struct {
	cfg        Config
	logger     *logrus.Logger
	events     *events.Emitter
	dispatcher *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	conn         *transport.Conn
	stopped      bool
	reconnecting bool
	keepAlive    bool
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	if cfg.Events == nil {
		cfg.Events = events.New(events.Options{Logger: cfg.Logger})
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if cfg.Dialer == nil {
		// a direct dialer cannot fail to build
		cfg.Dialer, _ = transport.NewDialer(transport.ProxyConfig{}, cfg.ConnectTimeout)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Codes == (protocol.Codes{}) {
		cfg.Codes = protocol.DefaultCodes()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger,
		events: cfg.Events,
		ctx:    ctx,
		cancel: cancel,
	}
	s.dispatcher = dispatch.New(dispatch.Options{
		Logger: cfg.Logger,
		OnError: func(code protocol.Code, err error) {
			s.events.Logf("subscriber for %s failed: %v", cfg.Codes.Name(code), err)
		},
	})
	return s
}

// Connect dials the server and installs the new connection. The keep-alive
// loop is started on the first successful connect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrClosed
	}

	s.logger.Infof("Connecting to %s", s.cfg.Addr)

	var conn *transport.Conn
	handlers := transport.Handlers{
		OnMessage: func(msg protocol.Message) {
			s.logger.Debugf("Received %s (%d bytes)", s.cfg.Codes.Name(msg.Code), len(msg.Payload))
			s.dispatcher.Dispatch(msg)
		},
		OnDisconnect: func(err error) {
			s.handleDisconnect(conn, err)
		},
	}
	conn, err := transport.Dial(ctx, s.cfg.Dialer, s.cfg.Addr, s.cfg.ConnectTimeout, handlers, transport.Options{
		Logger:       s.logger,
		MaxFrameSize: s.cfg.MaxFrameSize,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	old := s.conn
	s.conn = conn
	startKeepAlive := !s.keepAlive
	s.keepAlive = true
	if startKeepAlive {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	conn.Start()

	s.logger.Infof("Connected to %s", s.cfg.Addr)
	s.events.Emit(events.Connected, s.cfg.Addr)

	if startKeepAlive {
		go s.keepAliveLoop()
	}
	return nil
}

func (s *Session) handleDisconnect(conn *transport.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	stopped := s.stopped
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnf("Disconnected from %s: %v", s.cfg.Addr, err)
	} else {
		s.logger.Infof("Disconnected from %s", s.cfg.Addr)
	}
	s.events.Emit(events.Disconnected, err)

	if s.cfg.AutoReconnect && !stopped {
		s.scheduleReconnect()
	}
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnecting || s.stopped {
		return
	}
	s.reconnecting = true
	s.wg.Add(1)
	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	for attempt := 1; ; attempt++ {
		select {
		case <-s.ctx.Done():
			s.clearReconnecting()
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}

		err := s.Connect(s.ctx)
		if errors.Is(err, ErrClosed) {
			s.clearReconnecting()
			return
		}
		if err != nil {
			s.logger.Warnf("Reconnect attempt %d failed: %v", attempt, err)
			s.events.Logf("reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		s.mu.Lock()
		// the new connection may already have dropped while we held the flag
		if s.conn != nil || s.stopped {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Session) clearReconnecting() {
	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
}

func (s *Session) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := s.Send(s.cfg.Codes.KeepAlive, nil)
			switch {
			case err == nil:
				s.logger.Debugf("Sent keep-alive to %s", s.cfg.Addr)
			case errors.Is(err, transport.ErrNotConnected):
				s.logger.Debugf("Skipping keep-alive, not connected")
			default:
				s.logger.Warnf("Failed to send keep-alive: %v", err)
			}
		}
	}
}

// Close stops reconnection and keep-alive and closes the connection. It is
// safe to call when never connected.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send encodes and writes one frame on the current connection.
func (s *Session) Send(code protocol.Code, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	return conn.Send(protocol.Encode(code, payload))
}

func (s *Session) Register(pred dispatch.Predicate) *dispatch.Wait {
	return s.dispatcher.Register(pred)
}

func (s *Session) WaitFor(ctx context.Context, pred dispatch.Predicate, timeout time.Duration) (protocol.Message, error) {
	return s.dispatcher.WaitFor(ctx, pred, timeout)
}

func (s *Session) Subscribe(code protocol.Code, h dispatch.Handler) func() {
	return s.dispatcher.Subscribe(code, h)
}

func (s *Session) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

func (s *Session) Codes() protocol.Codes {
	return s.cfg.Codes
}

func (s *Session) Events() *events.Emitter {
	return s.events
}
