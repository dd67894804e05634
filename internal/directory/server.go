// Package directory is a small directory server speaking the client
// protocol. It is used to run the client against a local network.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/rudransh-shrivastava/seekr/internal/transport"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Addr  string
	Codes protocol.Codes
	// Users maps username to password. An empty map accepts every login.
	Users        map[string]string
	MaxFrameSize uint32
	Logger       *logrus.Logger
}

// client is the server side of one connected user.
type client struct {
	conn *transport.Conn

	mu   sync.Mutex
	user string
}

func (c *client) username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

type Server struct {
	config  Config
	logger  *logrus.Logger
	ln      net.Listener
	catalog *Catalog

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func NewServer(cfg Config, catalog *Catalog) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	if cfg.Codes == (protocol.Codes{}) {
		cfg.Codes = protocol.DefaultCodes()
	}
	if catalog == nil {
		catalog = NewCatalog()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}

	return &Server{
		config:  cfg,
		logger:  cfg.Logger,
		ln:      ln,
		catalog: catalog,
		clients: make(map[*client]struct{}),
	}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Catalog() *Catalog {
	return s.catalog
}

// Shutdown stops accepting, drops every client and waits for their
// handlers to finish.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down directory server")
	err := s.ln.Close()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	s.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Start accepts clients until ctx is done or the server is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Directory server started on %s", s.Addr())
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Errorf("Failed to accept connection: %v", err)
			continue
		}
		s.handleClient(nc)
	}
}

func (s *Server) handleClient(nc net.Conn) {
	c := &client{}
	remote := nc.RemoteAddr().String()

	s.wg.Add(1)
	c.conn = transport.NewConn(nc, transport.Handlers{
		OnMessage: func(msg protocol.Message) {
			s.handleMessage(c, msg)
		},
		OnDisconnect: func(err error) {
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
			s.logger.Infof("Client %s disconnected", remote)
			s.wg.Done()
		},
	}, transport.Options{Logger: s.logger, MaxFrameSize: s.config.MaxFrameSize})

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Infof("Client %s connected", remote)
	c.conn.Start()
}

func (s *Server) handleMessage(c *client, msg protocol.Message) {
	codes := s.config.Codes
	switch msg.Code {
	case codes.LoginRequest:
		s.handleLogin(c, msg.Payload)
	case codes.SearchRequest:
		s.handleSearch(c, msg.Payload)
	case codes.KeepAlive:
		s.logger.Debugf("Keep-alive from %s", c.conn.RemoteAddr())
	default:
		s.logger.Warnf("Unhandled message %s from %s", codes.Name(msg.Code), c.conn.RemoteAddr())
	}
}

func (s *Server) handleLogin(c *client, payload []byte) {
	user, pass, err := protocol.DecodeLogin(payload)
	if err != nil {
		s.logger.Warnf("Malformed login from %s: %v", c.conn.RemoteAddr(), err)
		s.reply(c, s.config.Codes.LoginRejected, new(protocol.Writer).String("malformed login").Bytes())
		return
	}

	if want, ok := s.config.Users[user]; len(s.config.Users) > 0 && (!ok || want != pass) {
		s.logger.Infof("Rejected login for %s", user)
		s.reply(c, s.config.Codes.LoginRejected, new(protocol.Writer).String("invalid username or password").Bytes())
		return
	}

	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	s.logger.Infof("Accepted login for %s", user)
	s.reply(c, s.config.Codes.LoginAccepted, new(protocol.Writer).String("welcome "+user).Bytes())
}

func (s *Server) handleSearch(c *client, payload []byte) {
	if c.username() == "" {
		s.logger.Warnf("Ignoring search from %s before login", c.conn.RemoteAddr())
		return
	}
	query, err := protocol.DecodeSearch(payload)
	if err != nil {
		s.logger.Warnf("Malformed search from %s: %v", c.conn.RemoteAddr(), err)
		return
	}

	replies := s.catalog.Match(query)
	s.logger.Infof("Search %q from %s: %d folders", query, c.username(), len(replies))
	for _, r := range replies {
		if !s.reply(c, s.config.Codes.SearchResult, r.Encode()) {
			return
		}
	}
}

// FailDownload tells every logged in client that a transfer of remotePath
// from user cannot be arranged. It returns the number of clients notified.
func (s *Server) FailDownload(user, remotePath, reason string) int {
	payload := protocol.DownloadError{User: user, RemotePath: remotePath, Reason: reason}.Encode()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range clients {
		if c.username() == "" {
			continue
		}
		if s.reply(c, s.config.Codes.DownloadFailed, payload) {
			sent++
		}
	}
	return sent
}

func (s *Server) reply(c *client, code protocol.Code, payload []byte) bool {
	if err := c.conn.Send(protocol.Encode(code, payload)); err != nil {
		s.logger.Debugf("Failed to send %s to %s: %v", s.config.Codes.Name(code), c.conn.RemoteAddr(), err)
		return false
	}
	return true
}
