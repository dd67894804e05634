// Package share serves local files to peers over direct connections.
package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultChunkSize      = 64 * 1024
)

var (
	ErrNotShared = errors.New("file not shared")
	ErrWrongUser = errors.New("request for another user")
)

type Config struct {
	Addr string
	Root string
	// User is the name peers ask for. Requests naming anyone else are
	// refused.
	User           string
	Codes          protocol.Codes
	RequestTimeout time.Duration
	ChunkSize      int
	Logger         *logrus.Logger
}

type Server struct {
	config Config
	logger *logrus.Logger
	ln     net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	if cfg.Codes == (protocol.Codes{}) {
		cfg.Codes = protocol.DefaultCodes()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}
	return &Server{
		config: cfg,
		logger: cfg.Logger,
		ln:     ln,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down share server")
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Sharing %s as %s on %s", s.config.Root, s.config.User, s.Addr())
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

		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handlePeer(nc)
	}
}

func (s *Server) handlePeer(nc net.Conn) {
	remote := nc.RemoteAddr().String()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		s.wg.Done()
	}()

	n, err := s.serve(nc)
	if err != nil {
		s.logger.Warnf("Refusing %s: %v", remote, err)
		reset(nc)
		return
	}
	s.logger.Infof("Sent %d bytes to %s", n, remote)
	_ = nc.Close()
}

func (s *Server) serve(nc net.Conn) (int64, error) {
	_ = nc.SetReadDeadline(time.Now().Add(s.config.RequestTimeout))
	msg, err := readRequest(nc)
	if err != nil {
		return 0, fmt.Errorf("reading request: %w", err)
	}
	if msg.Code != s.config.Codes.DownloadReq {
		return 0, fmt.Errorf("%w: unexpected %s", protocol.ErrProtocol, s.config.Codes.Name(msg.Code))
	}
	user, remotePath, err := protocol.DecodeDownloadRequest(msg.Payload)
	if err != nil {
		return 0, fmt.Errorf("decoding request: %w", err)
	}
	if user != s.config.User {
		return 0, fmt.Errorf("%w: %s", ErrWrongUser, user)
	}

	local, err := s.resolve(remotePath)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNotShared, remotePath)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s", ErrNotShared, remotePath)
	}

	_ = nc.SetReadDeadline(time.Time{})
	s.logger.Infof("Serving %s (%d bytes) to %s", remotePath, info.Size(), nc.RemoteAddr())
	n, err := io.CopyBuffer(nc, f, make([]byte, s.config.ChunkSize))
	if err != nil {
		return n, fmt.Errorf("sending %s: %w", remotePath, err)
	}
	return n, nil
}

// resolve maps a slash separated remote path to a file under the root.
func (s *Server) resolve(remotePath string) (string, error) {
	rel := filepath.FromSlash(strings.TrimLeft(remotePath, "/"))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrNotShared, remotePath)
	}
	return filepath.Join(s.config.Root, rel), nil
}

func readRequest(nc net.Conn) (protocol.Message, error) {
	buf := protocol.NewBuffer(protocol.MaxStringSize * 4)
	chunk := make([]byte, 1024)
	for {
		n, err := nc.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			frames, ferr := buf.Frames()
			if len(frames) > 0 {
				return protocol.Decode(frames[0])
			}
			if ferr != nil {
				return protocol.Message{}, ferr
			}
		}
		if err != nil {
			return protocol.Message{}, err
		}
	}
}

// reset closes nc without a graceful shutdown so the peer sees an error
// instead of an empty file.
func reset(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = nc.Close()
}
