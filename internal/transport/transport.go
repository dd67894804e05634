package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/sirupsen/logrus"
)

const DefaultReadBufferSize = 4096

var (
	ErrConnect          = errors.New("connection failed")
	ErrConnectionClosed = errors.New("connection closed by peer")
	ErrNotConnected     = errors.New("not connected to server")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Handlers are invoked from the receive goroutine. OnMessage is called once
// per frame in arrival order. OnDisconnect is called exactly once, with nil
// when the connection was closed by Close.
type Handlers struct {
	OnMessage    func(protocol.Message)
	OnDisconnect func(error)
}

type Options struct {
	Logger         *logrus.Logger
	ReadBufferSize int
	MaxFrameSize   uint32
}

// Conn is a framed connection to the directory server.
type Conn struct {
	nc       net.Conn
	handlers Handlers
	logger   *logrus.Logger
	readSize int
	maxFrame uint32

	state     atomic.Int32
	closing   atomic.Bool
	started   atomic.Bool
	writeMu   sync.Mutex
	closeOnce sync.Once
	discOnce  sync.Once
	done      chan struct{}
}

// Dial opens a connection to addr. The receive loop is not running until
// Start is called.
func Dial(ctx context.Context, dialer Dialer, addr string, timeout time.Duration, h Handlers, opts Options) (*Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}
	return NewConn(nc, h, opts), nil
}

// NewConn wraps an established socket.
func NewConn(nc net.Conn, h Handlers, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	c := &Conn{
		nc:       nc,
		handlers: h,
		logger:   opts.Logger,
		readSize: opts.ReadBufferSize,
		maxFrame: opts.MaxFrameSize,
		done:     make(chan struct{}),
	}
	c.state.Store(int32(Connected))
	return c
}

// Start launches the receive loop. Calling it more than once has no effect.
func (c *Conn) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.recvLoop()
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Done is closed once the connection is finished and the disconnect handler
// has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes one encoded frame. Concurrent calls are serialized.
func (c *Conn) Send(frame []byte) error {
	if c.State() != Connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.nc.Write(frame); err != nil {
		if c.State() != Connected {
			return ErrNotConnected
		}
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close releases the socket and runs the disconnect handler with a nil error
// unless the connection already went down. It is safe to call twice.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.state.CompareAndSwap(int32(Connected), int32(Closing))

	err := c.closeSocket()
	c.finish(nil)
	return err
}

func (c *Conn) closeSocket() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) recvLoop() {
	buf := protocol.NewBuffer(c.maxFrame)
	chunk := make([]byte, c.readSize)

	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			frames, ferr := buf.Frames()
			for _, frame := range frames {
				msg, derr := protocol.Decode(frame)
				if derr != nil {
					c.finish(derr)
					return
				}
				if c.handlers.OnMessage != nil {
					c.handlers.OnMessage(msg)
				}
			}
			if ferr != nil {
				c.logger.Warnf("Dropping connection to %s: %v", c.RemoteAddr(), ferr)
				c.finish(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrConnectionClosed
			} else {
				err = fmt.Errorf("receive failed: %w", err)
			}
			c.finish(err)
			return
		}
	}
}

func (c *Conn) finish(cause error) {
	c.discOnce.Do(func() {
		if c.closing.Load() {
			cause = nil
		}
		c.state.Store(int32(Disconnected))
		_ = c.closeSocket()

		if cause != nil {
			c.logger.Debugf("Connection to %s lost: %v", c.RemoteAddr(), cause)
		}
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(cause)
		}
		close(c.done)
	})
}
