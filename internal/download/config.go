package download

import (
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/rudransh-shrivastava/seekr/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultChunkSize   = 64 * 1024
	DefaultIdleTimeout = 60 * time.Second
)

type Config struct {
	Dialer         transport.Dialer
	ConnectTimeout time.Duration
	// IdleTimeout bounds each read from the peer. Zero disables it.
	IdleTimeout time.Duration
	ChunkSize   int
	Codes       protocol.Codes
	Logger      *logrus.Logger
	Events      *events.Emitter
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: transport.DefaultConnectTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		ChunkSize:      DefaultChunkSize,
		Codes:          protocol.DefaultCodes(),
	}
}

type Option func(*Config)

func WithDialer(d transport.Dialer) Option {
	return func(c *Config) {
		if d != nil {
			c.Dialer = d
		}
	}
}

func WithChunkSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ChunkSize = n
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ConnectTimeout = d
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.IdleTimeout = d
	}
}

func WithCodes(codes protocol.Codes) Option {
	return func(c *Config) {
		c.Codes = codes
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func WithEvents(em *events.Emitter) Option {
	return func(c *Config) {
		c.Events = em
	}
}
