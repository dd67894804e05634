package client

import (
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/config"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/rudransh-shrivastava/seekr/internal/transport"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServerAddr string
	// Dialer is used for the server and for peers. Nil dials directly.
	Dialer transport.Dialer

	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	KeepAliveInterval time.Duration
	AutoReconnect     bool
	MaxFrameSize      uint32
	Codes             protocol.Codes

	AuthTimeout    time.Duration
	SearchTimeout  time.Duration
	ChunkSize      int
	// IdleTimeout of zero lets a silent peer hold a transfer open.
	IdleTimeout    time.Duration
	HandlerTimeout time.Duration

	// Simulate answers every call locally without any network traffic.
	Simulate bool
	Logger   *logrus.Logger
}

// FromConfig builds a client Config from a loaded configuration file.
func FromConfig(cfg *config.Config, log *logrus.Logger) (Config, error) {
	dialer, err := transport.NewDialer(transport.ProxyConfig{
		Address:  cfg.Proxy.Address,
		Username: cfg.Proxy.Username,
		Password: cfg.Proxy.Password,
	}, cfg.Server.ConnectTimeout.Duration)
	if err != nil {
		return Config{}, fmt.Errorf("creating dialer: %w", err)
	}

	return Config{
		ServerAddr:        cfg.ServerAddr(),
		Dialer:            dialer,
		ConnectTimeout:    cfg.Server.ConnectTimeout.Duration,
		ReconnectDelay:    cfg.Server.ReconnectDelay.Duration,
		KeepAliveInterval: cfg.Server.KeepAliveInterval.Duration,
		AutoReconnect:     cfg.Server.AutoReconnect,
		MaxFrameSize:      cfg.Server.MaxFrameSize,
		Codes:             cfg.Protocol,
		AuthTimeout:       cfg.Auth.Timeout.Duration,
		SearchTimeout:     cfg.Search.Timeout.Duration,
		ChunkSize:         cfg.Download.ChunkSize,
		IdleTimeout:       cfg.Download.IdleTimeout.Duration,
		HandlerTimeout:    cfg.Events.HandlerTimeout.Duration,
		Logger:            log,
	}, nil
}
