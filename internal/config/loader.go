package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
)

const FileName = "seekr.toml"

// Load reads the TOML file at path on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

// ServerAddr is host:port of the directory server.
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Validate checks if configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}

	durations := map[string]Duration{
		"server.connect_timeout":     c.Server.ConnectTimeout,
		"server.reconnect_delay":     c.Server.ReconnectDelay,
		"server.keep_alive_interval": c.Server.KeepAliveInterval,
		"auth.timeout":               c.Auth.Timeout,
		"search.timeout":             c.Search.Timeout,
		"events.handler_timeout":     c.Events.HandlerTimeout,
	}
	for name, d := range durations {
		if d.Duration <= 0 {
			return fmt.Errorf("invalid %s: %v (must be positive)", name, d)
		}
	}
	if c.Download.IdleTimeout.Duration < 0 {
		return fmt.Errorf("invalid download.idle_timeout: %v (must not be negative)", c.Download.IdleTimeout)
	}

	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("invalid download chunk size: %d", c.Download.ChunkSize)
	}
	if c.Server.MaxFrameSize < protocol.HeaderSize {
		return fmt.Errorf("invalid max frame size: %d", c.Server.MaxFrameSize)
	}
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("invalid protocol table: %w", err)
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history path cannot be empty when history is enabled")
	}
	return nil
}
