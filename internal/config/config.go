package config

import (
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/protocol"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Auth     AuthConfig     `toml:"auth"`
	Search   SearchConfig   `toml:"search"`
	Download DownloadConfig `toml:"download"`
	Protocol protocol.Codes `toml:"protocol"`
	Events   EventsConfig   `toml:"events"`
	History  HistoryConfig  `toml:"history"`
	Log      LogConfig      `toml:"log"`
	Serve    ServeConfig    `toml:"serve"`
}

// ServerConfig describes the directory server connection.
type ServerConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	ConnectTimeout    Duration `toml:"connect_timeout"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	KeepAliveInterval Duration `toml:"keep_alive_interval"`
	AutoReconnect     bool     `toml:"auto_reconnect"`
	MaxFrameSize      uint32   `toml:"max_frame_size"`
}

// ProxyConfig routes server and peer connections through SOCKS5.
type ProxyConfig struct {
	Address  string `toml:"address"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type AuthConfig struct {
	Timeout Duration `toml:"timeout"`
}

type SearchConfig struct {
	Timeout Duration `toml:"timeout"`
}

type DownloadConfig struct {
	Dir         string   `toml:"dir"`
	ChunkSize   int      `toml:"chunk_size"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

type EventsConfig struct {
	HandlerTimeout Duration `toml:"handler_timeout"`
}

// HistoryConfig controls the sqlite transfer history.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServeConfig is used by the local directory and share servers.
type ServeConfig struct {
	DirectoryAddr string            `toml:"directory_addr"`
	ShareAddr     string            `toml:"share_addr"`
	ShareRoot     string            `toml:"share_root"`
	ShareUser     string            `toml:"share_user"`
	Users         map[string]string `toml:"users"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
