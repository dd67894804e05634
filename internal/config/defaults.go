package config

import (
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/protocol"
)

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "server.slsknet.org",
			Port:              2242,
			ConnectTimeout:    Duration{10 * time.Second},
			ReconnectDelay:    Duration{3 * time.Second},
			KeepAliveInterval: Duration{120 * time.Second},
			AutoReconnect:     true,
			MaxFrameSize:      protocol.MaxFrameSize,
		},
		Auth: AuthConfig{
			Timeout: Duration{10 * time.Second},
		},
		Search: SearchConfig{
			Timeout: Duration{30 * time.Second},
		},
		Download: DownloadConfig{
			Dir:         "downloads",
			ChunkSize:   64 * 1024,
			IdleTimeout: Duration{60 * time.Second},
		},
		Protocol: protocol.DefaultCodes(),
		Events: EventsConfig{
			HandlerTimeout: Duration{5 * time.Second},
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "seekr.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
		},
		Serve: ServeConfig{
			DirectoryAddr: "127.0.0.1:2242",
			ShareAddr:     "127.0.0.1:2234",
			ShareRoot:     "shared",
			ShareUser:     "local",
		},
	}
}
