package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

const DefaultConnectTimeout = 10 * time.Second

// Dialer opens TCP connections to the directory server and to peers.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type ProxyConfig struct {
	// Address of a SOCKS5 proxy. Empty means dial directly.
	Address  string
	Username string
	Password string
}

// NewDialer returns a direct dialer, or a SOCKS5 dialer when a proxy address
// is configured.
func NewDialer(cfg ProxyConfig, timeout time.Duration) (Dialer, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	direct := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if cfg.Address == "" {
		return direct, nil
	}

	var auth *proxy.Auth
	if cfg.Username != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}
	d, err := proxy.SOCKS5("tcp", cfg.Address, auth, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer for %s: %w", cfg.Address, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", cfg.Address)
	}
	return cd, nil
}

func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprint(port))
}
