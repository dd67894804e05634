// Package client ties the session, login, search and download managers
// together behind one handle.
package client

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/auth"
	"github.com/rudransh-shrivastava/seekr/internal/download"
	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"github.com/rudransh-shrivastava/seekr/internal/search"
	"github.com/rudransh-shrivastava/seekr/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	simulatedLoginDelay  = 200 * time.Millisecond
	simulatedResultDelay = 100 * time.Millisecond
)

type Client struct {
	config Config
	logger *logrus.Logger
	events *events.Emitter

	session   *session.Session
	auth      *auth.Manager
	search    *search.Manager
	downloads *download.Manager

	offDownloadErr func()
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	if cfg.Codes == (protocol.Codes{}) {
		cfg.Codes = protocol.DefaultCodes()
	}

	em := events.New(events.Options{Logger: cfg.Logger, HandlerTimeout: cfg.HandlerTimeout})
	sess := session.New(session.Config{
		Addr:              cfg.ServerAddr,
		Dialer:            cfg.Dialer,
		ConnectTimeout:    cfg.ConnectTimeout,
		ReconnectDelay:    cfg.ReconnectDelay,
		KeepAliveInterval: cfg.KeepAliveInterval,
		AutoReconnect:     cfg.AutoReconnect,
		Codes:             cfg.Codes,
		MaxFrameSize:      cfg.MaxFrameSize,
		Logger:            cfg.Logger,
		Events:            em,
	})

	dl := download.NewManager(
		download.WithDialer(cfg.Dialer),
		download.WithConnectTimeout(cfg.ConnectTimeout),
		download.WithIdleTimeout(cfg.IdleTimeout),
		download.WithChunkSize(cfg.ChunkSize),
		download.WithCodes(cfg.Codes),
		download.WithLogger(cfg.Logger),
		download.WithEvents(em),
	)

	c := &Client{
		config:    cfg,
		logger:    cfg.Logger,
		events:    em,
		session:   sess,
		auth:      auth.NewManager(sess, cfg.Codes, cfg.Logger),
		search:    search.NewManager(sess, cfg.Codes, em, cfg.Logger),
		downloads: dl,
	}
	c.offDownloadErr = sess.Subscribe(cfg.Codes.DownloadFailed, c.handleDownloadError)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	if c.config.Simulate {
		c.logger.Info("Simulate mode: pretending to connect")
		c.events.Emit(events.Connected, c.config.ServerAddr)
		return nil
	}
	return c.session.Connect(ctx)
}

// Authenticate logs in and emits auth_succeeded or auth_failed.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	if c.config.Simulate {
		select {
		case <-time.After(simulatedLoginDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		c.events.Emit(events.AuthSucceeded, username)
		return nil
	}

	if err := c.auth.Authenticate(ctx, username, password, c.config.AuthTimeout); err != nil {
		c.events.Emit(events.AuthFailed, err)
		return err
	}
	c.events.Emit(events.AuthSucceeded, username)
	return nil
}

// Search returns a lazy stream of results; see search.Stream.
func (c *Client) Search(query string, timeout time.Duration) *search.Stream {
	if timeout <= 0 {
		timeout = c.config.SearchTimeout
	}
	if c.config.Simulate {
		return search.Simulate(query, simulatedResults(query), simulatedResultDelay, timeout, c.events)
	}
	return c.search.Search(query, timeout)
}

func (c *Client) DownloadFile(req download.Request) *download.Transfer {
	return c.downloads.DownloadFile(req)
}

func (c *Client) DownloadFolder(user, folder, host string, port int, results []search.Result, destDir string) []*download.Transfer {
	return c.downloads.DownloadFolder(user, folder, host, port, results, destDir)
}

func (c *Client) Cancel(id string) bool {
	return c.downloads.Cancel(id)
}

// Downloads lists the transfers still running.
func (c *Client) Downloads() []*download.Transfer {
	return c.downloads.List()
}

func (c *Client) On(name events.Name, h events.Handler) func() {
	return c.events.On(name, h)
}

func (c *Client) OnAny(h events.Handler) func() {
	return c.events.OnAny(h)
}

func (c *Client) Events() *events.Emitter {
	return c.events
}

func (c *Client) Username() string {
	return c.auth.Username()
}

func (c *Client) Connected() bool {
	if c.config.Simulate {
		return true
	}
	return c.session.Connected()
}

// Close cancels running downloads and closes the session.
func (c *Client) Close() error {
	c.logger.Info("Shutting down client")
	c.offDownloadErr()
	c.downloads.Close()
	err := c.session.Close()
	c.events.Flush()
	return err
}

func (c *Client) handleDownloadError(msg protocol.Message) error {
	de, err := protocol.DecodeDownloadError(msg.Payload)
	if err != nil {
		c.logger.Warnf("Dropping malformed download error: %v", err)
		return err
	}
	c.logger.Warnf("Server could not arrange %s from %s: %s", de.RemotePath, de.User, de.Reason)
	c.events.Logf("download of %s from %s failed: %s", de.RemotePath, de.User, de.Reason)
	return nil
}

func simulatedResults(query string) []search.Result {
	files := []search.File{
		{Filename: "track1.mp3", Size: 3_000_000},
		{Filename: "track2.mp3", Size: 3_500_000},
	}
	var results []search.Result
	for _, user := range []string{"demo_user1", "demo_user2"} {
		results = append(results, search.Result{
			Query:  query,
			User:   user,
			Folder: "Music/Albums/FakeAlbum",
			Files:  files,
			Host:   "127.0.0.1",
			Port:   12345,
		})
	}
	return results
}
