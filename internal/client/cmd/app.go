package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/rudransh-shrivastava/seekr/internal/client"
	"github.com/rudransh-shrivastava/seekr/internal/config"
	"github.com/rudransh-shrivastava/seekr/internal/db"
	"github.com/rudransh-shrivastava/seekr/internal/logger"
	"github.com/rudransh-shrivastava/seekr/internal/store"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var errLoginRequired = errors.New("a username is required to log in (--username)")

// app is what a command needs: config, logger, output and optionally a
// client with history recording.
type app struct {
	cfg *config.Config
	log *logrus.Logger
	out *output

	client   *client.Client
	gdb      *gorm.DB
	history  *store.TransferStore
	recorder *store.Recorder
}

func loadApp() (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.server != "" {
		host, port, err := net.SplitHostPort(flags.server)
		if err != nil {
			return nil, fmt.Errorf("invalid --server: %w", err)
		}
		cfg.Server.Host = host
		if cfg.Server.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid --server port: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: os.Stderr})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, out: newOutput(os.Stdout, flags.json)}, nil
}

// newClientApp loads the config and builds a client whose downloads are
// recorded in the history database when it is enabled.
func newClientApp() (*app, error) {
	a, err := loadApp()
	if err != nil {
		return nil, err
	}

	ccfg, err := client.FromConfig(a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	ccfg.Simulate = flags.simulate
	a.client = client.New(ccfg)

	if a.cfg.History.Enabled {
		if err := a.openHistory(); err != nil {
			_ = a.client.Close()
			return nil, err
		}
		a.recorder = store.NewRecorder(a.history, a.client.Events(), a.log)
	}
	if flags.json {
		a.client.OnAny(a.out.event)
	}
	return a, nil
}

func (a *app) openHistory() error {
	gdb, err := db.Open(a.cfg.History.Path)
	if err != nil {
		return err
	}
	a.gdb = gdb
	a.history = store.NewTransferStore(gdb)

	n, err := a.history.MarkInterrupted(context.Background())
	if err != nil {
		a.log.Warnf("Failed to clean up history: %v", err)
	} else if n > 0 {
		a.log.Infof("Marked %d unfinished transfers from a previous run as failed", n)
	}
	return nil
}

// login connects and authenticates with the flag credentials.
func (a *app) login(ctx context.Context) error {
	if err := a.client.Connect(ctx); err != nil {
		return err
	}
	user := flags.username
	if user == "" {
		if !flags.simulate {
			return errLoginRequired
		}
		user = "demo"
	}
	return a.client.Authenticate(ctx, user, flags.password)
}

func (a *app) close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.recorder != nil {
		a.recorder.Stop()
	}
	if a.gdb != nil {
		_ = db.Close(a.gdb)
	}
}
