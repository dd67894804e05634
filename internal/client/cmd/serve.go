package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/seekr/internal/directory"
	"github.com/rudransh-shrivastava/seekr/internal/share"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a local directory server and share a folder",
	Long:  `serve runs a directory server that indexes the share root and a peer server that hands out its files, for trying the client without a real network`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		sc := a.cfg.Serve

		entries, err := directory.ScanDir(sc.ShareRoot, sc.ShareUser)
		if err != nil {
			return err
		}
		a.log.Infof("Indexed %d folders under %s", len(entries), sc.ShareRoot)

		dir, err := directory.NewServer(directory.Config{
			Addr:         sc.DirectoryAddr,
			Codes:        a.cfg.Protocol,
			Users:        sc.Users,
			MaxFrameSize: a.cfg.Server.MaxFrameSize,
			Logger:       a.log,
		}, directory.NewCatalog(entries...))
		if err != nil {
			return err
		}
		defer func() { _ = dir.Shutdown() }()

		sh, err := share.NewServer(share.Config{
			Addr:      sc.ShareAddr,
			Root:      sc.ShareRoot,
			User:      sc.ShareUser,
			Codes:     a.cfg.Protocol,
			ChunkSize: a.cfg.Download.ChunkSize,
			Logger:    a.log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = sh.Shutdown() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 2)
		go func() { errc <- dir.Start(ctx) }()
		go func() { errc <- sh.Start(ctx) }()

		// either server stopping stops both
		err = <-errc
		stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
