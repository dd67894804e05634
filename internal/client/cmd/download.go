package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/seekr/internal/download"
	"github.com/rudransh-shrivastava/seekr/internal/events"
	"github.com/rudransh-shrivastava/seekr/internal/search"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type peerFlags struct {
	host   string
	port   int
	outDir string
}

var (
	downloadFlags peerFlags
	folderFlags   peerFlags
	folderTimeout time.Duration
)

var downloadCmd = &cobra.Command{
	Use:   "download user remote-path",
	Short: "download a file from a peer",
	Long:  `download connects straight to the peer sharing the file and writes it to the output directory`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newClientApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		user, remotePath := args[0], args[1]
		req := download.Request{
			User:        user,
			RemotePath:  remotePath,
			Host:        downloadFlags.host,
			Port:        downloadFlags.port,
			Destination: filepath.Join(a.destDir(downloadFlags.outDir), path.Base(remotePath)),
		}

		bars := a.progress(-1)
		defer bars.stop()
		tr := a.client.DownloadFile(req)
		return a.waitAll(ctx, []*download.Transfer{tr})
	},
}

var downloadFolderCmd = &cobra.Command{
	Use:   "download-folder user folder query...",
	Short: "download every file of a shared folder",
	Long:  `download-folder searches for the query, then downloads the files the user offers in folder`,
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newClientApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.login(ctx); err != nil {
			return err
		}

		user, folder := args[0], args[1]
		query := strings.Join(args[2:], " ")
		results, err := search.Collect(ctx, a.client.Search(query, folderTimeout))
		if err != nil {
			return err
		}

		var total int64
		for _, r := range results {
			if r.User != user || r.Folder != folder {
				continue
			}
			for _, f := range r.Files {
				total += f.Size
			}
		}

		bars := a.progress(total)
		defer bars.stop()
		transfers := a.client.DownloadFolder(user, folder, folderFlags.host, folderFlags.port, results, a.destDir(folderFlags.outDir))
		if len(transfers) == 0 {
			return fmt.Errorf("%s does not share %q in the results for %q", user, folder, query)
		}
		return a.waitAll(ctx, transfers)
	},
}

func init() {
	for _, c := range []struct {
		cmd *cobra.Command
		pf  *peerFlags
	}{{downloadCmd, &downloadFlags}, {downloadFolderCmd, &folderFlags}} {
		c.cmd.Flags().StringVar(&c.pf.host, "host", "127.0.0.1", "peer host")
		c.cmd.Flags().IntVar(&c.pf.port, "port", 2234, "peer port")
		c.cmd.Flags().StringVarP(&c.pf.outDir, "out", "o", "", "output directory (default from config)")
	}
	downloadFolderCmd.Flags().DurationVarP(&folderTimeout, "timeout", "t", 0, "how long to search (default from config)")
}

func (a *app) destDir(flag string) string {
	if flag != "" {
		return flag
	}
	return a.cfg.Download.Dir
}

// waitAll waits for every transfer and cancels them all when ctx is done.
// It returns the first failure.
func (a *app) waitAll(ctx context.Context, transfers []*download.Transfer) error {
	var errs []error
	for _, tr := range transfers {
		err := tr.Wait(ctx)
		if ctx.Err() != nil {
			for _, t := range transfers {
				a.client.Cancel(t.ID())
			}
			return ctx.Err()
		}
		a.out.finished(tr.Snapshot())
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// progressBars draws one bar over all transfers of a command.
type progressBars struct {
	bar   *progressbar.ProgressBar
	offs  []func()
	flush func()

	mu    sync.Mutex
	bytes map[string]int64
}

// progress starts a bar for total bytes, or a spinner when total is
// unknown. It is a no-op in JSON mode.
func (a *app) progress(total int64) *progressBars {
	p := &progressBars{bytes: make(map[string]int64)}
	if a.out.json {
		return p
	}

	if total <= 0 {
		total = -1
	}
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	p.flush = a.client.Events().Flush
	p.offs = append(p.offs,
		a.client.On(events.DownloadProgress, p.update),
		a.client.On(events.DownloadStarted, p.update),
	)
	return p
}

func (p *progressBars) update(ev events.Event) error {
	snap, ok := ev.Data.(download.Snapshot)
	if !ok {
		return nil
	}
	p.mu.Lock()
	p.bytes[snap.ID] = snap.BytesReceived
	var sum int64
	for _, n := range p.bytes {
		sum += n
	}
	p.mu.Unlock()
	return p.bar.Set64(sum)
}

func (p *progressBars) stop() {
	if p.flush != nil {
		p.flush()
	}
	for _, off := range p.offs {
		off()
	}
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
