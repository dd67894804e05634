package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list past downloads",
	Long:  `history prints the downloads recorded in the history database, newest first`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if !a.cfg.History.Enabled {
			return fmt.Errorf("history is disabled in %s", flags.configPath)
		}
		if err := a.openHistory(); err != nil {
			return err
		}

		recs, err := a.history.List(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			a.out.printf("no downloads yet\n")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tSTATUS\tSIZE\tUSER\tFILE\tERROR")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				humanize.Time(r.StartedAt),
				r.Status,
				humanize.Bytes(uint64(max(r.BytesReceived, 0))),
				r.User,
				r.RemotePath,
				r.Error,
			)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of rows to show, 0 for all")
}
