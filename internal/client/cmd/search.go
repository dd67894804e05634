package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var searchTimeout time.Duration

var searchCmd = &cobra.Command{
	Use:   "search query...",
	Short: "search the network",
	Long:  `search sends the query to the directory server and prints every folder that matches until the timeout passes`,
	Args:  cobra.MinimumNArgs(1),
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

		query := strings.Join(args, " ")
		found := 0
		stream := a.client.Search(query, searchTimeout)
		for r := range stream.All(ctx) {
			found++
			a.out.result(r)
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			return err
		}
		a.out.printf("%d results for %q\n", found, query)
		return nil
	},
}

func init() {
	searchCmd.Flags().DurationVarP(&searchTimeout, "timeout", "t", 0, "how long to collect results (default from config)")
}
