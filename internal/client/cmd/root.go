package cmd

import (
	"os"

	"github.com/rudransh-shrivastava/seekr/internal/config"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
	server     string
	username   string
	password   string
	json       bool
	simulate   bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:           `seekr`,
	Short:         `seekr searches and downloads files from a peer to peer network`,
	Long:          `seekr logs in to a directory server, searches what other users share and pulls files straight from their peers`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", config.FileName, "path to the config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.server, "server", "", "directory server as host:port, overrides the config file")
	pf.StringVarP(&flags.username, "username", "u", "", "username to log in with")
	pf.StringVarP(&flags.password, "password", "p", "", "password to log in with")
	pf.BoolVar(&flags.json, "json", false, "print events as JSON lines")
	pf.BoolVar(&flags.simulate, "simulate", false, "answer locally without touching the network")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(downloadFolderCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}
