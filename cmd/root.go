// Package cmd defines the CLI commands for the crawld executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawld",
		Short: "A polite, resumable web crawl service",
		Long: `crawld manages configurable crawl jobs: it discovers pages from a seed
URL, respects robots.txt and per-job scope rules, extracts page content to
Markdown, and exposes job control and results over an HTTP API.`,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default uses built-in defaults and CRAWLD_* env vars)")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
