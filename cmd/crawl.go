// Package cmd defines the CLI commands for the spider executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Run one crawl and print its summary",
		Long: `Crawls from the given URLs, or from crawler.seeds in the config when
none are given, and prints the final run record as JSON.`,
		RunE: runCrawl,
	}
}

func runCrawl(cmd *cobra.Command, args []string) (err error) {
	st, err := stateFrom(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, st.app.Close(context.WithoutCancel(cmd.Context())))
	}()

	seeds := args
	if len(seeds) == 0 {
		seeds = st.cfg.Crawler.Seeds
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, runErr := st.app.Crawl(ctx, seeds)
	if run.ID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
