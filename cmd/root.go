package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/spider-pipeline/internal/config"
	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/server"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// App is the subset of *server.App the commands use.
type App interface {
	Crawl(ctx context.Context, rawURLs []string) (crawler.Run, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg, server.Options{Version: Version})
}

type stateKey struct{}

type state struct {
	cfg config.Config
	app App
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "spider",
		Short:         "Crawl sites through a spider middleware chain.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), stateKey{}, &state{cfg: cfg, app: app}))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newCrawlCmd(), newServeCmd())
	return cmd
}

func stateFrom(ctx context.Context) (*state, error) {
	st, ok := ctx.Value(stateKey{}).(*state)
	if !ok || st == nil || st.app == nil {
		return nil, errors.New("application not initialized")
	}
	return st, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
