package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/app"
	"github.com/JakeFAU/crawlctl/internal/config"
)

var cfgFile string

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlctl",
		Short: "Runs and controls a checkpointable crawl.",
		Long: `crawlctl drives a crawl through its lifecycle: it builds the crawl's
disk layout and backing store, runs a pool of workers over the frontier,
and takes checkpoints a later run can be recovered from. A running crawl
is controlled through the operator HTTP API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
