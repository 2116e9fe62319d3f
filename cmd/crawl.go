// Package cmd defines and implements the CLI commands for the crawlctl executable.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/config"
)

type crawlFlags struct {
	recoverFrom  string
	seeds        []string
	seedsFile    string
	workingDir   string
	poolSize     int
	pauseAtStart bool
	port         int
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
// Flags override the matching settings from the config file.
func newCrawlCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a crawl until it finishes or is stopped",
		Long: `Builds a crawl from the configuration, queues the seeds and runs it
until the frontier is exhausted, a limit is reached, or the crawl is
stopped through the operator API or a signal. With --recover-from the
crawl resumes from a checkpoint directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.recoverFrom, "recover-from", "", "checkpoint directory to recover from")
	cmd.Flags().StringArrayVar(&f.seeds, "seed", nil, "seed URI (repeatable)")
	cmd.Flags().StringVar(&f.seedsFile, "seeds-file", "", "file with one seed URI per line")
	cmd.Flags().StringVar(&f.workingDir, "working-dir", "", "crawl working directory")
	cmd.Flags().IntVar(&f.poolSize, "pool-size", 0, "number of workers")
	cmd.Flags().BoolVar(&f.pauseAtStart, "pause-at-start", false, "leave the crawl paused once started")
	cmd.Flags().IntVar(&f.port, "port", 0, "operator API port")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, f crawlFlags) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCrawlFlags(cmd, &cfg, f)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	appInstance, err := newApp(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := appInstance.Close(context.WithoutCancel(ctx)); cerr != nil {
			appInstance.Logger().Warn("Failed to close application", zap.Error(cerr))
		}
	}()

	if err := appInstance.Run(ctx); err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}
	return nil
}

func applyCrawlFlags(cmd *cobra.Command, cfg *config.Config, f crawlFlags) {
	flags := cmd.Flags()
	if flags.Changed("recover-from") {
		cfg.Crawl.RecoverFrom = f.recoverFrom
	}
	if flags.Changed("seed") {
		cfg.Crawl.Seeds = append(cfg.Crawl.Seeds, f.seeds...)
	}
	if flags.Changed("seeds-file") {
		cfg.Crawl.SeedsFile = f.seedsFile
	}
	if flags.Changed("working-dir") {
		cfg.Dirs.Working = f.workingDir
	}
	if flags.Changed("pool-size") {
		cfg.Crawl.PoolSize = f.poolSize
	}
	if flags.Changed("pause-at-start") {
		cfg.Crawl.PauseAtStart = f.pauseAtStart
	}
	if flags.Changed("port") {
		cfg.Server.Port = f.port
	}
}
