package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reindexWorkers int

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-extract embeddings produced by an older model version",
	Long: `Re-extract every live embedding whose model version differs from the configured
extractor's, fetching the original photo from the photo store. Entries without a
photo reference are skipped. Prints a JSON summary.

Examples:
  facematch reindex
  facematch reindex --workers 8`,
	Args: cobra.NoArgs,
	RunE: runReindex,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop tombstoned entries from the store and the index",
	Args:  cobra.NoArgs,
	RunE:  runCompact,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print index composition per model version",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	reindexCmd.Flags().IntVar(&reindexWorkers, "workers", 0, "Concurrent re-extractions (defaults to reindex.workers)")
	rootCmd.AddCommand(reindexCmd, compactCmd, statsCmd)
}

// withApp runs fn against a fully restored app and cancels on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func runReindex(cmd *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if reindexWorkers > 0 {
			a.reindex.WithWorkers(reindexWorkers)
		}
		rep, err := a.reindex.Run(ctx)
		if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
			return perr
		}
		return err
	})
}

func runCompact(cmd *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.vectors.Compact(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	return withApp(func(_ context.Context, a *app) error {
		return printJSON(cmd.OutOrStdout(), a.vectors.Stats())
	})
}
