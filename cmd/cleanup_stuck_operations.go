// cmd/cleanup_stuck_operations.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/convertica/convertica/internal/logging"
	"github.com/convertica/convertica/internal/runs"
)

var (
	cleanupHours  int
	cleanupDryRun bool
)

var cleanupStuckCmd = &cobra.Command{
	Use:     "cleanup-stuck-operations",
	Aliases: []string{"cleanup_stuck_operations"},
	Short:   "Mark operation runs that never finished as abandoned",
	Long: `Finds operation runs still queued, running or waiting on a cancellation
that started more than --hours hours ago and marks them abandoned with a
TimeoutError. With --dry-run the runs are only counted.`,
	RunE: runCleanupStuck,
}

func init() {
	cleanupStuckCmd.Flags().IntVar(&cleanupHours, "hours", 1, "Age in hours after which an unfinished run is stuck")
	cleanupStuckCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only report how many runs would be abandoned")
	rootCmd.AddCommand(cleanupStuckCmd)
}

func runCleanupStuck(cmd *cobra.Command, args []string) error {
	if cleanupHours <= 0 {
		return fmt.Errorf("--hours must be positive, got %d", cleanupHours)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.Flags())
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	db, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := runs.NewStore(cmd.Context(), db)
	if err != nil {
		return err
	}

	sweeper := runs.NewSweeper(runs.SweeperConfig{
		Store:      store,
		StuckAfter: time.Duration(cleanupHours) * time.Hour,
		Logger:     logger,
	})
	return cleanupStuck(cmd.Context(), cmd.OutOrStdout(), sweeper, cleanupHours, cleanupDryRun)
}

// Sweep is implemented by runs.Sweeper.
type Sweep interface {
	SweepOnce(ctx context.Context, dryRun bool) (int64, error)
}

func cleanupStuck(ctx context.Context, out io.Writer, s Sweep, hours int, dryRun bool) error {
	n, err := s.SweepOnce(ctx, dryRun)
	if err != nil {
		return fmt.Errorf("sweep stuck runs: %w", err)
	}
	if dryRun {
		fmt.Fprintf(out, "Would mark %d operation run(s) older than %dh as abandoned (dry run)\n", n, hours)
		return nil
	}
	fmt.Fprintf(out, "Marked %d operation run(s) older than %dh as abandoned\n", n, hours)
	return nil
}
