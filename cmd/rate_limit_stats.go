// cmd/rate_limit_stats.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/convertica/convertica/internal/quota"
	"github.com/convertica/convertica/internal/ratelimit"
)

var (
	statsGroup   string
	statsHours   int
	statsJSON    bool
	statsNoColor bool
)

var rateLimitStatsCmd = &cobra.Command{
	Use:     "rate-limit-stats",
	Aliases: []string{"rate_limit_stats"},
	Short:   "Show rate limit decisions per group",
	Long: `Aggregates the hourly rate limit buckets over the last --hours hours and
prints, per group, how many requests were seen per tier and how many were
denied by the IP or the tier ceiling.`,
	RunE: runRateLimitStats,
}

func init() {
	rateLimitStatsCmd.Flags().StringVar(&statsGroup, "group", "", "Only report this rate limit group")
	rateLimitStatsCmd.Flags().IntVar(&statsHours, "hours", ratelimit.DefaultStatsHours, "Lookback window in hours")
	rateLimitStatsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print JSON instead of a table")
	rateLimitStatsCmd.Flags().BoolVar(&statsNoColor, "no-color", false, "Disable colored output")
	rootCmd.AddCommand(rateLimitStatsCmd)
}

// StatsSource is implemented by ratelimit.Reporter.
type StatsSource interface {
	Stats(ctx context.Context, group string, hours int) (map[string]ratelimit.GroupStats, error)
}

func runRateLimitStats(cmd *cobra.Command, args []string) error {
	if statsNoColor {
		color.NoColor = true
	}
	if statsHours <= 0 {
		return fmt.Errorf("--hours must be positive, got %d", statsHours)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	groups := cfg.GroupNames()
	if statsGroup != "" && !contains(groups, statsGroup) {
		return fmt.Errorf("unknown rate limit group %q (known: %v)", statsGroup, groups)
	}

	rc, err := connectRedis(cmd, cfg)
	if err != nil {
		return err
	}
	defer rc.Close()

	reporter := ratelimit.NewReporter(quota.NewRedisBackend(rc.Raw(), redisKeyPrefix), groups)
	return reportStats(cmd.Context(), cmd.OutOrStdout(), reporter, statsGroup, statsHours, statsJSON)
}

func reportStats(ctx context.Context, out io.Writer, src StatsSource, group string, hours int, asJSON bool) error {
	stats, err := src.Stats(ctx, group, hours)
	if err != nil {
		return fmt.Errorf("read rate limit stats: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	printStats(out, stats, hours)
	return nil
}

// printStats renders one table row per group, sorted by name.
func printStats(out io.Writer, stats map[string]ratelimit.GroupStats, hours int) {
	headerColor := color.New(color.FgCyan, color.Bold)
	blockedColor := color.New(color.FgRed)

	headerColor.Fprintf(out, "Rate limit stats (last %d hours)\n\n", hours)

	if len(stats) == 0 {
		fmt.Fprintln(out, "No rate limit groups configured.")
		return
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tTOTAL\tPREMIUM\tAUTHENTICATED\tANONYMOUS\tBLOCKED (IP)\tBLOCKED (USER)\tBLOCKED %")
	for _, name := range names {
		s := stats[name]
		blocked := fmt.Sprintf("%.2f%%", s.BlockedPct)
		if s.Blocked() > 0 {
			blocked = blockedColor.Sprint(blocked)
		}
		fmt.Fprintf(w, "%s\t%d\t%d (%.2f%%)\t%d (%.2f%%)\t%d (%.2f%%)\t%d\t%d\t%s\n",
			name, s.Total,
			s.Premium, s.PremiumPct,
			s.Authenticated, s.AuthenticatedPct,
			s.Anonymous, s.AnonymousPct,
			s.BlockedByIP, s.BlockedByUser,
			blocked,
		)
	}
	w.Flush()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
