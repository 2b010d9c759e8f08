// cmd/queue_peek.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	rdb "github.com/convertica/convertica/internal/redis"
	"github.com/convertica/convertica/internal/tasks"
)

var (
	peekQueue   string
	peekCount   int64
	peekNoColor bool
)

var queuePeekCmd = &cobra.Command{
	Use:   "queue-peek",
	Short: "Show the oldest conversion tasks on a queue",
	Long: `Reads the oldest entries of a task queue stream without consuming them,
so operators can see what the conversion workers have waiting.`,
	RunE: runQueuePeek,
}

func init() {
	queuePeekCmd.Flags().StringVar(&peekQueue, "queue", tasks.QueueRegular, "Queue to inspect (premium or regular)")
	queuePeekCmd.Flags().Int64Var(&peekCount, "count", 20, "Maximum number of entries to show")
	queuePeekCmd.Flags().BoolVar(&peekNoColor, "no-color", false, "Disable colored output")
	rootCmd.AddCommand(queuePeekCmd)
}

// StreamReader is implemented by redis.Client.
type StreamReader interface {
	ReadStream(ctx context.Context, stream string, count int64) ([]rdb.Entry, error)
}

func runQueuePeek(cmd *cobra.Command, args []string) error {
	if peekNoColor {
		color.NoColor = true
	}
	if !contains(tasks.Queues, peekQueue) {
		return fmt.Errorf("unknown queue %q (known: %v)", peekQueue, tasks.Queues)
	}
	if peekCount <= 0 {
		return fmt.Errorf("--count must be positive, got %d", peekCount)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rc, err := connectRedis(cmd, cfg)
	if err != nil {
		return err
	}
	defer rc.Close()

	return peekQueueEntries(cmd.Context(), cmd.OutOrStdout(), rc, peekQueue, peekCount)
}

func peekQueueEntries(ctx context.Context, out io.Writer, src StreamReader, queue string, count int64) error {
	stream := tasks.StreamName(queue)
	entries, err := src.ReadStream(ctx, stream, count)
	if err != nil {
		return err
	}

	color.New(color.FgCyan, color.Bold).Fprintf(out, "Queue %s (%s)\n\n", queue, stream)
	if len(entries) == 0 {
		fmt.Fprintln(out, "No tasks waiting.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE ID\tREQUEST ID\tTYPE\tPRIORITY\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n",
			e.MessageID, e.RequestID, e.Type, field(e.RawData, "priority"), field(e.RawData, "created_at"))
	}
	return w.Flush()
}

func field(values map[string]interface{}, key string) interface{} {
	if v, ok := values[key]; ok {
		return v
	}
	return "-"
}
