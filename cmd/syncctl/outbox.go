package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/pkg/chatsync"
)

var (
	listStatus  string
	listLimit   int
	purgeFailed bool
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair the mutation outbox",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in delivery order",
	Args:  cobra.NoArgs,
	RunE:  runOutboxList,
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count queued mutations per status",
	Args:  cobra.NoArgs,
	RunE:  runOutboxStats,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Return a failed mutation to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRetry,
}

var outboxPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete delivered mutations",
	Args:  cobra.NoArgs,
	RunE:  runOutboxPurge,
}

func init() {
	outboxListCmd.Flags().StringVar(&listStatus, "status", "",
		"Only list entries with this status (pending, processing, completed, failed)")
	outboxListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of entries")
	outboxPurgeCmd.Flags().BoolVar(&purgeFailed, "include-failed", false,
		"Also delete failed entries that will not be retried")

	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxStatsCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxPurgeCmd)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	status := outbox.Status(listStatus)
	switch status {
	case "", outbox.StatusPending, outbox.StatusProcessing, outbox.StatusCompleted, outbox.StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", listStatus)
	}

	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	entries, err := client.PendingMutations(commandContext(cmd), chatsync.OutboxFilter{Status: status, Limit: listLimit})
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": entries,
			"total":   len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tSTATUS\tMETHOD\tTARGET\tRETRIES\tQUEUED\tERROR")
	for _, e := range entries {
		errMsg := e.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID,
			e.Status,
			e.Method,
			e.TargetURL,
			e.RetryCount,
			humanize.Time(e.CreatedAt),
			errMsg,
		)
	}
	return w.Flush()
}

func runOutboxStats(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.OutboxStats(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("outbox stats: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"pending":    stats.Pending,
			"processing": stats.Processing,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
			"total":      stats.Total(),
		})
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Pending:\t%s\n", humanize.Comma(int64(stats.Pending)))
	fmt.Fprintf(w, "Processing:\t%s\n", humanize.Comma(int64(stats.Processing)))
	fmt.Fprintf(w, "Completed:\t%s\n", humanize.Comma(int64(stats.Completed)))
	fmt.Fprintf(w, "Failed:\t%s\n", humanize.Comma(int64(stats.Failed)))
	fmt.Fprintf(w, "Total:\t%s\n", humanize.Comma(int64(stats.Total())))
	return w.Flush()
}

func runOutboxRetry(cmd *cobra.Command, args []string) error {
	id := args[0]
	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.RetryMutation(commandContext(cmd), id); err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "status": outbox.StatusPending})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", id)
	return nil
}

func runOutboxPurge(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.PurgeOutbox(commandContext(cmd), purgeFailed)
	if err != nil {
		return fmt.Errorf("purge outbox: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"purged": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %s %s\n", humanize.Comma(int64(n)), plural(n, "entry", "entries"))
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
