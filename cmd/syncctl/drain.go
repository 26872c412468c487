package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var drainTimeout time.Duration

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver queued mutations once",
	Long:  "Run one outbox drain cycle against the configured remote service and report the outcome.",
	Args:  cobra.NoArgs,
	RunE:  runDrain,
}

func init() {
	drainCmd.Flags().DurationVar(&drainTimeout, "timeout", 2*time.Minute, "Maximum duration of the drain")
}

func runDrain(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := commandContext(cmd)
	if drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, drainTimeout)
		defer cancel()
	}

	started := time.Now()
	report, err := client.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"delivered": report.Delivered,
			"failed":    report.Failed,
			"requeued":  report.Requeued,
			"purged":    report.Purged,
			"duration":  time.Since(started).String(),
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Delivered %s, failed %s, requeued %s, purged %s in %s\n",
		humanize.Comma(int64(report.Delivered)),
		humanize.Comma(int64(report.Failed)),
		humanize.Comma(int64(report.Requeued)),
		humanize.Comma(int64(report.Purged)),
		time.Since(started).Round(time.Millisecond),
	)
	return nil
}
