package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const previewLen = 60

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "List the cached messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessages,
}

func runMessages(cmd *cobra.Command, args []string) error {
	convID := args[0]
	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs, err := client.Messages(commandContext(cmd), convID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"conversationId": convID,
			"messages":       msgs,
			"total":          len(msgs),
		})
	}

	if len(msgs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No cached messages for %q.\n", convID)
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tROLE\tSTATUS\tSYNC\tCREATED\tCONTENT")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID,
			m.Role,
			m.Status,
			m.SyncStatus,
			humanize.Time(time.UnixMilli(m.Timestamp)),
			preview(m.Content),
		)
	}
	return w.Flush()
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen-3]) + "..."
}
