package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect the local store",
	Long:  "Read records and counts from the local store without running the sync loop.",
}

var storeGetCmd = &cobra.Command{
	Use:   "get <collection> <key>",
	Short: "Print one record",
	Long:  "Print one record. A key that parses as a number is looked up as a number.",
	Args:  cobra.ExactArgs(2),
	RunE:  runStoreGet,
}

var storeCountCmd = &cobra.Command{
	Use:   "count <collection>",
	Short: "Count the records of a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreCount,
}

func init() {
	storeCmd.AddCommand(storeGetCmd)
	storeCmd.AddCommand(storeCountCmd)
}

func runStoreGet(cmd *cobra.Command, args []string) error {
	collection := args[0]
	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	raw, err := client.Store().Get(commandContext(cmd), collection, parseKey(args[1]))
	if err != nil {
		return err
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func runStoreCount(cmd *cobra.Command, args []string) error {
	collection := args[0]
	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.Store().Count(commandContext(cmd), collection)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"collection": collection, "count": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", collection, humanize.Comma(int64(n)), plural(n, "record", "records"))
	return nil
}

func parseKey(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
