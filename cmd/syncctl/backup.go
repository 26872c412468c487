package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/chatsync/pkg/chatsync"
)

var backupURL bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a snapshot of the local store",
	Long: `Snapshot the local store and upload it to the configured S3-compatible bucket,
replacing this device's previous backup. Use --url to print a pre-signed
download link.`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().BoolVar(&backupURL, "url", false, "Print a pre-signed download URL")
}

func runBackup(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Backup(commandContext(cmd), backupURL)
	if errors.Is(err, chatsync.ErrBackupNotConfigured) {
		return errors.New("backup storage not configured: set backup.bucket or CHATSYNC_BACKUP_BUCKET")
	}
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Uploaded %s (%s)\n", res.Object, humanize.Bytes(uint64(res.SizeBytes)))
	if res.URL != "" {
		fmt.Fprintf(w, "URL: %s\n", res.URL)
		fmt.Fprintf(w, "Expires: %s\n", res.URLExpiry.Format(time.RFC3339))
	}
	return nil
}
