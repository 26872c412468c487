package chatsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperengineering/chatsync/internal/snapshot"
)

// ErrBackupNotConfigured is returned by Backup when no bucket is configured.
var ErrBackupNotConfigured = snapshot.ErrNotConfigured

// BackupResult describes an uploaded store backup.
type BackupResult = snapshot.Result

// Backup snapshots the local store and uploads it for this device,
// replacing the previous backup. With withURL it also returns a pre-signed
// download URL.
func (c *Client) Backup(ctx context.Context, withURL bool) (*BackupResult, error) {
	if _, ok := c.uploader.(*snapshot.NoopUploader); ok {
		return nil, ErrBackupNotConfigured
	}

	dir, err := os.MkdirTemp("", "chatsync-backup-*")
	if err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "current.db")
	size, err := c.store.Snapshot(ctx, path)
	if err != nil {
		return nil, err
	}

	deviceID := c.cfg.Backup.DeviceID
	object, err := c.uploader.Upload(ctx, deviceID, path)
	if err != nil {
		return nil, err
	}
	res := &BackupResult{Object: object, SizeBytes: size}

	if withURL {
		res.URL, res.URLExpiry, err = c.uploader.PresignedURL(ctx, deviceID)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info("store backup uploaded",
		"component", "backup",
		"object", object,
		"size_bytes", size,
	)
	return res, nil
}
