package store

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrSnapshotExists is returned by Snapshot when the destination exists.
var ErrSnapshotExists = errors.New("snapshot destination already exists")

// Snapshot writes a consistent, compacted copy of the whole database to dst.
// dst must not exist. Concurrent writes wait for the copy to finish.
func (s *Store) Snapshot(ctx context.Context, dst string) (int64, error) {
	if _, err := os.Stat(dst); err == nil {
		return 0, opError("snapshot", "", fmt.Errorf("%w: %s", ErrSnapshotExists, dst))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disabled != nil {
		return 0, opError("snapshot", "", fmt.Errorf("%w: %v", ErrStoreUnavailable, s.disabled))
	}
	if s.db == nil {
		return 0, opError("snapshot", "", ErrStoreUnavailable)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		os.Remove(dst)
		return 0, opError("snapshot", "", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return 0, opError("snapshot", "", err)
	}
	s.logger.Info("snapshot written", "path", dst, "bytes", info.Size())
	return info.Size(), nil
}
