package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// startWatcher watches the database directory and re-checks the persisted
// schema version whenever the database or its WAL changes on disk.
func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.watchMu.Lock()
	s.stopWatcher = cancel
	s.watcherDone = done
	s.watchMu.Unlock()

	base := filepath.Base(s.path)
	go func() {
		defer close(done)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					s.checkSchemaVersion(ctx)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("schema watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) stopWatching() {
	s.watchMu.Lock()
	cancel, done := s.stopWatcher, s.watcherDone
	s.stopWatcher, s.watcherDone = nil, nil
	s.watchMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
