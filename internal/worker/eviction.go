package worker

import (
	"context"
	"log/slog"
	"time"
)

// MessageEvictor defines the cache operation needed by the eviction worker.
type MessageEvictor interface {
	EvictMessages(ctx context.Context, before time.Time) (int, error)
}

// CacheEvictionWorker periodically removes settled cached messages older
// than a TTL.
type CacheEvictionWorker struct {
	evictor  MessageEvictor
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
}

// NewCacheEvictionWorker creates a worker evicting messages older than ttl
// every interval.
func NewCacheEvictionWorker(e MessageEvictor, interval, ttl time.Duration) *CacheEvictionWorker {
	return &CacheEvictionWorker{
		evictor:  e,
		interval: interval,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// Does NOT run immediately on start; eviction is not urgent.
func (w *CacheEvictionWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "cache-eviction",
		"interval", w.interval.String(),
		"ttl", w.ttl.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "cache-eviction",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.runEviction(ctx)
		}
	}
}

// runEviction executes a single eviction cycle.
func (w *CacheEvictionWorker) runEviction(ctx context.Context) {
	threshold := w.now().Add(-w.ttl)

	evicted, err := w.evictor.EvictMessages(ctx, threshold)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("eviction failed",
			"component", "worker",
			"action", "evict_failed",
			"error", err,
		)
		return
	}
	if evicted > 0 {
		slog.Info("cached messages evicted",
			"component", "worker",
			"action", "evict_complete",
			"evicted", evicted,
			"threshold", threshold.Format(time.RFC3339),
		)
	}
}
