package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/chatsync/internal/coordinator"
)

// Drainer defines the coordinator operations needed by the drain worker.
type Drainer interface {
	Online() bool
	Enabled() bool
	Drain(ctx context.Context) (coordinator.DrainReport, error)
}

// DrainWorker periodically drains the outbox while online. It is the
// periodic trigger next to the coordinator's connectivity trigger, and picks
// up failed entries once their retry backoff has elapsed.
type DrainWorker struct {
	drainer  Drainer
	interval time.Duration
}

// NewDrainWorker creates a drain worker ticking every interval.
func NewDrainWorker(d Drainer, interval time.Duration) *DrainWorker {
	return &DrainWorker{drainer: d, interval: interval}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *DrainWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "outbox-drain",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Process immediately on start to deliver entries left from previous runs
	w.drainOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "outbox-drain",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *DrainWorker) drainOnce(ctx context.Context) {
	if !w.drainer.Enabled() || !w.drainer.Online() {
		return
	}

	start := time.Now()
	report, err := w.drainer.Drain(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("drain failed",
			"component", "worker",
			"action", "drain_failed",
			"error", err,
		)
		return
	}

	if report.Delivered == 0 && report.Failed == 0 && report.Purged == 0 && report.Requeued == 0 {
		return
	}
	slog.Info("drain cycle completed",
		"component", "worker",
		"action", "drain_complete",
		"delivered", report.Delivered,
		"failed", report.Failed,
		"requeued", report.Requeued,
		"purged", report.Purged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
