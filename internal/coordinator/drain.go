package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/internal/remote"
	"github.com/hyperengineering/chatsync/internal/store"
)

// DrainReport summarizes one drain cycle.
type DrainReport struct {
	outbox.DrainResult
	Requeued int
	Purged   int
}

// Drain runs one cycle: policy requeue of failed entries, delivery of every
// pending entry, then purge of terminal entries. Concurrent callers share the
// cycle already running instead of starting another.
func (c *Coordinator) Drain(ctx context.Context) (DrainReport, error) {
	c.cycleMu.Lock()
	gen := c.drainGen
	c.cycleMu.Unlock()

	v, err, shared := c.drains.Do("drain", func() (any, error) {
		return c.drainCycle(ctx, gen)
	})
	if shared {
		c.logger.Debug("joined running drain")
	}
	report, _ := v.(DrainReport)
	return report, err
}

func (c *Coordinator) drainCycle(parent context.Context, gen uint64) (DrainReport, error) {
	var report DrainReport

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c.cycleMu.Lock()
	if c.drainGen != gen {
		cancel()
	}
	c.cycleCancel = cancel
	c.cycleMu.Unlock()
	defer func() {
		c.cycleMu.Lock()
		c.cycleCancel = nil
		c.cycleMu.Unlock()
	}()

	// A cancelled cycle ends quietly; a cancelled parent is an error.
	stopped := func() bool { return ctx.Err() != nil && parent.Err() == nil }

	requeued, err := c.queue.Requeue(ctx, c.opts.RetryCeiling)
	report.Requeued = requeued
	if stopped() {
		report.Cancelled = true
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("requeue: %w", err)
	}

	res, err := c.queue.Drain(ctx, c.deliver)
	report.DrainResult = res
	if stopped() {
		report.Cancelled = true
		return report, nil
	}
	if err != nil {
		if errors.Is(err, outbox.ErrDrainInProgress) {
			return report, nil
		}
		return report, err
	}

	purged, err := c.queue.PurgeTerminal(ctx, outbox.PurgeOptions{
		IncludeFailed: c.opts.PurgeFailed,
		FailedCeiling: c.opts.RetryCeiling,
	})
	if err != nil {
		return report, err
	}
	report.Purged = purged
	return report, nil
}

// deliver sends one queued entry, keyed for idempotency by the entry id, and
// reconciles the cached record. Non-network failures are permanent.
func (c *Coordinator) deliver(ctx context.Context, e outbox.Entry) error {
	if c.opts.RejectStale && e.Entity != nil && e.BaseVersion > 0 {
		if cached, ok := c.cachedVersion(ctx, e.Entity); ok && cached > e.BaseVersion {
			err := fmt.Errorf("%w: base version %d, cached version %d", ErrStaleMutation, e.BaseVersion, cached)
			c.markFailed(ctx, e.Entity, err)
			return outbox.Permanent(err)
		}
	}

	resp, err := c.caller.Call(ctx, e.Method, e.TargetURL, e.Payload, remote.WithIdempotencyKey(e.ID))
	if err != nil {
		if remote.IsNetwork(err) {
			return err
		}
		if e.Entity != nil {
			c.markFailed(ctx, e.Entity, err)
		}
		return outbox.Permanent(err)
	}

	if e.Entity != nil {
		c.reconcile(ctx, e, resp.Data)
	}
	return nil
}

// reconcile applies a delivered entry to its cached record.
func (c *Coordinator) reconcile(ctx context.Context, e outbox.Entry, response json.RawMessage) {
	key, err := entityKey(e.Entity)
	if err != nil {
		c.logger.Warn("bad entity key", "id", e.ID, "error", err)
		return
	}

	cur, err := c.store.Get(ctx, e.Entity.Collection, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("read cached record failed", "id", e.ID, "error", err)
		return
	}
	if errors.Is(err, store.ErrNotFound) && e.Method != http.MethodDelete && !gjson.ParseBytes(response).IsObject() {
		return
	}

	if err := c.cacheDelivered(ctx, e.Entity.Collection, key, cur, response, e.Method == http.MethodDelete); err != nil {
		c.logger.Warn("reconcile cached record failed",
			"id", e.ID, "collection", e.Entity.Collection, "error", err)
	}
}

// cachedVersion reads the "version" field of the cached record.
func (c *Coordinator) cachedVersion(ctx context.Context, ref *outbox.EntityRef) (int64, bool) {
	key, err := entityKey(ref)
	if err != nil {
		return 0, false
	}
	cur, err := c.store.Get(ctx, ref.Collection, key)
	if err != nil {
		return 0, false
	}
	v := gjson.GetBytes(cur, "version")
	if !v.Exists() {
		return 0, false
	}
	return v.Int(), true
}
