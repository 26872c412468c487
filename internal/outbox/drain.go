package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/chatsync/internal/store"
)

// Deliverer performs the remote operation of one entry. A nil error marks the
// entry completed; an error marks it failed, permanently if wrapped with
// Permanent.
type Deliverer func(ctx context.Context, e Entry) error

// DrainResult summarizes one drain run.
type DrainResult struct {
	Delivered int
	Failed    int
	Recovered int
	Cancelled bool
	Errors    []*DeliveryError
}

// Drain delivers pending entries one at a time, highest priority first and
// in creation order within a priority. Entries left processing by an
// interrupted drain for longer than the grace window are recovered to pending
// first. Only one drain runs at a time; a concurrent call returns
// ErrDrainInProgress.
//
// Cancel, or cancelling ctx, stops the drain before the next entry; an entry
// already handed to deliver is finished and recorded.
func (q *Queue) Drain(ctx context.Context, deliver Deliverer) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	stop, cancel := context.WithCancel(context.Background())
	q.cancelMu.Lock()
	q.cancelDrain = cancel
	q.cancelMu.Unlock()
	defer func() {
		q.cancelMu.Lock()
		q.cancelDrain = nil
		q.cancelMu.Unlock()
		cancel()
	}()

	var res DrainResult
	recovered, err := q.recoverStale(ctx)
	if err != nil {
		return res, err
	}
	res.Recovered = recovered

	for {
		if stop.Err() != nil {
			res.Cancelled = true
			break
		}
		if err := ctx.Err(); err != nil {
			res.Cancelled = true
			return res, err
		}

		e, ok, err := q.nextPending(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}

		processingAt := q.now().UTC()
		e.ProcessingAt = &processingAt
		if err := q.transition(ctx, &e, StatusProcessing); err != nil {
			return res, err
		}

		derr := deliver(context.WithoutCancel(ctx), e)
		if err := q.finish(context.WithoutCancel(ctx), &e, derr); err != nil {
			return res, err
		}
		if derr == nil {
			res.Delivered++
			continue
		}
		res.Failed++
		res.Errors = append(res.Errors, &DeliveryError{ID: e.ID, Permanent: e.Permanent, Err: derr})
	}

	if res.Delivered > 0 || res.Failed > 0 || res.Recovered > 0 {
		q.logger.Info("drain finished",
			"delivered", res.Delivered,
			"failed", res.Failed,
			"recovered", res.Recovered,
			"cancelled", res.Cancelled,
		)
	}
	return res, nil
}

// Cancel stops a running drain before its next entry. It has no effect when
// no drain is running.
func (q *Queue) Cancel() {
	q.cancelMu.Lock()
	defer q.cancelMu.Unlock()
	if q.cancelDrain != nil {
		q.cancelDrain()
	}
}

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

func (q *Queue) finish(ctx context.Context, e *Entry, derr error) error {
	e.ProcessingAt = nil
	if derr == nil {
		e.ErrorMessage = ""
		return q.transition(ctx, e, StatusCompleted)
	}

	failedAt := q.now().UTC()
	e.FailedAt = &failedAt
	e.RetryCount++
	e.ErrorMessage = derr.Error()
	e.Permanent = IsPermanent(derr)
	q.logger.Warn("delivery failed",
		"id", e.ID,
		"retry_count", e.RetryCount,
		"permanent", e.Permanent,
		"error", derr,
	)
	return q.transition(ctx, e, StatusFailed)
}

// nextPending returns the first pending entry in processing order.
func (q *Queue) nextPending(ctx context.Context) (Entry, bool, error) {
	query := store.Query{Index: IndexStatusOrder, Prefix: []any{string(StatusPending)}, Limit: 1}
	for raw, err := range q.store.Query(ctx, CollectionName, query) {
		if err != nil {
			return Entry{}, false, err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return Entry{}, false, fmt.Errorf("decode entry: %w", err)
		}
		return e, true, nil
	}
	return Entry{}, false, nil
}

// recoverStale returns processing entries older than the grace window to
// pending. This is the one transition outside the normal lifecycle.
func (q *Queue) recoverStale(ctx context.Context) (int, error) {
	processing, err := q.List(ctx, Filter{Status: StatusProcessing})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range processing {
		e := &processing[i]
		if !q.stale(*e) {
			continue
		}
		e.ProcessingAt = nil
		if err := q.save(ctx, e, StatusPending); err != nil {
			return recovered, err
		}
		recovered++
		q.logger.Warn("stale processing entry recovered", "id", e.ID)
	}
	return recovered, nil
}

// Event reports a change to the queue.
type Event struct {
	ID      string
	Status  Status
	Deleted bool
}

// Subscribe delivers an Event for every enqueue, status transition and
// deletion until ctx is done or the returned func is called.
func (q *Queue) Subscribe(ctx context.Context) (<-chan Event, func()) {
	changes, unsubscribe := q.store.Subscribe(CollectionName)
	out := make(chan Event, cap(changes))
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				ev := Event{Deleted: c.Op == store.ChangeDelete}
				if id, ok := c.Key.(string); ok {
					ev.ID = id
				}
				if c.Record != nil {
					var e Entry
					if err := json.Unmarshal(c.Record, &e); err == nil {
						ev.Status = e.Status
					}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}

// stale reports whether a processing entry has outlived the grace window.
// An entry without a processing time is always stale.
func (q *Queue) stale(e Entry) bool {
	if e.ProcessingAt == nil {
		return true
	}
	return q.now().Sub(*e.ProcessingAt) > q.graceWindow
}
