// Package outbox implements the durable mutation queue: remote operations
// recorded while offline, persisted in the local store, and replayed in
// creation order once delivery is possible again.
package outbox

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/chatsync/internal/store"
)

const (
	defaultGraceWindow    = 2 * time.Minute
	defaultRetryBaseDelay = 5 * time.Second
	defaultRetryMaxDelay  = 10 * time.Minute
)

// Queue is the outbox. Entries live in the offlineRequests collection of the
// shared store; the Queue itself holds no entry state.
type Queue struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	graceWindow    time.Duration
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	idMu    sync.Mutex
	entropy io.Reader

	draining atomic.Bool

	cancelMu    sync.Mutex
	cancelDrain context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithGraceWindow sets how long an entry may stay processing before a new
// drain treats it as abandoned.
func WithGraceWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.graceWindow = d
		}
	}
}

// WithRetryBackoff sets the exponential backoff used by NextAttemptAt.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.retryBaseDelay = base
		}
		if max > 0 {
			q.retryMaxDelay = max
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New returns a queue over st. The store must have been opened with a
// schema containing Collection().
func New(st *store.Store, opts ...Option) (*Queue, error) {
	if st == nil {
		return nil, errors.New("outbox: store is required")
	}
	if _, ok := st.Schema().Collection(CollectionName); !ok {
		return nil, fmt.Errorf("outbox: %w: %s", store.ErrUnknownCollection, CollectionName)
	}

	q := &Queue{
		store:          st,
		logger:         slog.Default(),
		now:            time.Now,
		graceWindow:    defaultGraceWindow,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
		entropy:        ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "outbox")
	return q, nil
}

// newID returns a ULID strictly greater than every id this queue issued
// before, so id order is creation order.
func (q *Queue) newID(t time.Time) (string, error) {
	q.idMu.Lock()
	defer q.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), q.entropy)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// Enqueue persists op as a pending entry and returns its id. It does not
// attempt delivery.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (string, error) {
	if op.TargetURL == "" || op.Method == "" {
		return "", fmt.Errorf("%w: target and method are required", ErrInvalidOperation)
	}

	now := q.now().UTC()
	id, err := q.newID(now)
	if err != nil {
		return "", err
	}

	e := Entry{
		ID:          id,
		TargetURL:   op.TargetURL,
		Method:      op.Method,
		Payload:     op.Payload,
		OwnerID:     op.OwnerID,
		CreatedAt:   now,
		Timestamp:   now.UnixMilli(),
		Status:      StatusPending,
		Priority:    op.Priority,
		Rank:        -op.Priority,
		Entity:      op.Entity,
		BaseVersion: op.BaseVersion,
	}
	if err := q.store.Put(ctx, CollectionName, e); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Debug("operation queued", "id", id, "method", op.Method, "target", op.TargetURL)
	return id, nil
}

// Get returns the entry with the given id.
func (q *Queue) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	if err := q.store.GetInto(ctx, CollectionName, id, &e); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		return Entry{}, err
	}
	return e, nil
}

// Filter narrows List results.
type Filter struct {
	Status Status
	Limit  int
}

// List returns entries in processing order: by status, then descending
// priority, then creation order.
func (q *Queue) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := store.Query{Index: IndexStatusOrder, Limit: f.Limit}
	if f.Status != "" {
		query.Prefix = []any{string(f.Status)}
	}
	return q.collect(ctx, query)
}

// ListByOwner returns the entries of one owner, oldest first.
func (q *Queue) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Entry, error) {
	return q.collect(ctx, store.Query{
		Index:  IndexOwnerTimestamp,
		Prefix: []any{ownerID},
		Limit:  limit,
	})
}

func (q *Queue) collect(ctx context.Context, query store.Query) ([]Entry, error) {
	var out []Entry
	for raw, err := range q.store.Query(ctx, CollectionName, query) {
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Stats counts entries per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	for _, st := range []struct {
		status Status
		dst    *int
	}{
		{StatusPending, &s.Pending},
		{StatusProcessing, &s.Processing},
		{StatusCompleted, &s.Completed},
		{StatusFailed, &s.Failed},
	} {
		for _, err := range q.store.Query(ctx, CollectionName, store.Query{Index: IndexStatus, EqualTo: string(st.status)}) {
			if err != nil {
				return Stats{}, err
			}
			*st.dst++
		}
	}
	return s, nil
}

// transition moves e to next, enforcing the lifecycle.
func (q *Queue) transition(ctx context.Context, e *Entry, next Status) error {
	if !e.Status.canTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	return q.save(ctx, e, next)
}

func (q *Queue) save(ctx context.Context, e *Entry, next Status) error {
	prev := e.Status
	e.Status = next
	if err := q.store.Put(ctx, CollectionName, e); err != nil {
		e.Status = prev
		return fmt.Errorf("update entry %s: %w", e.ID, err)
	}
	return nil
}

// NextAttemptAt is the earliest time a failed entry becomes eligible for
// Requeue, growing exponentially with its retry count.
func (q *Queue) NextAttemptAt(e Entry) time.Time {
	if e.FailedAt == nil {
		return time.Time{}
	}
	b := retry.WithCappedDuration(q.retryMaxDelay, retry.NewExponential(q.retryBaseDelay))
	var delay time.Duration
	for i := 0; i < e.RetryCount; i++ {
		delay, _ = b.Next()
	}
	return e.FailedAt.Add(delay)
}

// Requeue returns failed entries to pending when their retry count is below
// ceiling and their backoff has elapsed. Permanent failures stay failed.
func (q *Queue) Requeue(ctx context.Context, ceiling int) (int, error) {
	failed, err := q.List(ctx, Filter{Status: StatusFailed})
	if err != nil {
		return 0, err
	}

	now := q.now()
	requeued := 0
	for i := range failed {
		e := &failed[i]
		if e.Permanent || e.RetryCount >= ceiling || now.Before(q.NextAttemptAt(*e)) {
			continue
		}
		if err := q.transition(ctx, e, StatusPending); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		q.logger.Info("failed operations requeued", "count", requeued, "ceiling", ceiling)
	}
	return requeued, nil
}

// Retry returns one failed entry to pending regardless of the retry policy.
// It is the explicit user action for abandoned entries.
func (q *Queue) Retry(ctx context.Context, id string) error {
	e, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	e.Permanent = false
	if err := q.transition(ctx, &e, StatusPending); err != nil {
		return err
	}
	q.logger.Info("operation retried", "id", id, "retry_count", e.RetryCount)
	return nil
}

// PurgeOptions selects which failed entries PurgeTerminal removes along with
// every completed entry.
type PurgeOptions struct {
	// IncludeFailed also removes failed entries that will not be requeued:
	// permanent failures and those at or past FailedCeiling retries.
	IncludeFailed bool
	FailedCeiling int
}

// PurgeTerminal deletes completed entries, and optionally abandoned failed
// entries, in one bulk delete.
func (q *Queue) PurgeTerminal(ctx context.Context, opts PurgeOptions) (int, error) {
	var keys []any

	completed, err := q.List(ctx, Filter{Status: StatusCompleted})
	if err != nil {
		return 0, err
	}
	for _, e := range completed {
		keys = append(keys, e.ID)
	}

	if opts.IncludeFailed {
		failed, err := q.List(ctx, Filter{Status: StatusFailed})
		if err != nil {
			return 0, err
		}
		for _, e := range failed {
			if e.Permanent || e.RetryCount >= opts.FailedCeiling {
				keys = append(keys, e.ID)
			}
		}
	}

	n, err := q.store.DeleteBulk(ctx, CollectionName, keys)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	if n > 0 {
		q.logger.Info("terminal operations purged", "count", n)
	}
	return n, nil
}
