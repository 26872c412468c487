// Package coordinator routes domain mutations between the remote service,
// the outbox and the local cache as connectivity changes, and reconciles
// pushed stream events into cached messages.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/chatsync/internal/connectivity"
	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/internal/remote"
	"github.com/hyperengineering/chatsync/internal/store"
	"github.com/hyperengineering/chatsync/internal/stream"
)

// Options tunes the coordinator.
type Options struct {
	// RetryCeiling is the number of failed deliveries after which an entry
	// is no longer requeued by policy.
	RetryCeiling int
	// PurgeFailed also purges abandoned failed entries after each drain.
	PurgeFailed bool
	// RejectStale fails queued mutations whose BaseVersion is older than
	// the cached record. Off means last writer wins.
	RejectStale bool
	Logger      *slog.Logger
	// Now is the clock used for record timestamps.
	Now func() time.Time
}

const defaultRetryCeiling = 5

// Coordinator is the sync core. It is safe for concurrent use.
type Coordinator struct {
	store     *store.Store
	queue     *outbox.Queue
	transport *stream.Transport
	caller    remote.Caller
	monitor   *connectivity.Monitor
	opts      Options
	logger    *slog.Logger

	enabled atomic.Bool
	closed  atomic.Bool
	drains  singleflight.Group

	// cycleMu guards drainGen and cycleCancel. drainGen advances on every
	// cancellation so a cycle requested before it starts cancelled.
	cycleMu     sync.Mutex
	drainGen    uint64
	cycleCancel context.CancelFunc

	streamsMu sync.Mutex
	streams   map[string]*Stream
	streamWG  sync.WaitGroup
}

// New returns a coordinator over the given collaborators. The store must
// declare the cached entity collections and the outbox collection.
func New(
	st *store.Store,
	q *outbox.Queue,
	tr *stream.Transport,
	caller remote.Caller,
	monitor *connectivity.Monitor,
	opts Options,
) (*Coordinator, error) {
	for _, c := range Collections() {
		if _, ok := st.Schema().Collection(c.Name); !ok {
			return nil, fmt.Errorf("coordinator: %w: %s", store.ErrUnknownCollection, c.Name)
		}
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = defaultRetryCeiling
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		store:     st,
		queue:     q,
		transport: tr,
		caller:    caller,
		monitor:   monitor,
		opts:      opts,
		logger:    opts.Logger.With("component", "coordinator"),
		streams:   make(map[string]*Stream),
	}
	c.enabled.Store(true)
	return c, nil
}

// SetEnabled switches offline support on or off. While disabled, mutations
// go straight to the remote service and nothing is queued or cached.
func (c *Coordinator) SetEnabled(enabled bool) {
	if c.enabled.Swap(enabled) != enabled {
		c.logger.Info("offline sync toggled", "enabled", enabled)
	}
}

// Enabled reports whether offline support is on.
func (c *Coordinator) Enabled() bool {
	return c.enabled.Load()
}

// Online reports the current connectivity.
func (c *Coordinator) Online() bool {
	return c.monitor.Online()
}

// Run drains the outbox whenever connectivity comes back, and once at start
// when already online, unless offline support is disabled. Going offline
// cancels a running or requested drain after its in-flight entry. Blocks
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	changes, unsubscribe := c.monitor.Subscribe()
	defer unsubscribe()

	c.logger.Info("coordinator started", "online", c.monitor.Online())

	var wg sync.WaitGroup
	defer wg.Wait()

	drain := func() {
		if !c.Enabled() {
			c.logger.Debug("drain skipped", "reason", "disabled")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Drain(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("drain failed", "error", err)
			}
		}()
	}

	if c.monitor.Online() {
		drain()
	}
	for {
		select {
		case <-ctx.Done():
			c.CancelDrain()
			c.logger.Info("coordinator stopped", "reason", "context_cancelled")
			return ctx.Err()
		case online, ok := <-changes:
			if !ok {
				return nil
			}
			if online {
				drain()
				continue
			}
			c.CancelDrain()
		}
	}
}

// CancelDrain stops the running drain cycle before its next entry. A cycle
// requested before this call but not yet started is cancelled as well.
func (c *Coordinator) CancelDrain() {
	c.cycleMu.Lock()
	c.drainGen++
	if c.cycleCancel != nil {
		c.cycleCancel()
	}
	c.cycleMu.Unlock()
	c.queue.Cancel()
}

// Close stops every stream and waits for their final records to be written.
func (c *Coordinator) Close() {
	c.streamsMu.Lock()
	already := c.closed.Swap(true)
	c.streamsMu.Unlock()
	if already {
		return
	}
	c.transport.CloseAll()
	c.streamWG.Wait()
}
