// Package chatsync is the embeddable offline-sync client. It wires the local
// store, the mutation outbox, the push-stream transport and the remote API
// into one handle, and runs the background drain, probe and eviction loops.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/openai/openai-go/option"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/chatsync/internal/config"
	"github.com/hyperengineering/chatsync/internal/connectivity"
	"github.com/hyperengineering/chatsync/internal/coordinator"
	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/internal/remote"
	"github.com/hyperengineering/chatsync/internal/snapshot"
	"github.com/hyperengineering/chatsync/internal/store"
	"github.com/hyperengineering/chatsync/internal/stream"
	"github.com/hyperengineering/chatsync/internal/worker"
)

type (
	Config         = config.Config
	Mutation       = coordinator.Mutation
	MutationResult = coordinator.MutationResult
	StreamRequest  = coordinator.StreamRequest
	Stream         = coordinator.Stream
	Message        = coordinator.Message
	DrainReport    = coordinator.DrainReport
	OutboxStats    = outbox.Stats
	OutboxEntry    = outbox.Entry
	OutboxFilter   = outbox.Filter
	Change         = store.Change
)

var (
	ErrClosed         = coordinator.ErrClosed
	ErrStarted        = errors.New("chatsync: client already started")
	ErrInvalidDialer  = errors.New("chatsync: unknown stream dialer")
	ErrStaleMutation  = coordinator.ErrStaleMutation
	ErrInvalidRequest = coordinator.ErrInvalidMutation
)

// Option customises a Client beyond its configuration.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	caller      remote.Caller
	dialer      stream.Dialer
	monitor     *connectivity.Monitor
	uploader    snapshot.Uploader
	collections []store.Collection
}

// WithLogger overrides the logger built from the log configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCaller replaces the HTTP remote client. A caller that also implements
// connectivity.Pinger drives the connectivity probe.
func WithCaller(c remote.Caller) Option {
	return func(o *options) { o.caller = c }
}

// WithDialer replaces the dialer selected by stream.dialer.
func WithDialer(d stream.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithMonitor supplies an externally driven connectivity signal. The
// built-in probe is not started when a monitor is supplied.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithUploader replaces the backup uploader built from backup config.
func WithUploader(u snapshot.Uploader) Option {
	return func(o *options) { o.uploader = u }
}

// WithCollections declares extra application collections next to the
// built-in sessions, messages and outbox collections.
func WithCollections(cols ...store.Collection) Option {
	return func(o *options) { o.collections = append(o.collections, cols...) }
}

// Client is the chatsync handle. It is safe for concurrent use.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	schema    store.Schema

	store     *store.Store
	queue     *outbox.Queue
	transport *stream.Transport
	caller    remote.Caller
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	coord     *coordinator.Coordinator
	uploader  snapshot.Uploader

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// New opens the local store and builds every collaborator. Background work
// does not begin until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("chatsync: config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{cfg: cfg, logger: o.logger, logCloser: nopCloser{}}
	if c.logger == nil {
		c.logger, c.logCloser = NewLogger(cfg.Log)
	}

	schema, err := coordinator.Schema(cfg.Store.SchemaVersion, o.collections...)
	if err != nil {
		c.logCloser.Close()
		return nil, err
	}
	c.schema = schema

	dialer := o.dialer
	if dialer == nil {
		if dialer, err = newDialer(cfg); err != nil {
			c.logCloser.Close()
			return nil, err
		}
	}

	c.uploader = o.uploader
	if c.uploader == nil {
		if c.uploader, err = snapshot.NewUploader(cfg.Backup); err != nil {
			c.logCloser.Close()
			return nil, err
		}
	}

	c.store, err = store.Open(ctx, cfg.Store.Path, schema,
		store.WithLogger(c.logger),
		store.WithMaxRecordBytes(cfg.Store.MaxRecordBytes),
		store.WithSchemaWatch(cfg.Store.WatchSchema),
	)
	if err != nil {
		c.logCloser.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	c.queue, err = outbox.New(c.store,
		outbox.WithLogger(c.logger),
		outbox.WithGraceWindow(cfg.Outbox.GraceWindow.Std()),
		outbox.WithRetryBackoff(cfg.Outbox.RetryBaseDelay.Std(), cfg.Outbox.RetryMaxDelay.Std()),
	)
	if err != nil {
		c.closeStore()
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	c.transport = stream.NewTransport(dialer,
		stream.WithOptions(streamOptions(cfg.Stream)),
		stream.WithLogger(c.logger),
	)

	c.caller = o.caller
	if c.caller == nil {
		c.caller = remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIKey,
			remote.WithTimeout(cfg.Remote.Timeout.Std()),
			remote.WithHealthPath(cfg.Remote.HealthPath),
			remote.WithLogger(c.logger),
		)
	}

	c.monitor = o.monitor
	if c.monitor == nil {
		pinger, ok := c.caller.(connectivity.Pinger)
		probing := ok && cfg.Remote.ProbeInterval > 0
		// Without a probe the remote is assumed reachable.
		c.monitor = connectivity.NewMonitor(!probing)
		if probing {
			c.prober = connectivity.NewProber(pinger, c.monitor, cfg.Remote.ProbeInterval.Std())
		}
	}

	c.coord, err = coordinator.New(c.store, c.queue, c.transport, c.caller, c.monitor, coordinator.Options{
		RetryCeiling: cfg.Outbox.RetryCeiling,
		PurgeFailed:  cfg.Outbox.PurgeFailed,
		RejectStale:  cfg.Outbox.RejectStale,
		Logger:       c.logger,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}

	c.logger.Info("chatsync client ready",
		"store", cfg.Store.Path,
		"schema_version", cfg.Store.SchemaVersion,
		"dialer", cfg.Stream.Dialer,
		"remote", cfg.Remote.BaseURL,
	)
	return c, nil
}

// Start launches the background loops: the coordinator's connectivity
// reaction, the probe, periodic drains and cache eviction. They stop when
// ctx is done or the client is closed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.group != nil {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.cancel, c.group = cancel, g

	g.Go(func() error { return ignoreCancel(c.coord.Run(gctx)) })
	if c.prober != nil {
		g.Go(func() error {
			c.prober.Run(gctx)
			return nil
		})
	}
	drainer := worker.NewDrainWorker(c.coord, c.cfg.Outbox.DrainInterval.Std())
	g.Go(func() error {
		drainer.Run(gctx)
		return nil
	})
	if ttl := c.cfg.Cache.MessageTTL.Std(); ttl > 0 && c.cfg.Cache.EvictionInterval > 0 {
		evictor := worker.NewCacheEvictionWorker(c.coord, c.cfg.Cache.EvictionInterval.Std(), ttl)
		g.Go(func() error {
			evictor.Run(gctx)
			return nil
		})
	}
	return nil
}

// Close stops background work, settles open streams and closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, g := c.cancel, c.group
	c.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	c.coord.Close()
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := c.logCloser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	return errors.Join(errs...)
}

// Mutate applies a mutation remotely, or queues it while offline.
func (c *Client) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	return c.coord.Mutate(ctx, m)
}

// Drain delivers queued mutations now.
func (c *Client) Drain(ctx context.Context) (DrainReport, error) {
	return c.coord.Drain(ctx)
}

// OpenStream opens the push stream for a conversation. An empty endpoint
// defaults to stream.endpoint.
func (c *Client) OpenStream(ctx context.Context, r StreamRequest) (*Stream, error) {
	if r.Request.Endpoint == "" {
		r.Request.Endpoint = c.cfg.Stream.Endpoint
	}
	return c.coord.OpenStream(ctx, r)
}

// CloseStream closes the conversation's live stream, if any.
func (c *Client) CloseStream(conversationID string) {
	c.coord.CloseStream(conversationID)
}

// Messages returns the cached messages of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	return c.coord.ConversationMessages(ctx, conversationID)
}

// SetEnabled switches offline support on or off.
func (c *Client) SetEnabled(enabled bool) { c.coord.SetEnabled(enabled) }

// Enabled reports whether offline support is on.
func (c *Client) Enabled() bool { return c.coord.Enabled() }

// SetOnline reports a connectivity change observed by the host application.
func (c *Client) SetOnline(online bool) { c.monitor.Set(online) }

// Online reports the last known connectivity state.
func (c *Client) Online() bool { return c.monitor.Online() }

// Subscribe observes changes to a collection.
func (c *Client) Subscribe(collection string) (<-chan Change, func()) {
	return c.store.Subscribe(collection)
}

// OutboxStats summarises the mutation queue.
func (c *Client) OutboxStats(ctx context.Context) (OutboxStats, error) {
	return c.queue.Stats(ctx)
}

// PendingMutations lists queue entries matching f.
func (c *Client) PendingMutations(ctx context.Context, f OutboxFilter) ([]OutboxEntry, error) {
	return c.queue.List(ctx, f)
}

// RetryMutation resets a failed entry so the next drain delivers it again.
func (c *Client) RetryMutation(ctx context.Context, id string) error {
	return c.queue.Retry(ctx, id)
}

// PurgeOutbox deletes completed entries and, with includeFailed, failed
// entries that will not be retried again.
func (c *Client) PurgeOutbox(ctx context.Context, includeFailed bool) (int, error) {
	return c.queue.PurgeTerminal(ctx, outbox.PurgeOptions{
		IncludeFailed: includeFailed,
		FailedCeiling: c.cfg.Outbox.RetryCeiling,
	})
}

// ReopenStore reopens a store disabled by a schema upgrade in another
// process, with this client's declared schema.
func (c *Client) ReopenStore(ctx context.Context) error {
	return c.store.Reopen(ctx, c.schema)
}

// Store exposes the local store for application collections.
func (c *Client) Store() *store.Store { return c.store }

func (c *Client) closeStore() {
	if err := c.store.Close(); err != nil {
		c.logger.Warn("close store", "error", err)
	}
	c.logCloser.Close()
}

func newDialer(cfg *config.Config) (stream.Dialer, error) {
	header := http.Header{}
	if cfg.Remote.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.Remote.APIKey)
	}
	switch cfg.Stream.Dialer {
	case "", "sse":
		return &stream.SSEDialer{Client: &http.Client{}, Header: header}, nil
	case "websocket":
		return &stream.WebSocketDialer{Header: header}, nil
	case "openai":
		var opts []option.RequestOption
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		return stream.NewOpenAIDialer(cfg.OpenAI.APIKey, cfg.OpenAI.Model, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDialer, cfg.Stream.Dialer)
	}
}

func streamOptions(s config.StreamConfig) stream.Options {
	return stream.Options{
		ConnectTimeout:       s.ConnectTimeout.Std(),
		MaxSessionDuration:   s.MaxSessionDuration.Std(),
		AutoReconnect:        s.AutoReconnect,
		MaxReconnectAttempts: s.MaxReconnectAttempts,
		BaseDelay:            s.BaseDelay.Std(),
		BackoffFactor:        s.BackoffFactor,
		MaxReconnectDelay:    s.MaxReconnectDelay.Std(),
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
