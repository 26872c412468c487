// Package stream implements the reconnecting push-stream client: one
// Connection per logical channel, decoding transport frames into typed
// events and reconnecting with exponential backoff.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Request describes what to stream. Params are sent as query parameters;
// Body, when set, is sent with the opening request.
type Request struct {
	Endpoint string
	Params   map[string]string
	Header   http.Header
	Body     json.RawMessage
}

// Dialer opens one transport connection. resume is empty on the first dial
// and otherwise identifies the last frame received, so the peer can continue
// after it. Dial must return when ctx is done.
type Dialer interface {
	Dial(ctx context.Context, req Request, resume string) (FrameReader, error)
}

// FrameReader reads frames from an open transport connection. ReadFrame
// returns io.EOF when the peer closes the stream.
type FrameReader interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Transport owns the live connections, at most one per channel.
type Transport struct {
	dialer      Dialer
	opts        Options
	logger      *slog.Logger
	onReconnect func(ReconnectEvent)
	sleep       func(context.Context, time.Duration) error

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// NewTransport returns a transport dialing through dialer.
func NewTransport(dialer Dialer, opts ...Option) *Transport {
	t := &Transport{
		dialer: dialer,
		opts:   DefaultOptions(),
		logger: slog.Default(),
		sleep:  sleepContext,
		conns:  make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "stream")
	return t
}

// Connect starts a connection on channel. A live connection on the same
// channel is closed before the new one starts dialing. Cancelling ctx closes
// the connection like Close.
func (t *Transport) Connect(ctx context.Context, channel string, req Request) (*Connection, error) {
	if channel == "" {
		return nil, errors.New("stream: channel is required")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	c := newConnection(ctx, t, channel, req)
	prev := t.conns[channel]
	t.conns[channel] = c
	t.mu.Unlock()

	if prev != nil {
		t.logger.Debug("replacing live connection", "channel", channel)
		prev.Close()
	}

	go c.run()
	return c, nil
}

// Get returns the live connection on channel.
func (t *Transport) Get(channel string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[channel]
	return c, ok
}

// Close closes the live connection on channel, if any.
func (t *Transport) Close(channel string) {
	if c, ok := t.Get(channel); ok {
		c.Close()
	}
}

// Live returns the channels with a live connection.
func (t *Transport) Live() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns))
	for ch := range t.conns {
		out = append(out, ch)
	}
	return out
}

// CloseAll closes every connection and rejects further Connect calls.
func (t *Transport) CloseAll() {
	t.mu.Lock()
	t.closed = true
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// remove drops c from the live set unless it was already replaced.
func (t *Transport) remove(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[c.channel] == c {
		delete(t.conns, c.channel)
	}
}
