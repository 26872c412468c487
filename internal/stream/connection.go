package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// OutcomeStatus is how a connection ended.
type OutcomeStatus int

const (
	// Completed means the peer sent an end frame.
	Completed OutcomeStatus = iota + 1
	// Truncated means the session hit MaxSessionDuration.
	Truncated
	// Cancelled means the caller closed the connection.
	Cancelled
	// Failed means the connection ended with Outcome.Err.
	Failed
)

func (s OutcomeStatus) String() string {
	switch s {
	case Completed:
		return "completed"
	case Truncated:
		return "truncated"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "pending"
}

// Outcome is the terminal result of a connection.
type Outcome struct {
	Status OutcomeStatus
	Err    error
	// Final is the payload of the end frame, when there was one.
	Final json.RawMessage
}

// Connection is one logical stream, possibly spanning several transport
// connections through reconnects. Events are delivered in arrival order on
// an unbuffered channel; the producer waits for the consumer.
type Connection struct {
	channel string
	req     Request
	dialer  Dialer
	opts    Options
	logger  *slog.Logger

	sleep       func(context.Context, time.Duration) error
	onReconnect func(ReconnectEvent)
	onDone      func(*Connection)
	detach      func() bool

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	truncated atomic.Bool

	mu           sync.Mutex
	state        State
	attempts     int
	lastSeq      int64
	lastID       string
	partial      strings.Builder
	lastActivity time.Time
	outcome      Outcome
}

func newConnection(ctx context.Context, t *Transport, channel string, req Request) *Connection {
	c := &Connection{
		channel:     channel,
		req:         req,
		dialer:      t.dialer,
		opts:        t.opts,
		logger:      t.logger.With("channel", channel),
		sleep:       t.sleep,
		onReconnect: t.onReconnect,
		onDone:      t.remove,
		events:      make(chan Event),
		done:        make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.detach = context.AfterFunc(ctx, c.cancel)
	return c
}

// Channel returns the logical channel key.
func (c *Connection) Channel() string { return c.channel }

// Events returns the event channel. It is closed when the connection ends.
func (c *Connection) Events() <-chan Event { return c.events }

// Done is closed when the connection has ended and Outcome is final.
func (c *Connection) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outcome returns the terminal outcome; its Status is zero until Done.
func (c *Connection) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Partial returns the content text received so far.
func (c *Connection) Partial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial.String()
}

// Attempts returns how many reconnects have been scheduled since the stream
// was last open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastActivity returns when the last frame arrived.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Close ends the connection with a Cancelled outcome unless it already
// ended, suppresses reconnects and waits for the connection to stop. It is
// safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateClosing
		}
		c.mu.Unlock()
		c.cancel()
	})
	<-c.done
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Connection) run() {
	defer close(c.done)
	defer close(c.events)
	defer c.onDone(c)
	defer c.detach()

	var sessionTimer *time.Timer
	defer func() {
		if sessionTimer != nil {
			sessionTimer.Stop()
		}
	}()

	backoff := c.opts.backoff()
	for {
		if c.ctx.Err() != nil {
			c.finishStopped()
			return
		}

		c.setState(StateConnecting)
		reader, stop, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				c.finishStopped()
				return
			}
			if !c.retry(backoff, err) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.state = StateOpen
		c.attempts = 0
		c.mu.Unlock()
		backoff = c.opts.backoff()
		if sessionTimer == nil && c.opts.MaxSessionDuration > 0 {
			sessionTimer = time.AfterFunc(c.opts.MaxSessionDuration, func() {
				c.truncated.Store(true)
				c.cancel()
			})
		}
		c.logger.Debug("stream open")

		final, err := c.consume(reader)
		reader.Close()
		stop()

		if err == nil {
			c.finish(Outcome{Status: Completed, Final: final})
			return
		}
		if c.ctx.Err() != nil {
			c.finishStopped()
			return
		}
		var remote *RemoteError
		if errors.As(err, &remote) {
			c.finish(Outcome{Status: Failed, Err: err})
			return
		}
		if !c.retry(backoff, err) {
			return
		}
	}
}

// dial opens one transport connection, bounded by ConnectTimeout. The
// returned stop func releases the connection context.
func (c *Connection) dial() (FrameReader, context.CancelFunc, error) {
	connCtx, cancel := context.WithCancel(c.ctx)

	type result struct {
		r   FrameReader
		err error
	}
	results := make(chan result, 1)
	resume := c.resumeToken()
	go func() {
		r, err := c.dialer.Dial(connCtx, c.req, resume)
		results <- result{r, err}
	}()

	var timeout <-chan time.Time
	if c.opts.ConnectTimeout > 0 {
		timer := time.NewTimer(c.opts.ConnectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-results:
		if res.err != nil {
			cancel()
			return nil, nil, classifyDialError(res.err)
		}
		return res.r, cancel, nil
	case <-timeout:
		cancel()
		if res := <-results; res.r != nil {
			res.r.Close()
		}
		return nil, nil, fmt.Errorf("%w: not open after %s", ErrConnectionTimeout, c.opts.ConnectTimeout)
	}
}

func classifyDialError(err error) error {
	var remote *RemoteError
	if errors.As(err, &remote) || errors.Is(err, ErrNotResumable) || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (c *Connection) resumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastID != "" {
		return c.lastID
	}
	if c.lastSeq > 0 {
		return strconv.FormatInt(c.lastSeq, 10)
	}
	return ""
}

// consume reads frames until an end frame (nil error), an error frame
// (*RemoteError) or a read failure.
func (c *Connection) consume(r FrameReader) (json.RawMessage, error) {
	for {
		f, err := r.ReadFrame(c.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: stream ended without end frame", ErrTransport)
			}
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}

		ev, err := decodeFrame(f)
		if err != nil {
			c.logger.Warn("stream frame dropped", "error", err, "type", f.Type)
			continue
		}
		if !c.accept(f, ev) {
			c.logger.Debug("duplicate stream frame dropped", "seq", ev.Seq)
			continue
		}

		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}

		switch ev.Kind {
		case KindEnd:
			return ev.Final, nil
		case KindError:
			return nil, &RemoteError{Code: ev.Code, Message: ev.Message}
		}
	}
}

// accept records a decoded frame and reports whether it is new.
func (c *Connection) accept(f Frame, ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	if ev.Seq > 0 {
		if ev.Seq <= c.lastSeq {
			return false
		}
		c.lastSeq = ev.Seq
	}
	if f.ID != "" {
		c.lastID = f.ID
	}
	if ev.Kind == KindContent {
		c.partial.WriteString(ev.Text)
	}
	return true
}

// retry schedules the next reconnect after err, or ends the connection when
// reconnecting is off or exhausted. It reports whether to dial again.
func (c *Connection) retry(backoff retry.Backoff, err error) bool {
	c.setState(StateErrored)

	if !c.opts.AutoReconnect || errors.Is(err, ErrNotResumable) {
		c.finish(Outcome{Status: Failed, Err: err})
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		c.finish(Outcome{Status: Failed, Err: err})
		return false
	}

	delay, stop := backoff.Next()
	if stop {
		c.finish(Outcome{Status: Failed, Err: fmt.Errorf("%w: %w", ErrReconnectLimitExceeded, err)})
		return false
	}

	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Warn("stream dropped, reconnecting",
		"error", err,
		"attempt", attempt,
		"delay", delay,
	)
	if c.onReconnect != nil {
		c.onReconnect(ReconnectEvent{Channel: c.channel, Attempt: attempt, Delay: delay, Err: err})
	}

	if err := c.sleep(c.ctx, delay); err != nil {
		c.finishStopped()
		return false
	}
	return true
}

// finishStopped ends a connection whose context was cancelled.
func (c *Connection) finishStopped() {
	if c.truncated.Load() && !c.closed.Load() {
		c.finish(Outcome{Status: Truncated})
		return
	}
	c.finish(Outcome{Status: Cancelled})
}

func (c *Connection) finish(o Outcome) {
	c.mu.Lock()
	c.state = StateClosed
	c.outcome = o
	c.mu.Unlock()
	c.cancel()

	if o.Status == Failed {
		c.logger.Warn("stream failed", "error", o.Err, "partial_bytes", c.partialLen())
		return
	}
	c.logger.Debug("stream ended", "outcome", o.Status.String())
}

func (c *Connection) partialLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial.Len()
}
