package stream

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// Options configures connection timing and reconnection.
type Options struct {
	// ConnectTimeout bounds each dial; zero means no bound.
	ConnectTimeout time.Duration
	// MaxSessionDuration closes a connection that has been open this long
	// with a Truncated outcome; zero means unlimited.
	MaxSessionDuration time.Duration

	AutoReconnect        bool
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	BackoffFactor        float64
	MaxReconnectDelay    time.Duration
}

// DefaultOptions returns the default connection options.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:       10 * time.Second,
		MaxSessionDuration:   10 * time.Minute,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		BaseDelay:            time.Second,
		BackoffFactor:        2,
		MaxReconnectDelay:    30 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt number attempt (zero
// based): min(MaxReconnectDelay, BaseDelay * BackoffFactor^attempt).
func (o Options) Delay(attempt int) time.Duration {
	factor := o.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(o.BaseDelay) * math.Pow(factor, float64(attempt))
	if o.MaxReconnectDelay > 0 && d > float64(o.MaxReconnectDelay) {
		return o.MaxReconnectDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// backoff returns a fresh reconnect schedule that stops after
// MaxReconnectAttempts delays.
func (o Options) backoff() retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := o.Delay(attempt)
		attempt++
		return d, false
	})
	if o.MaxReconnectDelay > 0 {
		b = retry.WithCappedDuration(o.MaxReconnectDelay, b)
	}
	return retry.WithMaxRetries(uint64(max(o.MaxReconnectAttempts, 0)), b)
}

// ReconnectEvent describes a scheduled reconnect.
type ReconnectEvent struct {
	Channel string
	Attempt int
	Delay   time.Duration
	Err     error
}

// Option configures a Transport.
type Option func(*Transport)

// WithOptions sets the connection options.
func WithOptions(o Options) Option {
	return func(t *Transport) {
		t.opts = o
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithReconnectHook registers a callback run before every reconnect delay.
func WithReconnectHook(fn func(ReconnectEvent)) Option {
	return func(t *Transport) {
		t.onReconnect = fn
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
