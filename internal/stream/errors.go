package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionTimeout is returned when a connection does not open
	// within the configured connect timeout.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrTransport wraps transport-level faults: dial failures and dropped
	// streams.
	ErrTransport = errors.New("transport error")

	// ErrReconnectLimitExceeded is the terminal error once every reconnect
	// attempt has failed. It wraps the last underlying failure.
	ErrReconnectLimitExceeded = errors.New("reconnect limit exceeded")

	// ErrNotResumable is returned by dialers that cannot continue a stream
	// from a resume token. It ends the connection without further attempts.
	ErrNotResumable = errors.New("stream cannot be resumed")

	// ErrClosed is returned by Connect after the transport was shut down.
	ErrClosed = errors.New("transport closed")
)

// RemoteError is an error reported by the stream peer, either as an error
// frame or as a rejected connection. It is terminal for the connection.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote error: %s", e.Message)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}
