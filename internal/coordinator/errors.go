package coordinator

import "errors"

var (
	// ErrInvalidMutation is returned for a mutation without method or path.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrInvalidRecord is returned when a cached record is not a JSON object.
	ErrInvalidRecord = errors.New("cached record must be a JSON object")

	// ErrStaleMutation marks a queued mutation whose base version is older
	// than the cached record. Only raised when stale rejection is enabled.
	ErrStaleMutation = errors.New("stale mutation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)
