package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrDrainInProgress is returned when Drain is called while another drain
	// of the same queue is running.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrEntryNotFound is returned when no entry has the requested id.
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrInvalidTransition is returned for a status change the lifecycle does
	// not permit.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidOperation is returned by Enqueue for an operation without a
	// target or method.
	ErrInvalidOperation = errors.New("invalid operation")
)

// DeliveryError records a failed delivery of one entry during a drain.
type DeliveryError struct {
	ID        string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a delivery failure as not worth retrying. The entry is
// failed and never requeued by policy; only Retry brings it back.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
