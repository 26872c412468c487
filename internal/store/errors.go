package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable means the backing medium cannot be used. It is fatal
	// for every operation until the store is reopened.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSchemaVersionConflict is returned by Open when the persisted schema
	// version is newer than the declared one.
	ErrSchemaVersionConflict = errors.New("schema version conflict")

	// ErrIncompatibleSchema is returned by Open when a schema change is not
	// purely additive.
	ErrIncompatibleSchema = errors.New("incompatible schema change")

	ErrNotFound          = errors.New("record not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrMissingKey        = errors.New("record has no usable primary key")
	ErrInvalidKey        = errors.New("invalid key")
	ErrQuotaExceeded     = errors.New("record exceeds storage quota")
	ErrUniqueViolation   = errors.New("unique index violation")
	ErrSerialization     = errors.New("record serialization failed")
)

// OperationError reports a failed per-call store operation. It never
// invalidates the store itself.
type OperationError struct {
	Op         string
	Collection string
	Err        error
}

func (e *OperationError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return err
	}
	return &OperationError{Op: op, Collection: collection, Err: err}
}
