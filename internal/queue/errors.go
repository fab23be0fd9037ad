package queue

import (
	"errors"
	"fmt"
)

var (
	ErrItemNotFound       = errors.New("item not found")
	ErrInvalidQueueName   = errors.New("invalid queue name")
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvariantViolation = errors.New("queue invariant violated")
	ErrStoreClosed        = errors.New("store is closed")
)

// StorageError wraps a backend failure. It matches ErrStorageUnavailable
// with errors.Is and unwraps to the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrStorageUnavailable, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// wrapStorage turns a raw backend error into a *StorageError, leaving
// domain sentinels and already-wrapped errors untouched.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrInvalidQueueName) ||
		errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrStoreClosed) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsRetryable reports whether err is a transient storage failure that the
// caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
