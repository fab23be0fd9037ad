package queue

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapStorage(t *testing.T) {
	if wrapStorage("op", nil) != nil {
		t.Fatalf("wrapStorage(nil) != nil")
	}
	for _, sentinel := range []error{ErrItemNotFound, ErrInvalidQueueName, ErrInvalidIdentifier, ErrInvariantViolation, ErrStoreClosed} {
		wrapped := fmt.Errorf("ctx: %w", sentinel)
		if got := wrapStorage("op", wrapped); got != wrapped {
			t.Fatalf("wrapStorage(%v)=%v, want passthrough", wrapped, got)
		}
	}

	driverErr := errors.New("database is locked")
	err := wrapStorage("dequeue", driverErr)
	if err.Error() != "dequeue: storage unavailable: database is locked" {
		t.Fatalf("message=%q", err.Error())
	}
	if again := wrapStorage("outer", err); again != err {
		t.Fatalf("already wrapped error rewrapped: %v", again)
	}
	if !IsRetryable(err) || !errors.Is(err, driverErr) {
		t.Fatalf("wrapped error lost retryable or driver identity: %v", err)
	}
}
