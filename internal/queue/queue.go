package queue

import (
	"context"
	"time"
)

// Entry is one row of a named FIFO queue.
type Entry struct {
	QueueName string
	ID        string
	Sequence  int64
	Payload   []byte
}

// Item is one row of the deduplication ledger.
type Item struct {
	ID      string
	Payload []byte
}

type Status struct {
	QueueName         string
	Depth             int
	DeadLetterDepth   int
	LastSequence      int64
	HasMessages       bool
	HasFailedMessages bool
}

// DeadLetter is the document stored as the payload of a dead-letter entry.
type DeadLetter struct {
	OriginalQueue string    `json:"original_queue"`
	ID            string    `json:"id"`
	Sequence      int64     `json:"sequence"`
	Payload       []byte    `json:"payload"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failed_at"`
}

// ItemStore is the write-once deduplication ledger keyed by identifier.
type ItemStore interface {
	ItemExists(ctx context.Context, id string) (bool, error)
	// PutItemIfAbsent reports whether this call performed the insert. A
	// concurrent or earlier insert of the same id yields false, not an error.
	PutItemIfAbsent(ctx context.Context, id string, payload []byte) (bool, error)
	GetItem(ctx context.Context, id string) (Item, error)
}

// CheckpointStore persists one opaque resume cursor per source key.
type CheckpointStore interface {
	ReadCheckpoint(ctx context.Context, key string) (string, bool, error)
	WriteCheckpoint(ctx context.Context, key, value string) error
}

// CounterStore persists one monotonically increasing integer per key.
type CounterStore interface {
	// IncrementCounter atomically adds one and returns the new value. An
	// unknown key starts at zero, so the first call returns 1.
	IncrementCounter(ctx context.Context, key string) (int64, error)
	ReadCounter(ctx context.Context, key string) (int64, error)
}

// EntryStore persists queue entries. InsertEntry stamps the next counter
// value for the queue and inserts the row as one atomic unit; a duplicate
// (queue, id) leaves the row untouched and returns false, possibly leaving a
// gap in the sequence.
type EntryStore interface {
	InsertEntry(ctx context.Context, queueName, id string, payload []byte) (Entry, bool, error)
	TakeFirst(ctx context.Context, queueName string) (Entry, bool, error)
	First(ctx context.Context, queueName string) (Entry, bool, error)
	DeleteEntries(ctx context.Context, queueName string) (int, error)
	CountEntries(ctx context.Context, queueName string) (int, error)
	ListEntries(ctx context.Context, queueName string, limit int) ([]Entry, error)
}

type Store interface {
	ItemStore
	CheckpointStore
	CounterStore
	EntryStore
	Close() error
}

// Pinger is an optional extension implemented by stores that can report
// whether the underlying storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadCheckpointOr returns the stored cursor for key, or def when no
// checkpoint has been written yet.
func ReadCheckpointOr(ctx context.Context, store CheckpointStore, key, def string) (string, error) {
	value, found, err := store.ReadCheckpoint(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return def, nil
	}
	return value, nil
}

const defaultListLimit = 100

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
