package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/nuetzliches/ingestq/internal/queue"

	DefaultDeadLetterSuffix = "_dlq"
	maxDequeueBatch         = 1000
)

type ManagerOption func(*Manager)

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

func WithDeadLetterSuffix(suffix string) ManagerOption {
	return func(m *Manager) {
		if suffix != "" {
			m.deadLetterSuffix = suffix
		}
	}
}

func WithManagerNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// WithFatalFunc replaces the hook run on an invariant violation. The default
// exits the process with status 2, so a recover in the caller (net/http
// handlers, for one) cannot keep it running.
func WithFatalFunc(fn func(error)) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.fatal = fn
		}
	}
}

func WithGuardWindow(n int) ManagerOption {
	return func(m *Manager) {
		m.guard = newSequenceGuard(n)
	}
}

// Manager is the public enqueue/dequeue/peek/purge surface over a Store.
// It holds no locks across storage calls; ordering and exclusivity come from
// the store's atomic insert and select-and-delete operations.
type Manager struct {
	store            Store
	logger           *slog.Logger
	tracer           trace.Tracer
	deadLetterSuffix string
	nowFn            func() time.Time
	guard            *sequenceGuard
	fatal            func(error)
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:            store,
		logger:           slog.New(slog.NewJSONHandler(io.Discard, nil)),
		tracer:           otel.Tracer(tracerName),
		deadLetterSuffix: DefaultDeadLetterSuffix,
		nowFn:            time.Now,
		guard:            newSequenceGuard(defaultGuardWindow),
		fatal:            exitOnViolation,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() Store {
	return m.store
}

// Enqueue appends id to queueName. It returns false without error when the
// identifier is already queued there, so retrying a failed call is safe.
func (m *Manager) Enqueue(ctx context.Context, queueName, id string, payload []byte) (bool, error) {
	name, err := NormalizeName(queueName)
	if err != nil {
		return false, err
	}
	if err := validateIdentifier(id); err != nil {
		return false, err
	}
	if payload == nil {
		payload = []byte{}
	}

	ctx, span := m.start(ctx, "queue.enqueue", name, attribute.String("item.id", id))
	defer span.End()

	entry, inserted, err := m.store.InsertEntry(ctx, name, id, payload)
	if err != nil {
		err = wrapStorage("enqueue", err)
		m.fail(span, err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("queue.enqueued", inserted))
	if !inserted {
		m.logger.Debug("enqueue_duplicate", slog.String("queue", name), slog.String("id", id))
		return false, nil
	}
	span.SetAttributes(attribute.Int64("queue.sequence", entry.Sequence))
	m.logger.Debug("enqueued",
		slog.String("queue", name),
		slog.String("id", id),
		slog.Int64("sequence", entry.Sequence),
	)
	return true, nil
}

// Dequeue removes and returns the oldest entry of queueName. The boolean is
// false when the queue is empty.
func (m *Manager) Dequeue(ctx context.Context, queueName string) (Entry, bool, error) {
	name, err := NormalizeName(queueName)
	if err != nil {
		return Entry{}, false, err
	}

	ctx, span := m.start(ctx, "queue.dequeue", name)
	defer span.End()

	return m.dequeue(ctx, span, name)
}

func (m *Manager) dequeue(ctx context.Context, span trace.Span, name string) (Entry, bool, error) {
	entry, ok, err := m.store.TakeFirst(ctx, name)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			m.violated(span, err)
		}
		err = wrapStorage("dequeue", err)
		m.fail(span, err)
		return Entry{}, false, err
	}
	if !ok {
		span.SetAttributes(attribute.Bool("queue.empty", true))
		return Entry{}, false, nil
	}
	if err := m.guard.observe(name, entry.Sequence); err != nil {
		m.violated(span, err)
	}
	span.SetAttributes(
		attribute.String("item.id", entry.ID),
		attribute.Int64("queue.sequence", entry.Sequence),
	)
	m.logger.Debug("dequeued",
		slog.String("queue", name),
		slog.String("id", entry.ID),
		slog.Int64("sequence", entry.Sequence),
	)
	return entry, true, nil
}

// Peek returns the entry Dequeue would return next without removing it. The
// result is advisory: a concurrent Dequeue may take it first.
func (m *Manager) Peek(ctx context.Context, queueName string) (Entry, bool, error) {
	name, err := NormalizeName(queueName)
	if err != nil {
		return Entry{}, false, err
	}

	ctx, span := m.start(ctx, "queue.peek", name)
	defer span.End()

	entry, ok, err := m.store.First(ctx, name)
	if err != nil {
		err = wrapStorage("peek", err)
		m.fail(span, err)
		return Entry{}, false, err
	}
	if !ok {
		span.SetAttributes(attribute.Bool("queue.empty", true))
		return Entry{}, false, nil
	}
	span.SetAttributes(attribute.String("item.id", entry.ID))
	return entry, true, nil
}

// Purge deletes every entry of queueName. The queue's counter is left alone,
// so later entries still sort after everything issued before the purge.
func (m *Manager) Purge(ctx context.Context, queueName string) (int, error) {
	name, err := NormalizeName(queueName)
	if err != nil {
		return 0, err
	}

	ctx, span := m.start(ctx, "queue.purge", name)
	defer span.End()

	n, err := m.store.DeleteEntries(ctx, name)
	if err != nil {
		err = wrapStorage("purge", err)
		m.fail(span, err)
		return 0, err
	}
	m.guard.forget(name)
	span.SetAttributes(attribute.Int("queue.purged", n))
	m.logger.Info("queue_purged", slog.String("queue", name), slog.Int("purged", n))
	return n, nil
}

// DequeueBatch performs up to max sequential dequeues and stops early at the
// first empty result.
func (m *Manager) DequeueBatch(ctx context.Context, queueName string, max int) ([]Entry, error) {
	name, err := NormalizeName(queueName)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	if max > maxDequeueBatch {
		max = maxDequeueBatch
	}

	ctx, span := m.start(ctx, "queue.dequeue_batch", name, attribute.Int("queue.batch", max))
	defer span.End()

	out := make([]Entry, 0, max)
	for len(out) < max {
		entry, ok, err := m.dequeue(ctx, span, name)
		if err != nil {
			// Entries already removed are returned with the error so the
			// caller can still process them.
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, entry)
	}
	span.SetAttributes(attribute.Int("queue.dequeued", len(out)))
	return out, nil
}

func (m *Manager) Depth(ctx context.Context, queueName string) (int, error) {
	name, err := NormalizeName(queueName)
	if err != nil {
		return 0, err
	}
	n, err := m.store.CountEntries(ctx, name)
	if err != nil {
		return 0, wrapStorage("depth", err)
	}
	return n, nil
}

// Status summarizes a queue together with its dead-letter queue.
func (m *Manager) Status(ctx context.Context, queueName string) (Status, error) {
	name, err := NormalizeName(queueName)
	if err != nil {
		return Status{}, err
	}

	ctx, span := m.start(ctx, "queue.status", name)
	defer span.End()

	depth, err := m.store.CountEntries(ctx, name)
	if err != nil {
		err = wrapStorage("status", err)
		m.fail(span, err)
		return Status{}, err
	}
	dead, err := m.store.CountEntries(ctx, m.DeadLetterQueue(name))
	if err != nil {
		err = wrapStorage("status", err)
		m.fail(span, err)
		return Status{}, err
	}
	last, err := m.store.ReadCounter(ctx, name)
	if err != nil {
		err = wrapStorage("status", err)
		m.fail(span, err)
		return Status{}, err
	}
	return Status{
		QueueName:         name,
		Depth:             depth,
		DeadLetterDepth:   dead,
		LastSequence:      last,
		HasMessages:       depth > 0,
		HasFailedMessages: dead > 0,
	}, nil
}

// List returns up to limit entries of queueName in dequeue order without
// removing them.
func (m *Manager) List(ctx context.Context, queueName string, limit int) ([]Entry, error) {
	name, err := NormalizeName(queueName)
	if err != nil {
		return nil, err
	}
	entries, err := m.store.ListEntries(ctx, name, clampListLimit(limit))
	if err != nil {
		return nil, wrapStorage("list", err)
	}
	return entries, nil
}

// DeadLetterQueue returns the name of the dead-letter queue paired with
// queueName.
func (m *Manager) DeadLetterQueue(queueName string) string {
	return queueName + m.deadLetterSuffix
}

// MoveToDeadLetter records a failed entry in the dead-letter queue of its
// original queue, keyed by the entry's identifier. It returns false when the
// identifier is already dead-lettered there.
func (m *Manager) MoveToDeadLetter(ctx context.Context, entry Entry, reason string) (bool, error) {
	name, err := NormalizeName(entry.QueueName)
	if err != nil {
		return false, err
	}
	doc, err := json.Marshal(DeadLetter{
		OriginalQueue: name,
		ID:            entry.ID,
		Sequence:      entry.Sequence,
		Payload:       entry.Payload,
		Error:         reason,
		FailedAt:      m.nowFn().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("encode dead letter: %w", err)
	}
	moved, err := m.Enqueue(ctx, m.DeadLetterQueue(name), entry.ID, doc)
	if err != nil {
		return false, err
	}
	if moved {
		m.logger.Warn("dead_lettered",
			slog.String("queue", name),
			slog.String("id", entry.ID),
			slog.String("reason", reason),
		)
	}
	return moved, nil
}

// DecodeDeadLetter parses the payload of a dead-letter entry.
func DecodeDeadLetter(payload []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(payload, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return dl, nil
}

func (m *Manager) start(ctx context.Context, op, queueName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("queue.name", queueName))
	return m.tracer.Start(ctx, op, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

func (m *Manager) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Warn("queue_storage_error", slog.Any("err", err), slog.Bool("retryable", IsRetryable(err)))
}

// violated aborts the process. A duplicated or skipped entry means the
// backend's select-and-delete was not atomic and ordering can no longer be
// trusted. The panic only runs when the fatal hook returns.
func (m *Manager) violated(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
	m.logger.Error("queue_invariant_violation", slog.Any("err", err))
	m.fatal(err)
	panic(err)
}

func exitOnViolation(err error) {
	fmt.Fprintf(os.Stderr, "ingestq: fatal: %v\n", err)
	os.Exit(2)
}
