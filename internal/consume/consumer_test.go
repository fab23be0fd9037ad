package consume

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/ingestq/internal/queue"
)

func seed(t *testing.T, m *queue.Manager, q string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := m.Enqueue(context.Background(), q, id, []byte("payload-"+id))
		require.NoError(t, err)
	}
}

func TestDrain_HandlesInOrder(t *testing.T) {
	m := queue.NewManager(queue.NewMemoryStore())
	seed(t, m, "jobs", "a", "b", "c")

	var got []string
	c := &Consumer{Queue: m, QueueName: "jobs", Handler: HandlerFunc(func(_ context.Context, e queue.Entry) error {
		got = append(got, e.ID)
		return nil
	})}

	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Handled: 3}, res)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDrain_DeadLettersFailures(t *testing.T) {
	ctx := context.Background()
	m := queue.NewManager(queue.NewMemoryStore())
	seed(t, m, "jobs", "ok", "bad")

	c := &Consumer{
		Queue:      m,
		QueueName:  "jobs",
		DeadLetter: true,
		Handler: HandlerFunc(func(_ context.Context, e queue.Entry) error {
			if e.ID == "bad" {
				return errors.New("upstream rejected")
			}
			return nil
		}),
	}

	res, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Handled: 1, Failed: 1, DeadLettered: 1}, res)

	st, err := m.Status(ctx, "jobs")
	require.NoError(t, err)
	assert.False(t, st.HasMessages)
	assert.True(t, st.HasFailedMessages)

	dead, ok, err := m.Dequeue(ctx, "jobs_dlq")
	require.NoError(t, err)
	require.True(t, ok)
	dl, err := queue.DecodeDeadLetter(dead.Payload)
	require.NoError(t, err)
	assert.Equal(t, "bad", dl.ID)
	assert.Equal(t, "upstream rejected", dl.Error)
	assert.Equal(t, "payload-bad", string(dl.Payload))
}

func TestDrain_DropsFailuresWithoutDeadLetter(t *testing.T) {
	ctx := context.Background()
	m := queue.NewManager(queue.NewMemoryStore())
	seed(t, m, "jobs", "bad")

	c := &Consumer{Queue: m, QueueName: "jobs", Handler: HandlerFunc(func(context.Context, queue.Entry) error {
		return errors.New("nope")
	})}
	res, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	st, err := m.Status(ctx, "jobs")
	require.NoError(t, err)
	assert.False(t, st.HasMessages)
	assert.False(t, st.HasFailedMessages)
}

func TestDrain_CancelledHandlerStillDeadLetters(t *testing.T) {
	store, err := queue.NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	m := queue.NewManager(store)
	seed(t, m, "jobs", "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &Consumer{
		Queue:      m,
		QueueName:  "jobs",
		DeadLetter: true,
		Handler: HandlerFunc(func(ctx context.Context, _ queue.Entry) error {
			cancel()
			return ctx.Err()
		}),
	}

	res, err := c.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{Failed: 1, DeadLettered: 1}, res)

	bg := context.Background()
	depth, err := m.Depth(bg, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	dead, ok, err := m.Dequeue(bg, "jobs_dlq")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", dead.ID)
}

type brokenDequeuer struct{}

func (brokenDequeuer) Dequeue(context.Context, string) (queue.Entry, bool, error) {
	return queue.Entry{}, false, &queue.StorageError{Op: "dequeue", Err: errors.New("db down")}
}

func (brokenDequeuer) MoveToDeadLetter(context.Context, queue.Entry, string) (bool, error) {
	return false, nil
}

func TestDrain_ReturnsStorageErrors(t *testing.T) {
	c := &Consumer{Queue: brokenDequeuer{}, QueueName: "jobs", Handler: HandlerFunc(func(context.Context, queue.Entry) error { return nil })}
	_, err := c.Drain(context.Background())
	assert.True(t, queue.IsRetryable(err))
}

func TestDrain_RequiresHandler(t *testing.T) {
	c := &Consumer{Queue: brokenDequeuer{}, QueueName: "jobs"}
	_, err := c.Drain(context.Background())
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.ErrorIs(t, c.Run(context.Background()), ErrNoHandler)
}

func TestRun_PicksUpLateWorkAndStops(t *testing.T) {
	m := queue.NewManager(queue.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	c := &Consumer{
		Queue:           m,
		QueueName:       "jobs",
		PollInterval:    time.Millisecond,
		MaxPollInterval: 5 * time.Millisecond,
		Handler: HandlerFunc(func(_ context.Context, e queue.Entry) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, e.ID)
			if len(got) == 2 {
				close(done)
			}
			return nil
		}),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	seed(t, m, "jobs", "late-1", "late-2")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer did not pick up late entries")
	}
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"late-1", "late-2"}, got)
}

func TestIntervals(t *testing.T) {
	c := &Consumer{}
	minWait, maxWait := c.intervals()
	assert.Equal(t, defaultPollInterval, minWait)
	assert.Equal(t, defaultMaxPollInterval, maxWait)

	c = &Consumer{PollInterval: time.Second, MaxPollInterval: time.Millisecond}
	minWait, maxWait = c.intervals()
	assert.Equal(t, time.Second, minWait)
	assert.Equal(t, time.Second, maxWait)
}
