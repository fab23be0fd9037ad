// Package consume drains a queue through a Handler. Dequeued entries are
// gone from the queue, so a handler failure either moves the entry to the
// dead-letter queue or drops it; nothing is redelivered.
package consume

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/nuetzliches/ingestq/internal/queue"
)

const (
	defaultPollInterval    = 250 * time.Millisecond
	defaultMaxPollInterval = 5 * time.Second
	deadLetterTimeout      = 10 * time.Second
)

var ErrNoHandler = errors.New("consumer has no handler")

type Handler interface {
	Handle(ctx context.Context, entry queue.Entry) error
}

type HandlerFunc func(ctx context.Context, entry queue.Entry) error

func (f HandlerFunc) Handle(ctx context.Context, entry queue.Entry) error {
	return f(ctx, entry)
}

// Dequeuer is the part of queue.Manager a Consumer uses.
type Dequeuer interface {
	Dequeue(ctx context.Context, queueName string) (queue.Entry, bool, error)
	MoveToDeadLetter(ctx context.Context, entry queue.Entry, reason string) (bool, error)
}

type Consumer struct {
	Queue     Dequeuer
	QueueName string
	Handler   Handler
	// PollInterval is the first sleep after an empty dequeue. It doubles up
	// to MaxPollInterval and resets once work shows up.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// DeadLetter moves entries whose handler failed to the queue's
	// dead-letter queue instead of dropping them.
	DeadLetter bool
	Logger     *slog.Logger
}

type Result struct {
	Handled      int
	Failed       int
	DeadLettered int
}

// Drain handles entries until the queue is empty. Storage errors stop the
// drain and are returned together with the counts so far.
func (c *Consumer) Drain(ctx context.Context) (Result, error) {
	var res Result
	if c.Handler == nil {
		return res, ErrNoHandler
	}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		worked, err := c.step(ctx, &res)
		if err != nil {
			return res, err
		}
		if !worked {
			return res, nil
		}
	}
}

// Run consumes until ctx is done. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Handler == nil {
		return ErrNoHandler
	}
	logger := c.logger()
	minWait, maxWait := c.intervals()
	wait := minWait
	var res Result

	for {
		worked, err := c.step(ctx, &res)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("dequeue_storage_error",
				slog.String("queue", c.QueueName),
				slog.Any("err", err),
				slog.Bool("retryable", queue.IsRetryable(err)),
			)
		case worked:
			wait = minWait
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("consumer_stopped",
				slog.String("queue", c.QueueName),
				slog.Int("handled", res.Handled),
				slog.Int("failed", res.Failed),
			)
			return nil
		case <-timer.C:
		}
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}

// step dequeues and handles at most one entry. It reports whether an entry
// was taken.
func (c *Consumer) step(ctx context.Context, res *Result) (bool, error) {
	entry, ok, err := c.Queue.Dequeue(ctx, c.QueueName)
	if err != nil || !ok {
		return false, err
	}

	herr := c.Handler.Handle(ctx, entry)
	if herr == nil {
		res.Handled++
		return true, nil
	}
	res.Failed++

	logger := c.logger()
	if !c.DeadLetter {
		logger.Error("handler_failed_dropped",
			slog.String("queue", entry.QueueName),
			slog.String("id", entry.ID),
			slog.Int64("sequence", entry.Sequence),
			slog.Any("err", herr),
		)
		return true, nil
	}

	// The entry is already off the main queue, so the move has to survive a
	// cancelled drain.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	moved, err := c.Queue.MoveToDeadLetter(dctx, entry, herr.Error())
	cancel()
	if err != nil {
		// The entry is already off the main queue; the only copy left is in
		// this log line.
		logger.Error("dead_letter_failed",
			slog.String("queue", entry.QueueName),
			slog.String("id", entry.ID),
			slog.String("payload", string(entry.Payload)),
			slog.Any("handler_err", herr),
			slog.Any("err", err),
		)
		return true, err
	}
	if moved {
		res.DeadLettered++
	}
	return true, nil
}

func (c *Consumer) intervals() (time.Duration, time.Duration) {
	minWait := c.PollInterval
	if minWait <= 0 {
		minWait = defaultPollInterval
	}
	maxWait := c.MaxPollInterval
	if maxWait <= 0 {
		maxWait = defaultMaxPollInterval
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	return minWait, maxWait
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
