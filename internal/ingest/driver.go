// Package ingest moves new upstream items into queues. A scan reads the
// source's checkpoint, fetches everything newer, records each item in the
// deduplication ledger, enqueues the new ones, and only then advances the
// checkpoint.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nuetzliches/ingestq/internal/queue"
)

var (
	ErrScanInProgress = errors.New("scan already in progress for source")
	ErrNoQueues       = errors.New("no target queues configured")
	ErrInvalidSource  = errors.New("invalid source")
)

// Enqueuer is the part of queue.Manager the driver needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, id string, payload []byte) (bool, error)
}

type Driver struct {
	Items       queue.ItemStore
	Checkpoints queue.CheckpointStore
	Queues      Enqueuer
	// QueueNames receives every new item. More than one name fans out.
	QueueNames []string
	// DefaultCursor is used when the source has no checkpoint yet.
	DefaultCursor string
	// LockDir holds per-source lock files. Empty limits exclusivity to this
	// process.
	LockDir string
	Logger  *slog.Logger
}

type ScanResult struct {
	ScanID         string
	Source         string
	Fetched        int
	New            int
	Duplicates     int
	Enqueued       int
	PreviousCursor string
	Cursor         string
	Advanced       bool
}

// ScanError reports identifiers that reached the item ledger but not every
// target queue. Later scans treat them as seen, so they must be re-enqueued
// from the ledger.
type ScanError struct {
	Source   string
	Unqueued []string
	Err      error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %d stored item(s) not enqueued [%s]: %v",
		e.Source, len(e.Unqueued), strings.Join(e.Unqueued, ", "), e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Scan runs one incremental pass over src. The checkpoint is written only
// after every new item has been enqueued, and never moves backwards.
func (d *Driver) Scan(ctx context.Context, src Source) (ScanResult, error) {
	logger := d.logger()
	if src == nil {
		return ScanResult{}, fmt.Errorf("%w: nil", ErrInvalidSource)
	}
	name, err := queue.NormalizeName(src.Name())
	if err != nil {
		return ScanResult{}, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	if len(d.QueueNames) == 0 {
		return ScanResult{}, ErrNoQueues
	}

	res := ScanResult{ScanID: uuid.NewString(), Source: name}
	logger = logger.With(slog.String("scan_id", res.ScanID), slog.String("source", name))

	lock, err := acquireScanLock(d.LockDir, name)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			logger.Warn("scan_lock_release_failed", slog.Any("err", err))
		}
	}()

	prev, err := queue.ReadCheckpointOr(ctx, d.Checkpoints, name, d.DefaultCursor)
	if err != nil {
		return res, fmt.Errorf("read checkpoint: %w", err)
	}
	res.PreviousCursor = prev
	res.Cursor = prev

	batch, err := src.Fetch(ctx, prev)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", name, err)
	}
	res.Fetched = len(batch.Items)

	for _, c := range batch.Items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if c.ID == "" {
			logger.Warn("scan_candidate_skipped", slog.String("reason", "empty id"))
			continue
		}
		inserted, err := d.Items.PutItemIfAbsent(ctx, c.ID, c.Payload)
		if err != nil {
			return res, fmt.Errorf("store item %s: %w", c.ID, err)
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		res.New++

		n, err := d.fanOut(ctx, c)
		res.Enqueued += n
		if err != nil {
			logger.Error("scan_item_not_enqueued",
				slog.String("id", c.ID),
				slog.Any("err", err),
			)
			return res, &ScanError{Source: name, Unqueued: []string{c.ID}, Err: err}
		}
	}

	if batch.Cursor != "" && compareCursor(src, batch.Cursor, prev) > 0 {
		if err := d.Checkpoints.WriteCheckpoint(ctx, name, batch.Cursor); err != nil {
			return res, fmt.Errorf("write checkpoint: %w", err)
		}
		res.Cursor = batch.Cursor
		res.Advanced = true
	}

	logger.Info("scan_complete",
		slog.Int("fetched", res.Fetched),
		slog.Int("new", res.New),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("enqueued", res.Enqueued),
		slog.String("cursor", res.Cursor),
		slog.Bool("advanced", res.Advanced),
	)
	return res, nil
}

// fanOut enqueues c into every target queue. An identifier already present
// in a queue counts as done there.
func (d *Driver) fanOut(ctx context.Context, c Candidate) (int, error) {
	enqueued := 0
	for _, q := range d.QueueNames {
		ok, err := d.Queues.Enqueue(ctx, q, c.ID, c.Payload)
		if err != nil {
			return enqueued, fmt.Errorf("enqueue %s into %s: %w", c.ID, q, err)
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

// Requeue enqueues ledger items into every target queue again. It is the
// recovery path for identifiers reported in ScanError.Unqueued.
func (d *Driver) Requeue(ctx context.Context, ids ...string) (int, error) {
	if len(d.QueueNames) == 0 {
		return 0, ErrNoQueues
	}
	total := 0
	for _, id := range ids {
		item, err := d.Items.GetItem(ctx, id)
		if err != nil {
			return total, fmt.Errorf("load item %s: %w", id, err)
		}
		n, err := d.fanOut(ctx, Candidate{ID: item.ID, Payload: item.Payload})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
