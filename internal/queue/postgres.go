package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS items (
  identifier TEXT PRIMARY KEY,
  payload    BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
  counter_key   TEXT PRIMARY KEY,
  counter_value BIGINT NOT NULL CHECK (counter_value >= 0)
);

CREATE TABLE IF NOT EXISTS queue_entries (
  queue_name      TEXT NOT NULL,
  identifier      TEXT NOT NULL,
  sequence_number BIGINT NOT NULL,
  payload         BYTEA NOT NULL,
  enqueued_at     TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (queue_name, identifier)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entries_order
  ON queue_entries(queue_name, sequence_number);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresMaxOpenConns(n int) PostgresOption {
	return func(s *PostgresStore) {
		if n > 0 {
			s.maxOpenConns = n
		}
	}
}

// PostgresStore shares its tables between any number of processes. Counter
// increments take a row lock held until commit, and dequeues claim rows with
// FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	db           *sql.DB
	nowFn        func() time.Time
	maxOpenConns int
	closed       atomic.Bool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{
		db:           db,
		nowFn:        time.Now,
		maxOpenConns: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	db.SetMaxOpenConns(s.maxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return wrapStorage("ping", s.db.PingContext(ctx))
}

// withTx commits when fn returns nil and rolls back otherwise. fn may
// request a rollback without an error by returning errRollback.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		if errors.Is(err, errRollback) {
			return nil
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

var errRollback = errors.New("rollback")

func (s *PostgresStore) ItemExists(ctx context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE identifier = $1)`, id).Scan(&exists)
	if err != nil {
		return false, wrapStorage("item exists", err)
	}
	return exists, nil
}

func (s *PostgresStore) PutItemIfAbsent(ctx context.Context, id string, payload []byte) (bool, error) {
	if err := validateIdentifier(id); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO items (identifier, payload, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (identifier) DO NOTHING
`, id, cloneBytes(payload), s.now())
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return false, nil
		}
		return false, wrapStorage("put item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("put item", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (Item, error) {
	if s.closed.Load() {
		return Item{}, ErrStoreClosed
	}
	item := Item{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM items WHERE identifier = $1`, id).Scan(&item.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, wrapStorage("get item", err)
	}
	item.Payload = cloneBytes(item.Payload)
	return item, nil
}

func (s *PostgresStore) ReadCheckpoint(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrStoreClosed
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStorage("read checkpoint", err)
	}
	return value, true, nil
}

func (s *PostgresStore) WriteCheckpoint(ctx context.Context, key, value string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (key, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`, key, value, s.now())
	return wrapStorage("write checkpoint", err)
}

const postgresIncrementCounter = `
INSERT INTO counters (counter_key, counter_value)
VALUES ($1, 1)
ON CONFLICT (counter_key) DO UPDATE SET counter_value = counters.counter_value + 1
RETURNING counter_value
`

func (s *PostgresStore) IncrementCounter(ctx context.Context, key string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var next int64
	if err := s.db.QueryRowContext(ctx, postgresIncrementCounter, key).Scan(&next); err != nil {
		return 0, wrapStorage("increment counter", err)
	}
	return next, nil
}

func (s *PostgresStore) ReadCounter(ctx context.Context, key string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT counter_value FROM counters WHERE counter_key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStorage("read counter", err)
	}
	return v, nil
}

// InsertEntry increments the counter and inserts in one transaction. The
// counter row stays locked until commit, so two enqueues on the same queue
// commit in sequence order. A duplicate rolls the increment back.
func (s *PostgresStore) InsertEntry(ctx context.Context, queueName, id string, payload []byte) (Entry, bool, error) {
	if s.closed.Load() {
		return Entry{}, false, ErrStoreClosed
	}
	var (
		entry    Entry
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx, postgresIncrementCounter, queueName).Scan(&seq); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO queue_entries (queue_name, identifier, sequence_number, payload, enqueued_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (queue_name, identifier) DO NOTHING
`, queueName, id, seq, cloneBytes(payload), s.now())
		if err != nil {
			if isPostgresUniqueViolation(err) {
				return errRollback
			}
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errRollback
		}
		entry = Entry{QueueName: queueName, ID: id, Sequence: seq, Payload: cloneBytes(payload)}
		inserted = true
		return nil
	})
	if err != nil {
		return Entry{}, false, wrapStorage("insert entry", err)
	}
	return entry, inserted, nil
}

func (s *PostgresStore) TakeFirst(ctx context.Context, queueName string) (Entry, bool, error) {
	if s.closed.Load() {
		return Entry{}, false, ErrStoreClosed
	}
	entry := Entry{QueueName: queueName}
	err := s.db.QueryRowContext(ctx, `
DELETE FROM queue_entries
WHERE ctid = (
  SELECT ctid
  FROM queue_entries
  WHERE queue_name = $1
  ORDER BY sequence_number ASC, identifier ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING identifier, sequence_number, payload
`, queueName).Scan(&entry.ID, &entry.Sequence, &entry.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, wrapStorage("take first", err)
	}
	entry.Payload = cloneBytes(entry.Payload)
	return entry, true, nil
}

func (s *PostgresStore) First(ctx context.Context, queueName string) (Entry, bool, error) {
	if s.closed.Load() {
		return Entry{}, false, ErrStoreClosed
	}
	entry := Entry{QueueName: queueName}
	err := s.db.QueryRowContext(ctx, `
SELECT identifier, sequence_number, payload
FROM queue_entries
WHERE queue_name = $1
ORDER BY sequence_number ASC, identifier ASC
LIMIT 1
`, queueName).Scan(&entry.ID, &entry.Sequence, &entry.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, wrapStorage("first", err)
	}
	entry.Payload = cloneBytes(entry.Payload)
	return entry, true, nil
}

func (s *PostgresStore) DeleteEntries(ctx context.Context, queueName string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE queue_name = $1`, queueName)
	if err != nil {
		return 0, wrapStorage("delete entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("delete entries", err)
	}
	return int(n), nil
}

func (s *PostgresStore) CountEntries(ctx context.Context, queueName string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE queue_name = $1`, queueName).Scan(&n); err != nil {
		return 0, wrapStorage("count entries", err)
	}
	return n, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, queueName string, limit int) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT identifier, sequence_number, payload
FROM queue_entries
WHERE queue_name = $1
ORDER BY sequence_number ASC, identifier ASC
LIMIT $2
`, queueName, clampListLimit(limit))
	if err != nil {
		return nil, wrapStorage("list entries", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{QueueName: queueName}
		if err := rows.Scan(&e.ID, &e.Sequence, &e.Payload); err != nil {
			return nil, wrapStorage("list entries", err)
		}
		e.Payload = cloneBytes(e.Payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list entries", err)
	}
	return out, nil
}

func (s *PostgresStore) now() time.Time {
	return s.nowFn().UTC()
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
