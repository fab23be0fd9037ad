package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS items (
  identifier TEXT PRIMARY KEY,
  payload    BLOB NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
  counter_key   TEXT PRIMARY KEY,
  counter_value INTEGER NOT NULL CHECK (counter_value >= 0)
);
CREATE TABLE IF NOT EXISTS queue_entries (
  queue_name      TEXT NOT NULL,
  identifier      TEXT NOT NULL,
  sequence_number INTEGER NOT NULL,
  payload         BLOB NOT NULL,
  enqueued_at     INTEGER NOT NULL,
  PRIMARY KEY (queue_name, identifier)
);
`

const schemaV2 = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entries_order
  ON queue_entries(queue_name, sequence_number);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLiteBusyTimeout(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// SQLiteStore persists all four tables in one SQLite database file. The pool
// is capped at one connection and every multi-statement mutation runs under
// BEGIN IMMEDIATE, so writers are fully serialized.
type SQLiteStore struct {
	db          *sql.DB
	nowFn       func() time.Time
	busyTimeout time.Duration
	closed      atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:          db,
		nowFn:       time.Now,
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return wrapStorage("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", s.busyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.immediate(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			var stmt string
			switch v {
			case 1:
				stmt = schemaV1
			case 2:
				stmt = schemaV2
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
			}
		}

		if !hasVersion || current != schemaVersion {
			return writeSchemaVersion(ctx, conn, schemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// immediate runs fn inside BEGIN IMMEDIATE on a dedicated connection and
// commits when fn returns nil.
func (s *SQLiteStore) immediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) ItemExists(ctx context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM items WHERE identifier = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapStorage("item exists", err)
	}
	return true, nil
}

func (s *SQLiteStore) PutItemIfAbsent(ctx context.Context, id string, payload []byte) (bool, error) {
	if err := validateIdentifier(id); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO items (identifier, payload, created_at)
VALUES (?, ?, ?)
ON CONFLICT(identifier) DO NOTHING;
`, id, cloneBytes(payload), s.now().UnixNano())
	if err != nil {
		if isSQLiteConstraintError(err) {
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

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (Item, error) {
	if s.closed.Load() {
		return Item{}, ErrStoreClosed
	}
	item := Item{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM items WHERE identifier = ?;`, id).Scan(&item.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, wrapStorage("get item", err)
	}
	item.Payload = cloneBytes(item.Payload)
	return item, nil
}

func (s *SQLiteStore) ReadCheckpoint(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrStoreClosed
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStorage("read checkpoint", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) WriteCheckpoint(ctx context.Context, key, value string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`, key, value, s.now().UnixNano())
	return wrapStorage("write checkpoint", err)
}

func (s *SQLiteStore) IncrementCounter(ctx context.Context, key string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var next int64
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		var err error
		next, err = incrementSQLiteCounter(ctx, conn, key)
		return err
	})
	if err != nil {
		return 0, wrapStorage("increment counter", err)
	}
	return next, nil
}

func incrementSQLiteCounter(ctx context.Context, conn *sql.Conn, key string) (int64, error) {
	var next int64
	err := conn.QueryRowContext(ctx, `
INSERT INTO counters (counter_key, counter_value)
VALUES (?, 1)
ON CONFLICT(counter_key) DO UPDATE SET counter_value = counter_value + 1
RETURNING counter_value;
`, key).Scan(&next)
	return next, err
}

func (s *SQLiteStore) ReadCounter(ctx context.Context, key string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT counter_value FROM counters WHERE counter_key = ?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStorage("read counter", err)
	}
	return v, nil
}

func (s *SQLiteStore) InsertEntry(ctx context.Context, queueName, id string, payload []byte) (Entry, bool, error) {
	if s.closed.Load() {
		return Entry{}, false, ErrStoreClosed
	}
	var (
		entry    Entry
		inserted bool
	)
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		var one int
		err := conn.QueryRowContext(ctx, `
SELECT 1 FROM queue_entries WHERE queue_name = ? AND identifier = ?;
`, queueName, id).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		seq, err := incrementSQLiteCounter(ctx, conn, queueName)
		if err != nil {
			return err
		}
		_, err = conn.ExecContext(ctx, `
INSERT INTO queue_entries (queue_name, identifier, sequence_number, payload, enqueued_at)
VALUES (?, ?, ?, ?, ?);
`, queueName, id, seq, cloneBytes(payload), s.now().UnixNano())
		if err != nil {
			if isSQLiteConstraintError(err) {
				return nil
			}
			return err
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

func (s *SQLiteStore) TakeFirst(ctx context.Context, queueName string) (Entry, bool, error) {
	if s.closed.Load() {
		return Entry{}, false, ErrStoreClosed
	}
	var (
		entry Entry
		found bool
	)
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		var err error
		entry, found, err = selectFirstSQLite(ctx, conn, queueName)
		if err != nil || !found {
			return err
		}
		res, err := conn.ExecContext(ctx, `
DELETE FROM queue_entries
WHERE queue_name = ? AND identifier = ? AND sequence_number = ?;
`, queueName, entry.ID, entry.Sequence)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: delete of %q/%d affected %d rows", ErrInvariantViolation, queueName, entry.Sequence, n)
		}
		return nil
	})
	if err != nil {
		return Entry{}, false, wrapStorage("take first", err)
	}
	return entry, found, nil
}

func (s *SQLiteStore) First(ctx context.Context, queueName string) (Entry, bool, error) {
	if s.closed.Load() {
		return Entry{}, false, ErrStoreClosed
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Entry{}, false, wrapStorage("first", err)
	}
	defer conn.Close()
	entry, found, err := selectFirstSQLite(ctx, conn, queueName)
	if err != nil {
		return Entry{}, false, wrapStorage("first", err)
	}
	return entry, found, nil
}

func selectFirstSQLite(ctx context.Context, conn *sql.Conn, queueName string) (Entry, bool, error) {
	entry := Entry{QueueName: queueName}
	err := conn.QueryRowContext(ctx, `
SELECT identifier, sequence_number, payload
FROM queue_entries
WHERE queue_name = ?
ORDER BY sequence_number ASC, identifier ASC
LIMIT 1;
`, queueName).Scan(&entry.ID, &entry.Sequence, &entry.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.Payload = cloneBytes(entry.Payload)
	return entry, true, nil
}

func (s *SQLiteStore) DeleteEntries(ctx context.Context, queueName string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE queue_name = ?;`, queueName)
	if err != nil {
		return 0, wrapStorage("delete entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("delete entries", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CountEntries(ctx context.Context, queueName string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE queue_name = ?;`, queueName).Scan(&n); err != nil {
		return 0, wrapStorage("count entries", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListEntries(ctx context.Context, queueName string, limit int) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT identifier, sequence_number, payload
FROM queue_entries
WHERE queue_name = ?
ORDER BY sequence_number ASC, identifier ASC
LIMIT ?;
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

func (s *SQLiteStore) now() time.Time {
	return s.nowFn().UTC()
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
