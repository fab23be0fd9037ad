package config

import (
	"time"

	"github.com/nuetzliches/ingestq/internal/queue"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"

	defaultSQLitePath           = "./ingestq.db"
	defaultSQLiteBusyTimeout    = 5 * time.Second
	defaultPostgresMaxOpenConns = 8
	defaultPebbleDir            = "./ingestq.pebble"
	defaultGuardWindow          = 4096
	defaultSourceName           = "jsonl"
	defaultCursor               = "1970-01-01T00:00:00Z"
	defaultPollInterval         = 250 * time.Millisecond
	defaultMaxPollInterval      = 5 * time.Second
	defaultAPIListen            = "127.0.0.1:7480"
	defaultAPIMaxBatch          = 100
	defaultLogLevel             = "info"
	defaultLogOutput            = "stderr"
	maxAPIBatch                 = 1000
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Store: Store{
			Backend:              BackendSQLite,
			SQLitePath:           defaultSQLitePath,
			SQLiteBusyTimeout:    Duration{defaultSQLiteBusyTimeout},
			PostgresMaxOpenConns: defaultPostgresMaxOpenConns,
			PebbleDir:            defaultPebbleDir,
		},
		Queues: Queues{
			DeadLetterSuffix: queue.DefaultDeadLetterSuffix,
			GuardWindow:      defaultGuardWindow,
		},
		Ingest: Ingest{
			SourceName:    defaultSourceName,
			DefaultCursor: defaultCursor,
		},
		Consume: Consume{
			PollInterval:    Duration{defaultPollInterval},
			MaxPollInterval: Duration{defaultMaxPollInterval},
			DeadLetter:      true,
		},
		API: API{
			Listen:    defaultAPIListen,
			MaxBatch:  defaultAPIMaxBatch,
			AccessLog: true,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Output: defaultLogOutput,
		},
	}
}
