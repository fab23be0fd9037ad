package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nuetzliches/ingestq/internal/httpheader"
	"github.com/nuetzliches/ingestq/internal/logging"
	"github.com/nuetzliches/ingestq/internal/secrets"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateQueues(); err != nil {
		return err
	}
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validateConsume(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateTracing()
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path must be set for the sqlite backend")
		}
		if c.Store.SQLiteBusyTimeout.Duration < 0 {
			return errors.New("store.sqlite_busy_timeout must not be negative")
		}
	case BackendPostgres:
		if err := secrets.ValidateRef(c.Store.PostgresDSNRef); err != nil {
			return fmt.Errorf("store.postgres_dsn_ref: %w", err)
		}
		if c.Store.PostgresMaxOpenConns < 0 {
			return errors.New("store.postgres_max_open_conns must not be negative")
		}
	case BackendPebble:
		if c.Store.PebbleDir == "" {
			return errors.New("store.pebble_dir must be set for the pebble backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported (use: memory|sqlite|postgres|pebble)", c.Store.Backend)
	}
	return nil
}

func (c *Config) validateQueues() error {
	if strings.Contains(c.Queues.DeadLetterSuffix, "/") {
		return errors.New("queues.dead_letter_suffix must not contain '/'")
	}
	for _, q := range c.Ingest.FanOut {
		if strings.HasSuffix(q, c.Queues.DeadLetterSuffix) {
			return fmt.Errorf("ingest.fan_out queue %q uses the dead-letter suffix %q", q, c.Queues.DeadLetterSuffix)
		}
	}
	return nil
}

func (c *Config) validateIngest() error {
	if c.Ingest.JSONLPath != "" && len(c.Ingest.FanOut) == 0 {
		return errors.New("ingest.fan_out (or queues.default) must name at least one queue when ingest.jsonl_path is set")
	}
	if c.Ingest.DefaultCursor != "" {
		if _, err := time.Parse(time.RFC3339Nano, c.Ingest.DefaultCursor); err != nil {
			return fmt.Errorf("ingest.default_cursor must be an RFC 3339 timestamp: %w", err)
		}
	}
	if c.Ingest.Interval.Duration < 0 {
		return errors.New("ingest.interval must not be negative")
	}
	if c.Ingest.Interval.Duration > 0 && c.Ingest.JSONLPath == "" {
		return errors.New("ingest.interval requires ingest.jsonl_path")
	}
	return nil
}

func (c *Config) validateConsume() error {
	if c.Consume.PollInterval.Duration <= 0 {
		return errors.New("consume.poll_interval must be positive")
	}
	if c.Consume.MaxPollInterval.Duration < c.Consume.PollInterval.Duration {
		return errors.New("consume.max_poll_interval must be at least consume.poll_interval")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
		return fmt.Errorf("api.listen: %w", err)
	}
	if c.API.GRPCListen != "" {
		if _, _, err := net.SplitHostPort(c.API.GRPCListen); err != nil {
			return fmt.Errorf("api.grpc_listen: %w", err)
		}
	}
	if c.API.MaxBatch > maxAPIBatch {
		return fmt.Errorf("api.max_batch must be at most %d", maxAPIBatch)
	}
	seen := make(map[string]struct{}, len(c.API.Tokens))
	for i, tok := range c.API.Tokens {
		if _, dup := seen[tok.ID]; dup {
			return fmt.Errorf("api.tokens[%d]: duplicate id %q", i, tok.ID)
		}
		seen[tok.ID] = struct{}{}
		if err := secrets.ValidateRef(tok.Ref); err != nil {
			return fmt.Errorf("api.tokens[%d].ref: %w", i, err)
		}
		if !tok.ValidFrom.IsZero() && !tok.ValidUntil.IsZero() && !tok.ValidUntil.After(tok.ValidFrom) {
			return fmt.Errorf("api.tokens[%d]: valid_until must be after valid_from", i)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Output {
	case "stderr", "stdout":
	case "file":
		if c.Logging.Path == "" {
			return errors.New("logging.path must be set when logging.output is file")
		}
	default:
		return fmt.Errorf("logging.output %q is not supported (use: stdout|stderr|file)", c.Logging.Output)
	}
	return nil
}

func (c *Config) validateTracing() error {
	switch c.Tracing.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("tracing.compression %q is not supported (use: gzip|none)", c.Tracing.Compression)
	}
	if c.Tracing.Timeout.Duration < 0 {
		return errors.New("tracing.timeout must not be negative")
	}
	if err := httpheader.ValidateMap(c.Tracing.Headers); err != nil {
		return fmt.Errorf("tracing.headers: %w", err)
	}
	return nil
}
