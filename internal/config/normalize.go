package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nuetzliches/ingestq/internal/queue"
)

func (c *Config) normalize() error {
	if err := c.normalizeStore(); err != nil {
		return err
	}
	if err := c.normalizeQueues(); err != nil {
		return err
	}
	if err := c.normalizeIngest(); err != nil {
		return err
	}
	c.normalizeAPI()
	if err := c.normalizeLogging(); err != nil {
		return err
	}
	c.normalizeTracing()
	return nil
}

func (c *Config) normalizeStore() error {
	var err error
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	if c.Store.PebbleDir, err = expandPath(c.Store.PebbleDir); err != nil {
		return fmt.Errorf("store.pebble_dir: %w", err)
	}
	c.Store.PostgresDSNRef = strings.TrimSpace(c.Store.PostgresDSNRef)
	return nil
}

func (c *Config) normalizeQueues() error {
	c.Queues.DeadLetterSuffix = strings.TrimSpace(c.Queues.DeadLetterSuffix)
	if c.Queues.DeadLetterSuffix == "" {
		c.Queues.DeadLetterSuffix = queue.DefaultDeadLetterSuffix
	}
	if c.Queues.GuardWindow <= 0 {
		c.Queues.GuardWindow = defaultGuardWindow
	}
	if strings.TrimSpace(c.Queues.Default) == "" {
		c.Queues.Default = ""
		return nil
	}
	name, err := queue.NormalizeName(c.Queues.Default)
	if err != nil {
		return fmt.Errorf("queues.default: %w", err)
	}
	c.Queues.Default = name
	return nil
}

func (c *Config) normalizeIngest() error {
	var err error
	c.Ingest.SourceName = strings.TrimSpace(c.Ingest.SourceName)
	if c.Ingest.SourceName == "" {
		c.Ingest.SourceName = defaultSourceName
	}
	if c.Ingest.JSONLPath, err = expandPath(c.Ingest.JSONLPath); err != nil {
		return fmt.Errorf("ingest.jsonl_path: %w", err)
	}
	c.Ingest.DefaultCursor = strings.TrimSpace(c.Ingest.DefaultCursor)

	fanOut := make([]string, 0, len(c.Ingest.FanOut))
	seen := make(map[string]struct{}, len(c.Ingest.FanOut))
	for i, raw := range c.Ingest.FanOut {
		name, err := queue.NormalizeName(raw)
		if err != nil {
			return fmt.Errorf("ingest.fan_out[%d]: %w", i, err)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		fanOut = append(fanOut, name)
	}
	if len(fanOut) == 0 && c.Queues.Default != "" {
		fanOut = append(fanOut, c.Queues.Default)
	}
	c.Ingest.FanOut = fanOut

	if strings.TrimSpace(c.Ingest.LockDir) == "" {
		c.Ingest.LockDir = filepath.Join(os.TempDir(), "ingestq", "locks")
	}
	if c.Ingest.LockDir, err = expandPath(c.Ingest.LockDir); err != nil {
		return fmt.Errorf("ingest.lock_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Listen = strings.TrimSpace(c.API.Listen)
	if c.API.Listen == "" {
		c.API.Listen = defaultAPIListen
	}
	if c.API.MaxBatch <= 0 {
		c.API.MaxBatch = defaultAPIMaxBatch
	}
	c.API.GRPCListen = strings.TrimSpace(c.API.GRPCListen)
	for i := range c.API.Tokens {
		c.API.Tokens[i].ID = strings.TrimSpace(c.API.Tokens[i].ID)
		c.API.Tokens[i].Ref = strings.TrimSpace(c.API.Tokens[i].Ref)
		if c.API.Tokens[i].ID == "" {
			c.API.Tokens[i].ID = fmt.Sprintf("token-%d", i+1)
		}
	}
}

func (c *Config) normalizeLogging() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Output = strings.ToLower(strings.TrimSpace(c.Logging.Output))
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLogOutput
	}
	var err error
	if c.Logging.Path, err = expandPath(c.Logging.Path); err != nil {
		return fmt.Errorf("logging.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeTracing() {
	c.Tracing.Endpoint = strings.TrimSpace(c.Tracing.Endpoint)
	c.Tracing.Compression = strings.ToLower(strings.TrimSpace(c.Tracing.Compression))
	c.Tracing.CAFile = strings.TrimSpace(c.Tracing.CAFile)
	c.Tracing.ServerName = strings.TrimSpace(c.Tracing.ServerName)
}
