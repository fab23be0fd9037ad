package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nuetzliches/ingestq/internal/config"
	"github.com/nuetzliches/ingestq/internal/logging"
	"github.com/nuetzliches/ingestq/internal/queue"
)

// commandContext carries the persistent flags and lazily loaded shared
// state of one CLI invocation.
type commandContext struct {
	configPath string
	dotenvPath string
	logLevel   string
	backend    string

	stdout io.Writer
	stderr io.Writer

	configOnce sync.Once
	config     *config.Config
	configErr  error

	logger    *slog.Logger
	level     *slog.LevelVar
	logCloser io.Closer

	store queue.Store
}

func newCommandContext(stdout, stderr io.Writer) *commandContext {
	return &commandContext{stdout: stdout, stderr: stderr}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if p := strings.TrimSpace(c.dotenvPath); p != "" {
			if err := config.LoadDotenv(p); err != nil {
				c.configErr = fmt.Errorf("dotenv: %w", err)
				return
			}
		}
		cfg, _, err := config.Load(strings.TrimSpace(c.configPath))
		if err != nil {
			c.configErr = err
			return
		}
		if err := c.applyOverrides(cfg); err != nil {
			c.configErr = err
			return
		}

		logger, level, closer, err := logging.New(cfg.Logging.Level, cfg.Logging.Output, cfg.Logging.Path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
		c.level = level
		c.logCloser = closer
	})
	return c.config, c.configErr
}

func (c *commandContext) applyOverrides(cfg *config.Config) error {
	if lvl := strings.TrimSpace(c.logLevel); lvl != "" {
		if _, err := logging.ParseLevel(lvl); err != nil {
			return usageError{err}
		}
		cfg.Logging.Level = lvl
	}
	if b := strings.ToLower(strings.TrimSpace(c.backend)); b != "" {
		cfg.Store.Backend = b
		if err := cfg.Validate(); err != nil {
			return usageError{err}
		}
	}
	return nil
}

// openManager opens the configured store once per invocation and wraps it
// in a Manager.
func (c *commandContext) openManager() (*queue.Manager, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if c.store == nil {
		store, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		c.store = store
		c.logger.Debug("store_opened", slog.String("backend", cfg.Store.Backend))
	}
	return queue.NewManager(c.store,
		queue.WithLogger(c.logger),
		queue.WithDeadLetterSuffix(cfg.Queues.DeadLetterSuffix),
		queue.WithGuardWindow(cfg.Queues.GuardWindow),
	), nil
}

// queueName returns name, or the configured default queue when name is
// empty.
func (c *commandContext) queueName(name string) (string, error) {
	if strings.TrimSpace(name) != "" {
		return name, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	if cfg.Queues.Default == "" {
		return "", usageError{fmt.Errorf("no queue given and queues.default is not set")}
	}
	return cfg.Queues.Default, nil
}

func (c *commandContext) close() {
	if c.store != nil {
		if err := c.store.Close(); err != nil && c.logger != nil {
			c.logger.Warn("store_close_failed", slog.Any("err", err))
		}
		c.store = nil
	}
	if c.logCloser != nil {
		_ = c.logCloser.Close()
		c.logCloser = nil
	}
}

func openStore(cfg *config.Config) (queue.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return queue.NewMemoryStore(), nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		return queue.NewSQLiteStore(cfg.Store.SQLitePath,
			queue.WithSQLiteBusyTimeout(cfg.Store.SQLiteBusyTimeout.Duration),
		)
	case config.BackendPostgres:
		dsn, err := cfg.PostgresDSN()
		if err != nil {
			return nil, err
		}
		return queue.NewPostgresStore(dsn, queue.WithPostgresMaxOpenConns(cfg.Store.PostgresMaxOpenConns))
	case config.BackendPebble:
		var opts []queue.PebbleOption
		if cfg.Store.PebbleNoSync {
			opts = append(opts, queue.WithPebbleNoSync())
		}
		return queue.NewPebbleStore(cfg.Store.PebbleDir, opts...)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func pingStore(ctx context.Context, store queue.Store) error {
	p, ok := store.(queue.Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}
