// Package config loads the ingestq TOML configuration file.
//
// Loading is three steps: the file is decoded over Default(), then
// normalized (paths expanded, names canonicalized, derived defaults filled
// in) and finally validated. Unknown keys are rejected.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/nuetzliches/ingestq/internal/secrets"
)

// Store selects and configures the storage backend.
type Store struct {
	// Backend is memory, sqlite, postgres or pebble. sqlite and postgres can
	// be shared by separate ingest and drain processes. pebble locks its
	// directory, so only one process can open it at a time; memory lives
	// and dies with the process.
	Backend              string   `toml:"backend"`
	SQLitePath           string   `toml:"sqlite_path"`
	SQLiteBusyTimeout    Duration `toml:"sqlite_busy_timeout"`
	PostgresDSNRef       string   `toml:"postgres_dsn_ref"`
	PostgresMaxOpenConns int      `toml:"postgres_max_open_conns"`
	PebbleDir            string   `toml:"pebble_dir"`
	PebbleNoSync         bool     `toml:"pebble_no_sync"`
}

type Queues struct {
	// Default is used by commands that take an optional --queue flag.
	Default          string `toml:"default"`
	DeadLetterSuffix string `toml:"dead_letter_suffix"`
	GuardWindow      int    `toml:"guard_window"`
}

// Ingest configures the JSONL source scanned by `ingest` and by `serve`
// when Interval is set.
type Ingest struct {
	SourceName    string   `toml:"source_name"`
	JSONLPath     string   `toml:"jsonl_path"`
	DefaultCursor string   `toml:"default_cursor"`
	FanOut        []string `toml:"fan_out"`
	LockDir       string   `toml:"lock_dir"`
	Interval      Duration `toml:"interval"`
}

type Consume struct {
	PollInterval    Duration `toml:"poll_interval"`
	MaxPollInterval Duration `toml:"max_poll_interval"`
	DeadLetter      bool     `toml:"dead_letter"`
}

// Token is one accepted API bearer token. Overlapping validity windows let
// a token be rotated without downtime.
type Token struct {
	ID         string    `toml:"id"`
	Ref        string    `toml:"ref"`
	ValidFrom  time.Time `toml:"valid_from"`
	ValidUntil time.Time `toml:"valid_until"`
}

type API struct {
	Listen     string  `toml:"listen"`
	MaxBatch   int     `toml:"max_batch"`
	AccessLog  bool    `toml:"access_log"`
	GRPCListen string  `toml:"grpc_listen"`
	Tokens     []Token `toml:"tokens"`
}

type Logging struct {
	Level  string `toml:"level"`
	Output string `toml:"output"`
	Path   string `toml:"path"`
}

type Tracing struct {
	Enabled     bool              `toml:"enabled"`
	Endpoint    string            `toml:"endpoint"`
	Insecure    bool              `toml:"insecure"`
	Compression string            `toml:"compression"`
	Timeout     Duration          `toml:"timeout"`
	Headers     map[string]string `toml:"headers"`
	CAFile      string            `toml:"ca_file"`
	ServerName  string            `toml:"server_name"`
}

// Config encapsulates all configuration values for ingestq.
type Config struct {
	Store   Store   `toml:"store"`
	Queues  Queues  `toml:"queues"`
	Ingest  Ingest  `toml:"ingest"`
	Consume Consume `toml:"consume"`
	API     API     `toml:"api"`
	Logging Logging `toml:"logging"`
	Tracing Tracing `toml:"tracing"`
}

// Load reads, normalizes and validates the file at path. A missing file is
// not an error: the defaults are used and exists is false.
func Load(path string) (*Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg, err := Parse(nil)
			return cfg, false, err
		}
		return nil, false, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

// Parse decodes data over the defaults and returns the normalized,
// validated result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TokenSet loads every configured API token. An empty set means the API is
// unauthenticated.
func (c *Config) TokenSet() (secrets.Set, error) {
	var set secrets.Set
	for i, tok := range c.API.Tokens {
		val, err := secrets.LoadRef(tok.Ref)
		if err != nil {
			return secrets.Set{}, fmt.Errorf("api.tokens[%d] (%s): %w", i, tok.ID, err)
		}
		set.Versions = append(set.Versions, secrets.Version{
			ID:         tok.ID,
			Value:      val,
			ValidFrom:  tok.ValidFrom,
			ValidUntil: tok.ValidUntil,
		})
	}
	if len(set.Versions) == 0 {
		return set, nil
	}
	if err := set.Validate(); err != nil {
		return secrets.Set{}, fmt.Errorf("api.tokens: %w", err)
	}
	return set, nil
}

// PostgresDSN resolves store.postgres_dsn_ref.
func (c *Config) PostgresDSN() (string, error) {
	dsn, err := secrets.LoadRefString(c.Store.PostgresDSNRef)
	if err != nil {
		return "", fmt.Errorf("store.postgres_dsn_ref: %w", err)
	}
	return dsn, nil
}

func expandPath(pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
