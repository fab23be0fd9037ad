// Package logging builds the JSON slog loggers used by every command.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON logger writing to output ("stderr", "stdout" or
// "file" with path). The returned LevelVar can be changed later to adjust
// verbosity without rebuilding the logger. The closer is nil unless a file
// was opened.
func New(level, output, path string) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, nil, err
	}
	w, closer, err := OpenSink(output, path)
	if err != nil {
		return nil, nil, nil, err
	}
	v := new(slog.LevelVar)
	v.Set(lvl)
	return NewWithWriter(w, v), v, closer, nil
}

func NewWithWriter(w io.Writer, level slog.Leveler) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(h)
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (use: debug|info|warn|error)", level)
	}
}

func OpenSink(output, path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		p := strings.TrimSpace(path)
		if p == "" {
			return nil, nil, errors.New("log output file requires path")
		}
		f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", p, err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (use: stdout|stderr|file)", output)
	}
}

func Discard() *slog.Logger {
	return NewWithWriter(io.Discard, slog.LevelDebug)
}
