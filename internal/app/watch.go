package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// watchConfig calls reload once per burst of changes to the file at path.
// The parent directory is watched so editors that replace the file by
// rename are still seen.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if reload == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config_watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	base := filepath.Base(abs)
	if err := w.Add(filepath.Dir(abs)); err != nil {
		logger.Warn("config_watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("config_watching", slog.String("path", abs))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config_watch_error", slog.Any("err", err))
		case <-fire:
			fire = nil
			reload()
		}
	}
}
