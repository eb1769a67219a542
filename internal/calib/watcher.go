package calib

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a master cache whenever its directory changes on disk.
// Bursts of events (a batch build writing several masters) collapse into
// a single reload via a short debounce.
type Watcher struct {
	cache    *Cache
	log      *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher builds a watcher over cache's directory.
func NewWatcher(cache *Cache, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		cache:    cache,
		log:      log,
		debounce: 500 * time.Millisecond,
		watcher:  w,
	}, nil
}

// Run watches until ctx is cancelled. The initial reload happens before
// the first event, so callers see a populated cache immediately.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.cache.Dir()); err != nil {
		return err
	}
	defer w.watcher.Close()

	if err := w.cache.Reload(); err != nil {
		w.log.Warn("initial master cache load failed", "error", err)
	}

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if !isMasterFile(event.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := w.cache.Reload(); err != nil {
				w.log.Error("master cache reload failed", "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("masters directory watch error", "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isMasterFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit":
		return true
	default:
		return false
	}
}
