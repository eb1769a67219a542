package capture

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"astrostack/internal/frame"
)

// DirCamera is a Camera fed by files landing in a directory, the usual
// arrangement when a separate capture program writes exposures to disk.
// Existing files are replayed in name order first, then new ones arrive
// via the filesystem watcher.
type DirCamera struct {
	dir     string
	loader  frame.Loader
	log     *slog.Logger
	watcher *fsnotify.Watcher
	backlog []string
	seen    map[string]bool // queued or delivered; pruned on remove/rename
	started bool
}

// NewDirCamera builds a camera over dir. The watcher starts on the
// first NextFrame call.
func NewDirCamera(dir string, loader frame.Loader, log *slog.Logger) *DirCamera {
	if log == nil {
		log = slog.Default()
	}
	return &DirCamera{dir: dir, loader: loader, log: log}
}

// Close releases the filesystem watcher.
func (c *DirCamera) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// NextFrame blocks until a loadable frame file appears.
func (c *DirCamera) NextFrame(ctx context.Context) (*frame.Frame, error) {
	if !c.started {
		if err := c.start(); err != nil {
			return nil, err
		}
		c.started = true
	}

	for {
		if len(c.backlog) > 0 {
			path := c.backlog[0]
			c.backlog = c.backlog[1:]
			f, err := c.loader.Load(path)
			if err != nil {
				// Likely still being written; forget it so the next
				// Write event requeues it.
				delete(c.seen, path)
				c.log.Debug("frame not yet readable", "path", path, "error", err)
				continue
			}
			return f, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-c.watcher.Events:
			if !ok {
				return nil, os.ErrClosed
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				delete(c.seen, event.Name)
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !c.loader.Supports(strings.ToLower(event.Name)) {
				continue
			}
			// Writers emit Create then one or more Writes for the same
			// file; each path is folded once.
			if c.seen[event.Name] {
				continue
			}
			c.seen[event.Name] = true
			c.backlog = append(c.backlog, event.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return nil, os.ErrClosed
			}
			c.log.Error("capture directory watch error", "error", err)
		}
	}
}

func (c *DirCamera) start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(c.dir); err != nil {
		w.Close()
		return err
	}
	c.watcher = w
	c.seen = make(map[string]bool)

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if c.loader.Supports(strings.ToLower(path)) {
			c.seen[path] = true
			c.backlog = append(c.backlog, path)
		}
	}
	sort.Strings(c.backlog)
	c.log.Info("watching capture directory", "dir", c.dir, "backlog", len(c.backlog))
	return nil
}
