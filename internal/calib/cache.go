package calib

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cache holds the loaded master frames for one masters directory,
// indexed by kind. Reload replaces the whole index, so readers always
// see a consistent set.
type Cache struct {
	dir string
	log *slog.Logger

	mu      sync.RWMutex
	masters map[Kind][]*Master
}

// NewCache builds an empty cache for dir. Call Reload to populate it.
func NewCache(dir string, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		dir:     dir,
		log:     log,
		masters: make(map[Kind][]*Master),
	}
}

// Dir reports the directory the cache indexes.
func (c *Cache) Dir() string { return c.dir }

// Reload re-scans the masters directory. Files that fail to load are
// logged and skipped; one corrupt file never empties the cache.
func (c *Cache) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	fresh := make(map[Kind][]*Master)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".fits" && ext != ".fit" {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		m, err := LoadMaster(path)
		if err != nil {
			c.log.Warn("skipping unreadable master", "path", path, "error", err)
			continue
		}
		fresh[m.Kind] = append(fresh[m.Kind], m)
	}

	c.mu.Lock()
	c.masters = fresh
	c.mu.Unlock()

	c.log.Info("master cache reloaded",
		"dir", c.dir,
		"bias", len(fresh[KindBias]),
		"darks", len(fresh[KindDark]),
		"flats", len(fresh[KindFlat]),
	)
	return nil
}

// Masters returns the loaded masters of one kind. The returned slice is
// a copy; the Master values are shared and treated as immutable.
func (c *Cache) Masters(kind Kind) []*Master {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Master, len(c.masters[kind]))
	copy(out, c.masters[kind])
	return out
}

// Len reports the total number of loaded masters.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, ms := range c.masters {
		n += len(ms)
	}
	return n
}
