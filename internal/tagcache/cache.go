// Package tagcache maps process command names to semantic tags ("package_manager",
// "network_tool") via a local LLM, with a bounded in-memory cache persisted
// as gzip'd JSON.
//
// Persisted state: $XDG_CACHE_HOME/linnix/tag_cache.json.gz (fallback
// ~/.cache/linnix/tag_cache.json.gz), written to a temp file at mode 0600
// then renamed into place. Loaded once at startup; saved by a
// dirty-flag-gated background flusher so an idle cache costs nothing.
package tagcache

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	maxEntries  = 10_000
	cacheDirEnv = "XDG_CACHE_HOME"
	cacheFile   = "tag_cache.json.gz"
)

// Cache is a bounded, disk-persisted command-name -> tags map.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]string
	dirty   atomic.Bool
	path    string
	log     *zap.Logger
}

// DefaultPath returns the tag cache's on-disk location, honoring
// XDG_CACHE_HOME and falling back to ~/.cache.
func DefaultPath() string {
	base := os.Getenv(cacheDirEnv)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "linnix", cacheFile)
}

// New constructs an empty Cache backed by path. Call Load to populate it
// from a previous run.
func New(path string, log *zap.Logger) *Cache {
	return &Cache{entries: make(map[string][]string), path: path, log: log}
}

// Get returns the cached tags for comm (lowercased, trimmed), if present.
func (c *Cache) Get(comm string) ([]string, bool) {
	key := normalizeComm(comm)
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags, ok := c.entries[key]
	return tags, ok
}

// Put inserts tags for comm, enforcing the hard entry cap: once the cache
// is full, new keys are dropped but existing keys may still be updated.
func (c *Cache) Put(comm string, tags []string) {
	key := normalizeComm(comm)

	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.entries[key]
	if !exists && len(c.entries) >= maxEntries {
		if c.log != nil {
			c.log.Warn("tag cache full, dropping insert", zap.String("comm", key), zap.Int("max_entries", maxEntries))
		}
		return
	}
	c.entries[key] = tags
	c.dirty.Store(true)
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func normalizeComm(comm string) string {
	return strings.ToLower(strings.TrimSpace(comm))
}

// Load reads the persisted cache from disk, replacing the in-memory
// contents. A missing file is not an error; other failures are logged and
// leave the cache empty.
func (c *Cache) Load() {
	file, err := os.Open(c.path)
	if err != nil {
		if !os.IsNotExist(err) && c.log != nil {
			c.log.Warn("tag cache: failed to open cache file", zap.Error(err))
		}
		return
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		if c.log != nil {
			c.log.Warn("tag cache: failed to open gzip reader", zap.Error(err))
		}
		return
	}
	defer gz.Close()

	var decoded map[string][]string
	if err := json.NewDecoder(gz).Decode(&decoded); err != nil {
		if c.log != nil {
			c.log.Warn("tag cache: failed to decode cache file", zap.Error(err))
		}
		return
	}

	c.mu.Lock()
	c.entries = decoded
	c.mu.Unlock()

	if c.log != nil {
		c.log.Info("tag cache loaded from disk", zap.Int("entries", len(decoded)))
	}
}

// Save writes the cache to disk if dirty, via a temp-file-then-rename at
// mode 0600. Returns false without writing if the cache was not dirty.
func (c *Cache) Save() (bool, error) {
	if !c.dirty.CompareAndSwap(true, false) {
		return false, nil
	}

	c.mu.RLock()
	snapshot := make(map[string][]string, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.RUnlock()

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return false, fmt.Errorf("tag cache: mkdir %q: %w", dir, err)
		}
	}

	tmpPath := c.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return false, fmt.Errorf("tag cache: create temp file %q: %w", tmpPath, err)
	}

	gz := gzip.NewWriter(file)
	encodeErr := json.NewEncoder(gz).Encode(snapshot)
	closeErr := gz.Close()
	fileCloseErr := file.Close()

	if encodeErr != nil || closeErr != nil || fileCloseErr != nil {
		_ = os.Remove(tmpPath)
		return false, fmt.Errorf("tag cache: write %q: encode=%v gzip_close=%v file_close=%v", tmpPath, encodeErr, closeErr, fileCloseErr)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		return false, fmt.Errorf("tag cache: rename %q to %q: %w", tmpPath, c.path, err)
	}
	return true, nil
}

// RunPersister runs a background loop that flushes the cache to disk every
// interval, until done is closed. A final save is attempted on exit.
func (c *Cache) RunPersister(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if saved, err := c.Save(); err != nil && c.log != nil {
				c.log.Warn("tag cache: periodic save failed", zap.Error(err))
			} else if saved && c.log != nil {
				c.log.Debug("tag cache saved", zap.Int("entries", c.Len()))
			}
		case <-done:
			if _, err := c.Save(); err != nil && c.log != nil {
				c.log.Warn("tag cache: final save failed", zap.Error(err))
			}
			return
		}
	}
}
