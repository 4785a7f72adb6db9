package rewrite

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// cacheEntry is one line in the cache file.
type cacheEntry struct {
	Seed     string `json:"seed"`
	Polished string `json:"polished"`
}

// Cache is an in-memory prompt cache backed by an append-only JSONL file.
// The mutex also serializes the on-disk append to preserve line integrity.
type Cache struct {
	mu      sync.Mutex
	entries map[string]string
	file    *os.File // nil when the cache is memory-only
}

// NewCache builds a memory-only cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]string)}
}

// LoadCache reads an existing cache file, skipping corrupt lines, and keeps
// the file open for appends. A missing file is created.
func LoadCache(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{entries: make(map[string]string)}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open rewrite cache %s: %w", path, err)
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var e cacheEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Seed == "" {
			logger.Warn("skipping corrupt rewrite cache line",
				slog.String("path", path),
				slog.Int("line", line),
			)
			continue
		}
		c.entries[e.Seed] = e.Polished
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("scan rewrite cache %s: %w", path, err)
	}

	// Reposition for appends; a trailing corrupt line is overwritten only by
	// whole new records, never spliced.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek rewrite cache %s: %w", path, err)
	}
	c.file = f
	return c, nil
}

// Get returns the cached polished prompt for a key.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put stores an entry and, when file-backed, appends it before returning.
func (c *Cache) Put(key, polished string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = polished
	if c.file == nil {
		return nil
	}
	data, err := json.Marshal(cacheEntry{Seed: key, Polished: polished})
	if err != nil {
		return err
	}
	if _, err := c.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append rewrite cache: %w", err)
	}
	return c.file.Sync()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases the backing file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
