package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory returns a process-local cache. A non-positive ttl keeps entries
// until they are deleted or flushed.
func NewMemory(ttl time.Duration) Cache {
	return &memoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(entry.value), true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.entry(value)
	return nil
}

func (c *memoryCache) Add(_ context.Context, key string, value []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.entries[key] = c.entry(value)
	return true, nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); !ok {
		return NotFound, nil
	}
	delete(c.entries, key)
	return Deleted, nil
}

func (c *memoryCache) FlushAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

func (c *memoryCache) Close(context.Context) error {
	return nil
}

// lookup must be called with mu held. Expired entries are dropped on access.
func (c *memoryCache) lookup(key string) (memoryEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *memoryCache) entry(value []byte) memoryEntry {
	entry := memoryEntry{value: cloneBytes(value)}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	return entry
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
