package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	counters

	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory returns a process-local Store. TTLs are enforced lazily on lookup
// and eagerly during pattern invalidation.
func NewMemory() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (c *memoryStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		c.recordMiss()
		return Entry{}, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		c.recordMiss()
		return Entry{}, false, nil
	}
	c.recordHit()
	return cloneEntry(entry), true, nil
}

func (c *memoryStore) Store(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	entry.ExpiresAt = entry.StoredAt.Add(ttl)
	c.entries[key] = cloneEntry(entry)
	return nil
}

func (c *memoryStore) InvalidatePattern(_ context.Context, prefix string) (int64, error) {
	if prefix == "" {
		return 0, nil
	}
	now := time.Now()
	var deleted int64
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (c *memoryStore) Stats() Stats {
	return c.snapshot()
}

func (c *memoryStore) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryStore) Ping(context.Context) error {
	return nil
}

func (c *memoryStore) Close(context.Context) error {
	return nil
}
