// Package cache provides the TTL-keyed response store consulted by the proxy
// engine. Two backends exist: an in-process map for single-instance runs and a
// valkey-backed store shared across gateway instances.
package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// Entry is one cached upstream response. Entries are never mutated in place;
// expiry or explicit invalidation are the only ways out.
type Entry struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body"`
	StoredAt  time.Time         `json:"storedAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Stats reports hit/miss accounting for this process.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// Store is the response cache consulted by the proxy engine for cacheable
// GET/HEAD traffic.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// InvalidatePattern deletes every live key starting with prefix and
	// returns the number deleted.
	InvalidatePattern(ctx context.Context, prefix string) (int64, error)
	Stats() Stats
	Size(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// counters tracks lookup outcomes without locking; both backends embed it.
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) recordHit()  { c.hits.Add(1) }
func (c *counters) recordMiss() { c.misses.Add(1) }

func (c *counters) snapshot() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, HitRate: rate}
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:    in.Status,
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
	if len(in.Body) > 0 {
		out.Body = make([]byte, len(in.Body))
		copy(out.Body, in.Body)
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
