// Package cache implements a bounded in-memory cache with recency-weighted
// frequency eviction and a periodic age sweep.
//
// Two instances are shared process-wide: a narrow one for SQL view results
// and a broader one for metadata lookups. Both shield the remote instance
// from redundant calls.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxItemBytes is the absolute per-item ceiling. Payloads above it are
// treated as non-cacheable regardless of the cache's own byte ceiling.
const MaxItemBytes = 512 * 1024

type entry[T any] struct {
	value        T
	bytes        int64
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

// score ranks an entry for eviction. Lower scores evict first: entries that
// are old and rarely hit sink to the bottom.
func (e *entry[T]) score() float64 {
	return float64(e.lastAccessed.UnixMilli()) * math.Log(float64(e.accessCount)+1)
}

// Stats is a point-in-time snapshot of cache state.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Bytes   int64   `json:"bytes"`
}

// Cache is a size- and count-bounded cache. Safe for concurrent use.
type Cache[T any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[T]
	maxEntries int
	maxBytes   int64
	bytes      int64
	hits       int64
	misses     int64
	logger     *slog.Logger
}

// New creates a Cache bounded by maxEntries and maxBytes.
func New[T any](maxEntries int, maxBytes int64, logger *slog.Logger) *Cache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &Cache[T]{
		entries:    make(map[string]*entry[T]),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

// Set stores value under key. Oversize values (> MaxItemBytes once
// serialized) are silently not admitted. After insertion, eviction runs
// until both the entry-count and byte ceilings hold.
func (c *Cache[T]) Set(key string, value T) {
	size := estimateBytes(value)
	if size > MaxItemBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.bytes -= old.bytes
	}
	now := time.Now()
	c.entries[key] = &entry[T]{
		value:        value,
		bytes:        size,
		createdAt:    now,
		lastAccessed: now,
	}
	c.bytes += size
	c.evictLocked()
}

// Get returns the value for key if present, updating its access metadata.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero T
		return zero, false
	}
	e.lastAccessed = time.Now()
	e.accessCount++
	c.hits++
	return e.value, true
}

// Invalidate removes all entries whose key contains substr and returns the
// removed count. Used when an upstream write must force related reads to
// refetch.
func (c *Cache[T]) Invalidate(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if substr == "" || strings.Contains(key, substr) {
			c.bytes -= e.bytes
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: rate,
		Bytes:   c.bytes,
	}
}

// StartSweeper removes entries older than maxAge on a ticker, bounding
// staleness independent of traffic. Blocks until ctx is cancelled; run it
// in its own goroutine.
func (c *Cache[T]) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.sweep(maxAge); n > 0 {
				c.logger.Debug("cache: sweep", "removed", n)
			}
		}
	}
}

// sweep removes entries created more than maxAge ago.
func (c *Cache[T]) sweep(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, e := range c.entries {
		if e.createdAt.Before(cutoff) {
			c.bytes -= e.bytes
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// evictLocked drops the lowest-scored entries until both ceilings hold.
// Caller must hold c.mu.
func (c *Cache[T]) evictLocked() {
	if len(c.entries) <= c.maxEntries && c.bytes <= c.maxBytes {
		return
	}

	type ranked struct {
		key   string
		score float64
		born  time.Time
	}
	order := make([]ranked, 0, len(c.entries))
	for key, e := range c.entries {
		order = append(order, ranked{key: key, score: e.score(), born: e.createdAt})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score < order[j].score
		}
		return order[i].born.Before(order[j].born)
	})

	for _, r := range order {
		if len(c.entries) <= c.maxEntries && c.bytes <= c.maxBytes {
			return
		}
		e := c.entries[r.key]
		c.bytes -= e.bytes
		delete(c.entries, r.key)
	}
}

// estimateBytes approximates the resident size of a value by its JSON
// serialization. Unserializable values count as zero.
func estimateBytes(v any) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
