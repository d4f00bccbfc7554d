// Package cache provides a content-addressed response cache for generation
// requests. Entries are keyed by request fingerprint, expire after a TTL,
// and are bounded both by entry count (LRU) and by an approximate byte
// budget.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/planforge/planforge/llm"
)

const (
	// DefaultTTL is how long an entry stays servable after being stored.
	DefaultTTL = time.Hour

	// DefaultMaxEntries bounds the number of cached responses.
	DefaultMaxEntries = 1000

	// entryOverhead approximates per-entry bookkeeping cost in bytes.
	entryOverhead = 64
)

// Config configures a Cache.
type Config struct {
	// TTL is the entry lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// MaxEntries is the LRU capacity. Zero means DefaultMaxEntries.
	MaxEntries int

	// MaxSizeBytes bounds the approximate total size of cached content.
	// Zero disables the byte budget.
	MaxSizeBytes int64
}

// ErrCorrupt reports an internal cache invariant violation, such as a stored
// entry without a response. It never occurs in normal operation and callers
// must treat it as fatal rather than as a miss.
var ErrCorrupt = errors.New("cache corruption detected")

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	SizeBytes int64
}

type entry struct {
	response *llm.Response
	storedAt time.Time
	size     int64
}

// Cache is a TTL + LRU response cache. All methods are safe for concurrent
// use. Cached responses are shared, not copied; callers must treat them as
// immutable.
type Cache struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, *entry]
	ttl       time.Duration
	maxBytes  int64
	sizeBytes int64
	hits      uint64
	misses    uint64
	evictions uint64
	logger    zerolog.Logger

	// now is swappable so expiry behavior is testable without sleeping.
	now func() time.Time
}

// New creates a Cache with the given configuration.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl must be positive, got %s", cfg.TTL)
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", cfg.MaxEntries)
	}

	c := &Cache{
		ttl:      cfg.TTL,
		maxBytes: cfg.MaxSizeBytes,
		logger:   logger,
		now:      time.Now,
	}

	// The eviction callback keeps the byte count honest for both capacity
	// evictions and explicit removals. It runs under c.mu via the lru calls.
	entries, err := lru.NewWithEvict[string, *entry](cfg.MaxEntries, func(key string, e *entry) {
		c.sizeBytes -= e.size
		c.evictions++
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	c.entries = entries

	return c, nil
}

// Get returns the cached response for key, or (nil, false, nil) on a miss.
// An expired entry is purged and reported as a miss; stale content is
// never served. An entry that violates the cache's internal invariants
// returns ErrCorrupt.
func (c *Cache) Get(key string) (*llm.Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		c.misses++
		return nil, false, nil
	}
	if e.response == nil {
		c.entries.Remove(key)
		return nil, false, fmt.Errorf("%w: entry has no response", ErrCorrupt)
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.entries.Remove(key)
		c.misses++
		return nil, false, nil
	}

	c.hits++
	return e.response, true, nil
}

// Put stores a response under key. The prompt length participates in the
// size estimate because it dominates entry memory for long prompts.
func (c *Cache) Put(key string, req *llm.Request, resp *llm.Response) {
	if resp == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(resp.Text) + len(req.Prompt) + entryOverhead)

	if prev, ok := c.entries.Peek(key); ok {
		c.sizeBytes -= prev.size
	}
	// Add either inserts or replaces; the eviction callback fires only for
	// capacity evictions, so replacement accounting happens above.
	c.entries.Add(key, &entry{
		response: resp,
		storedAt: c.now(),
		size:     size,
	})
	c.sizeBytes += size

	for c.maxBytes > 0 && c.sizeBytes > c.maxBytes && c.entries.Len() > 1 {
		c.entries.RemoveOldest()
	}
}

// Invalidate removes the entry for key, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.sizeBytes = 0
}

// Sweep purges expired entries and returns how many were removed. Expiry is
// otherwise lazy, so long-idle caches call this to bound memory.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := c.now()
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if cutoff.Sub(e.storedAt) >= c.ttl {
			c.entries.Remove(key)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("swept expired cache entries")
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.entries.Len(),
		SizeBytes: c.sizeBytes,
	}
}
