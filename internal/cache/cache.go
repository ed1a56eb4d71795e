// Package cache memoizes per-ID detail lookups, both found and not-found,
// with per-entry TTLs on top of an LRU.
package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/metascraper/internal/metrics"
	"github.com/JakeFAU/metascraper/internal/scraper"
)

// Config sizes the cache.
type Config struct {
	Capacity    int
	TTL         time.Duration
	NotFoundTTL time.Duration
}

// Entry is a live cached result. NotFound entries carry no metadata.
type Entry struct {
	Metadata *scraper.ContentMetadata
	NotFound bool
}

type key struct {
	provider string
	id       string
}

type record struct {
	meta      *scraper.ContentMetadata
	notFound  bool
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	items       *lru.Cache[key, record]
	ttl         time.Duration
	notFoundTTL time.Duration
	now         func() time.Time
}

// New builds a cache. Non-positive TTLs disable storing that kind of entry.
func New(cfg Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be > 0")
	}
	items, err := lru.New[key, record](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	metrics.Init()
	return &Cache{
		items:       items,
		ttl:         cfg.TTL,
		notFoundTTL: cfg.NotFoundTTL,
		now:         time.Now,
	}, nil
}

// Get returns a live entry. Expired entries are evicted and reported absent.
func (c *Cache) Get(provider, id string) (Entry, bool) {
	k := key{provider: provider, id: id}
	rec, ok := c.items.Get(k)
	if !ok {
		metrics.ObserveCacheLookup(provider, "miss")
		return Entry{}, false
	}
	if !c.now().Before(rec.expiresAt) {
		c.items.Remove(k)
		metrics.ObserveCacheLookup(provider, "expired")
		return Entry{}, false
	}
	if rec.notFound {
		metrics.ObserveCacheLookup(provider, "not_found")
		return Entry{NotFound: true}, true
	}
	metrics.ObserveCacheLookup(provider, "hit")
	return Entry{Metadata: rec.meta.Clone()}, true
}

// SetFound stores a copy of meta.
func (c *Cache) SetFound(provider, id string, meta *scraper.ContentMetadata) {
	if meta == nil || c.ttl <= 0 {
		return
	}
	c.items.Add(key{provider: provider, id: id}, record{
		meta:      meta.Clone(),
		expiresAt: c.now().Add(c.ttl),
	})
}

// SetNotFound stores an explicit not-found marker.
func (c *Cache) SetNotFound(provider, id string) {
	if c.notFoundTTL <= 0 {
		return
	}
	c.items.Add(key{provider: provider, id: id}, record{
		notFound:  true,
		expiresAt: c.now().Add(c.notFoundTTL),
	})
}

// Len reports the number of stored entries, including ones not yet found expired.
func (c *Cache) Len() int {
	return c.items.Len()
}
