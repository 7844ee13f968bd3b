// Package pricecache is an in-memory TTL cache for reference prices, keyed
// by chain and token address, used to cut down on redundant market-data
// calls during a discovery or exit cycle.
package pricecache

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTTL = 15 * time.Second

// Quote is the cached value: a reference price plus the liquidity figure
// that accompanied it, if the upstream source reported one.
type Quote struct {
	PriceUSD     decimal.Decimal
	LiquidityUSD *decimal.Decimal
}

type entry struct {
	quote    Quote
	cachedAt time.Time
}

type key struct {
	chain   string
	address string
}

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	ttl    time.Duration
	data   map[key]entry
	hits   uint64
	misses uint64
}

// Stats is a point-in-time snapshot of cache usage.
type Stats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// New returns a Cache with the given TTL. A non-positive ttl falls back to
// the default of 15 seconds.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{ttl: ttl, data: make(map[key]entry)}
}

func makeKey(chain, address string) key {
	return key{chain: strings.ToLower(chain), address: strings.ToLower(address)}
}

// Get returns the cached quote if present and not expired. The second
// return value reports whether a usable entry was found.
func (c *Cache) Get(chain, address string) (Quote, bool) {
	k := makeKey(chain, address)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[k]
	if !ok {
		c.misses++
		return Quote{}, false
	}
	if time.Since(e.cachedAt) > c.ttl {
		delete(c.data, k)
		c.misses++
		return Quote{}, false
	}
	c.hits++
	return e.quote, true
}

// Set stores a quote, timestamped now.
func (c *Cache) Set(chain, address string, q Quote) {
	k := makeKey(chain, address)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[k] = entry{quote: q, cachedAt: time.Now()}
}

// Clear empties the cache and returns how many entries were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.data)
	c.data = make(map[key]entry)
	return n
}

// CleanupExpired removes stale entries without touching hit/miss counters
// and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.data {
		if time.Since(e.cachedAt) > c.ttl {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

// Stats reports current size and hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}
	return Stats{
		Size:    len(c.data),
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate,
	}
}
