package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"execution-core/pkg/exchanges/common"
)

const numShards = 16

// TickerCache is a sharded cache of recent tickers. Monitors watching the
// same symbol share one exchange request per MaxAge.
type TickerCache struct {
	shards [numShards]*tickerShard
	maxAge time.Duration

	hits   uint64
	misses uint64
	statMu sync.Mutex
}

type tickerShard struct {
	mu    sync.RWMutex
	items map[string]tickerEntry
}

type tickerEntry struct {
	ticker    common.Ticker
	updatedAt time.Time
}

// FetchFunc loads a ticker from the exchange.
type FetchFunc func(ctx context.Context, symbol string) (common.Ticker, error)

// NewTickerCache creates a cache whose entries are fresh for maxAge.
func NewTickerCache(maxAge time.Duration) *TickerCache {
	if maxAge <= 0 {
		maxAge = 250 * time.Millisecond
	}
	c := &TickerCache{maxAge: maxAge}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &tickerShard{
			items: make(map[string]tickerEntry),
		}
	}
	return c
}

func (c *TickerCache) getShard(key string) *tickerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores t under its symbol.
func (c *TickerCache) Set(t common.Ticker) {
	shard := c.getShard(t.Symbol)
	shard.mu.Lock()
	shard.items[t.Symbol] = tickerEntry{ticker: t, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// GetWithAge returns the cached ticker and its age, fresh or not.
func (c *TickerCache) GetWithAge(symbol string) (common.Ticker, time.Duration, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return common.Ticker{}, 0, false
	}
	return entry.ticker, time.Since(entry.updatedAt), true
}

// Get returns the ticker only while it is fresh.
func (c *TickerCache) Get(symbol string) (common.Ticker, bool) {
	t, age, ok := c.GetWithAge(symbol)
	if !ok || age > c.maxAge {
		return common.Ticker{}, false
	}
	return t, true
}

// Fetch serves a fresh cached ticker or loads and caches a new one.
// Errors are not cached.
func (c *TickerCache) Fetch(ctx context.Context, symbol string, load FetchFunc) (common.Ticker, error) {
	if t, ok := c.Get(symbol); ok {
		c.count(true)
		return t, nil
	}
	c.count(false)
	t, err := load(ctx, symbol)
	if err != nil {
		return common.Ticker{}, err
	}
	if t.Symbol == "" {
		t.Symbol = symbol
	}
	c.Set(t)
	return t, nil
}

func (c *TickerCache) count(hit bool) {
	c.statMu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.statMu.Unlock()
}

// Delete removes a symbol.
func (c *TickerCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *TickerCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *TickerCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems int           `json:"total_items"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	MaxAge     time.Duration `json:"max_age"`
}

// Stats returns cache statistics.
func (c *TickerCache) Stats() CacheStats {
	c.statMu.Lock()
	hits, misses := c.hits, c.misses
	c.statMu.Unlock()
	return CacheStats{TotalItems: c.Len(), Hits: hits, Misses: misses, MaxAge: c.maxAge}
}
