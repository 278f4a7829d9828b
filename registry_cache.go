package vaultfs

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// CacheStatistics contains resolution cache metrics.
type CacheStatistics struct {
	Hits      int64
	Misses    int64
	Size      int64
	Evictions int64
	HitRate   float64
}

// resolutionKey identifies a cached resolution. A directory-typed query
// looks for a marker in the path itself and a file-typed one starts at the
// parent, so the two are cached apart.
type resolutionKey struct {
	session string
	path    string
	dir     bool
}

// resolutionCache maps (session, path) to the vault governing the path.
// Keys are spread over independently locked shards so lookups of
// unrelated paths never contend.
type resolutionCache struct {
	shards    []*cacheShard
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[resolutionKey]Vault
}

func newResolutionCache(shards int) *resolutionCache {
	if shards < 1 {
		shards = 1
	}
	c := &resolutionCache{shards: make([]*cacheShard, shards)}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[resolutionKey]Vault)}
	}
	return c
}

func (c *resolutionCache) shard(key resolutionKey) *cacheShard {
	h := xxhash.Sum64String(key.session + "\x00" + key.path)
	return c.shards[h%uint64(len(c.shards))]
}

// get returns the cached vault, NullVault included.
func (c *resolutionCache) get(key resolutionKey) (Vault, bool) {
	s := c.shard(key)
	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *resolutionCache) put(key resolutionKey, v Vault) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = v
}

// invalidate removes every entry of session whose path satisfies match and
// returns the number of removed entries.
func (c *resolutionCache) invalidate(session string, match func(p Path) bool) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.entries {
			if key.session == session && match(NewPath(key.path, TypeDirectory)) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.evictions.Add(int64(removed))
	return removed
}

// clear removes all entries.
func (c *resolutionCache) clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		c.evictions.Add(int64(len(s.entries)))
		s.entries = make(map[resolutionKey]Vault)
		s.mu.Unlock()
	}
}

func (c *resolutionCache) len() int64 {
	var n int64
	for _, s := range c.shards {
		s.mu.RLock()
		n += int64(len(s.entries))
		s.mu.RUnlock()
	}
	return n
}

// stats returns cache statistics.
func (c *resolutionCache) stats() CacheStatistics {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStatistics{
		Hits:      hits,
		Misses:    misses,
		Size:      c.len(),
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}
