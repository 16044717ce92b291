package correlation

import (
	"sync"
	"time"
)

type cacheEntry struct {
	sample  Sample
	expires time.Time
}

// sampleCache holds resolved samples per unordered pair until they expire
type sampleCache struct {
	mu      sync.RWMutex
	entries map[PairKey]cacheEntry
	ttl     time.Duration
}

func newSampleCache(ttl time.Duration) *sampleCache {
	return &sampleCache{
		entries: make(map[PairKey]cacheEntry),
		ttl:     ttl,
	}
}

func (c *sampleCache) get(key PairKey, now time.Time) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expires) {
		return Sample{}, false
	}
	return e.sample, true
}

func (c *sampleCache) put(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.Key()] = cacheEntry{sample: s, expires: s.ComputedAt.Add(c.ttl)}
}

func (c *sampleCache) delete(key PairKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *sampleCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[PairKey]cacheEntry)
}

// live returns unexpired samples and drops the expired ones
func (c *sampleCache) live(now time.Time) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, 0, len(c.entries))
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		out = append(out, e.sample)
	}
	return out
}
