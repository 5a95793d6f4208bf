package cache

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
)

// Cache provides thread-safe caching of forecast snapshots with TTL, keyed by
// forecast target. Critical sections are short; stale reads up to the TTL are
// the intended behaviour.
type Cache struct {
	data    map[string]*cacheEntry
	mutex   sync.RWMutex
	ttl     time.Duration
	maxAge  time.Duration
	stopCh  chan struct{}
	metrics *metrics
}

type cacheEntry struct {
	snap      *carbon.ForecastSnapshot
	timestamp time.Time
	hits      int64
}

type metrics struct {
	hits   int64
	misses int64
	mutex  sync.RWMutex
}

// New creates a new cache instance
func New(ttl time.Duration, maxAge time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}

	c := &Cache{
		data: make(map[string]*cacheEntry),
		// For cache freshness purposes at get time.
		ttl: ttl,
		// Age to clean-up unaccessed items.
		maxAge:  maxAge,
		stopCh:  make(chan struct{}),
		metrics: &metrics{},
	}

	go c.cleanup()

	return c
}

// SetTTL updates the freshness window for subsequent reads.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mutex.Lock()
	c.ttl = ttl
	c.mutex.Unlock()
}

// Get retrieves a snapshot if one younger than the TTL exists for the target.
func (c *Cache) Get(target string) (*carbon.ForecastSnapshot, bool) {
	c.mutex.RLock()
	entry, exists := c.data[target]
	ttl := c.ttl
	c.mutex.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	if time.Since(entry.timestamp) > ttl {
		c.recordMiss()
		return nil, false
	}

	c.mutex.Lock()
	entry.hits++
	c.mutex.Unlock()
	c.recordHit()

	return entry.snap, true
}

// Set stores a snapshot for the target.
func (c *Cache) Set(target string, snap *carbon.ForecastSnapshot) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[target] = &cacheEntry{
		snap:      snap,
		timestamp: time.Now(),
		hits:      0,
	}

	klog.V(4).InfoS("Cached forecast snapshot",
		"target", target,
		"intensityNow", snap.IntensityNow,
		"timestamp", snap.Timestamp)
}

// GetMetrics returns cache performance metrics
func (c *Cache) GetMetrics() (hits, misses int64) {
	c.metrics.mutex.RLock()
	defer c.metrics.mutex.RUnlock()
	return c.metrics.hits, c.metrics.misses
}

func (c *Cache) recordHit() {
	c.metrics.mutex.Lock()
	c.metrics.hits++
	c.metrics.mutex.Unlock()
}

func (c *Cache) recordMiss() {
	c.metrics.mutex.Lock()
	c.metrics.misses++
	c.metrics.mutex.Unlock()
}

// cleanup periodically removes entries that have outlived maxAge.
func (c *Cache) cleanup() {
	c.mutex.RLock()
	interval := c.ttl
	c.mutex.RUnlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	for target, entry := range c.data {
		age := now.Sub(entry.timestamp)
		if age > c.maxAge {
			delete(c.data, target)
			klog.V(4).InfoS("Removed expired forecast cache entry",
				"target", target,
				"age", age.String(),
				"hits", entry.hits)
		}
	}
}

// Close stops the cleanup goroutine
func (c *Cache) Close() {
	close(c.stopCh)
}

// Size returns the number of entries in the cache
func (c *Cache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}
