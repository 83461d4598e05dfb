package aggregate

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/bdsp/featuredb/pkg/types"
)

// bucketCache is an LRU cache of ReadRange results. Entries are invalidated
// wholesale per aggregate whenever a bucket of that aggregate changes, so a
// reader never sees a bucket older than the last committed swap.
type bucketCache struct {
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]*cacheEntry
	lru   *list.List
}

type cacheEntry struct {
	key       string
	aggregate string
	buckets   []types.Bucket
	storedAt  time.Time
	element   *list.Element
}

func newBucketCache(capacity int, ttl time.Duration) *bucketCache {
	return &bucketCache{
		capacity: capacity,
		ttl:      ttl,
		cache:    make(map[string]*cacheEntry),
		lru:      list.New(),
	}
}

func rangeKey(agg string, from, to time.Time) string {
	return fmt.Sprintf("%s/%d/%d", agg, from.UnixNano(), to.UnixNano())
}

func (c *bucketCache) Get(agg string, from, to time.Time) ([]types.Bucket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[rangeKey(agg, from, to)]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		c.removeLocked(entry.key)
		return nil, false
	}
	c.lru.MoveToFront(entry.element)
	return entry.buckets, true
}

func (c *bucketCache) Put(agg string, from, to time.Time, buckets []types.Bucket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := rangeKey(agg, from, to)
	if entry, ok := c.cache[key]; ok {
		entry.buckets = buckets
		entry.storedAt = time.Now()
		c.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{key: key, aggregate: agg, buckets: buckets, storedAt: time.Now()}
	entry.element = c.lru.PushFront(entry)
	c.cache[key] = entry

	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeLocked(oldest.Value.(*cacheEntry).key)
		}
	}
}

// InvalidateAggregate drops every cached range of one aggregate.
func (c *bucketCache) InvalidateAggregate(agg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.cache {
		if entry.aggregate == agg {
			c.removeLocked(key)
		}
	}
}

func (c *bucketCache) removeLocked(key string) {
	if entry, ok := c.cache[key]; ok {
		c.lru.Remove(entry.element)
		delete(c.cache, key)
	}
}

func (c *bucketCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
