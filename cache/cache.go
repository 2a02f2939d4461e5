// Package cache provides an LRU cache for decompressed column pages.
//
// Segment scanners share one cache per node, so hot pages decoded by
// one scanner are served to the others without touching the blob store
// again. Cached slices are read-only.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// PageKey identifies one decompressed column page. Pages are keyed by
// blob name rather than segment ID, so tablets with overlapping segment
// numbering can share one cache.
type PageKey struct {
	Blob   string
	Column int
	Page   int
}

// PageCache is a byte-oriented cache for immutable pages.
type PageCache interface {
	// Get returns a cached page. ok is false on a miss.
	Get(key PageKey) (b []byte, ok bool)
	// Set caches a page. The caller must treat b as immutable afterwards.
	Set(key PageKey, b []byte)
	// InvalidateBlob drops all pages of one segment blob.
	InvalidateBlob(blob string)
	// Stats returns hit and miss counts.
	Stats() (hits, misses int64)
}

// MemoryReserver accounts cache bytes against a global memory budget.
type MemoryReserver interface {
	TryReserveMemory(n int64) bool
	ReleaseMemory(n int64)
}

// LRUPageCache is a mutex-guarded LRU PageCache bounded by bytes.
type LRUPageCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[PageKey]*list.Element
	evictList *list.List
	mem       MemoryReserver

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   PageKey
	value []byte
}

// NewLRUPageCache creates a cache bounded to capacity bytes. If mem is
// non-nil, cached bytes are reserved against it and released on
// eviction.
func NewLRUPageCache(capacity int64, mem MemoryReserver) *LRUPageCache {
	return &LRUPageCache{
		capacity:  capacity,
		items:     make(map[PageKey]*list.Element),
		evictList: list.New(),
		mem:       mem,
	}
}

// Get returns a cached page and bumps its recency.
func (c *LRUPageCache) Get(key PageKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a page. Pages larger than the whole cache, or refused by
// the memory reserver, are silently not cached; the scan falls back to
// re-reading them.
func (c *LRUPageCache) Set(key PageKey, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		// Pages are immutable, so a second Set for the same key
		// carries identical bytes. Nothing to update.
		return
	}

	itemSize := int64(len(b))
	if itemSize > c.capacity {
		return
	}

	// Evict before reserving so freed bytes are returned to the
	// global budget first.
	for c.size+itemSize > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
	}

	if c.mem != nil && !c.mem.TryReserveMemory(itemSize) {
		return
	}

	c.items[key] = c.evictList.PushFront(&entry{key, b})
	c.size += itemSize
}

// InvalidateBlob drops all pages of one segment blob.
func (c *LRUPageCache) InvalidateBlob(blob string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, element := range c.items {
		if key.Blob == blob {
			toRemove = append(toRemove, element)
		}
	}
	for _, e := range toRemove {
		c.removeElement(e)
	}
}

// Stats returns hit and miss counts.
func (c *LRUPageCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the cached bytes.
func (c *LRUPageCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *LRUPageCache) removeElement(e *list.Element) {
	kv := e.Value.(*entry)
	c.evictList.Remove(e)
	delete(c.items, kv.key)
	c.size -= int64(len(kv.value))
	if c.mem != nil {
		c.mem.ReleaseMemory(int64(len(kv.value)))
	}
}
