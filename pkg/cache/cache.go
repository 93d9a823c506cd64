// Package cache implements the query cache of spec.md §4.6: an LRU
// bounded by entry count, keyed by (collection, query fingerprint, k,
// threshold), with golang.org/x/sync/singleflight collapsing concurrent
// builds for the same key into one computation.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies one cacheable query result set.
type Key struct {
	Collection  string
	Fingerprint string
	K           int
	Threshold   float64
}

func (k Key) cacheKey() string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%g", k.Collection, k.Fingerprint, k.K, k.Threshold)
}

// FingerprintText returns a stable fingerprint for a text query.
func FingerprintText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// FingerprintVector returns a stable fingerprint for a vector query.
func FingerprintVector(v []float32) string {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, x := range v {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	key        string
	value      any
	collection string
	expiresAt  time.Time
	elem       *list.Element
}

// Cache is an LRU query-result cache with per-collection tag
// invalidation and single-flight-deduplicated builds.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*entry
	order   *list.List // front = most recently used
	group   singleflight.Group
}

// New creates a cache bounded to maxSize entries with the given default TTL.
func New(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
}

// Get fetches a cached value under key, or calls build to compute it,
// sharing the computation across concurrent callers with the same key
// (spec.md §4.6's at-most-one-build-per-key contract). A build error is
// never cached; every waiter on that key receives the error.
func (c *Cache) Get(key Key, now time.Time, build func() (any, error)) (any, error) {
	ck := key.cacheKey()

	c.mu.Lock()
	if e, ok := c.entries[ck]; ok && now.Before(e.expiresAt) {
		c.order.MoveToFront(e.elem)
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(ck, func() (any, error) {
		val, err := build()
		if err != nil {
			return nil, err
		}
		c.put(key, ck, val, now)
		return val, nil
	})
	return v, err
}

func (c *Cache) put(key Key, ck string, value any, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[ck]; ok {
		existing.value = value
		existing.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(existing.elem)
		return
	}

	e := &entry{key: ck, value: value, collection: key.Collection, expiresAt: now.Add(c.ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[ck] = e

	for c.maxSize > 0 && len(c.entries) > c.maxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.entries, evicted.key)
	}
}

// InvalidateCollection evicts every entry tagged with collection,
// satisfying spec.md §3's transitive-invalidation invariant.
func (c *Cache) InvalidateCollection(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ck, e := range c.entries {
		if e.collection == collection {
			c.order.Remove(e.elem)
			delete(c.entries, ck)
		}
	}
}

// Len returns the number of live (not necessarily unexpired) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
