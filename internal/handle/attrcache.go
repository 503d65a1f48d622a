package handle

import (
	"sync"
	"time"

	"github.com/reeffs/reef/internal/vfs"
)

// AttrCache fronts the handle table's hot GETATTR path with a bounded
// TTL cache. Any observed write to a path must invalidate its entry;
// the handlers call Invalidate from every mutating procedure.
type AttrCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedAttr
}

type cachedAttr struct {
	attr    vfs.Attr
	expires time.Time
}

// NewAttrCache creates a cache with the given TTL. A zero TTL disables
// caching entirely: Get always misses.
func NewAttrCache(ttl time.Duration) *AttrCache {
	return &AttrCache{
		ttl:     ttl,
		entries: make(map[string]cachedAttr),
	}
}

// Get returns the cached attributes for path if present and fresh.
func (c *AttrCache) Get(path string) (*vfs.Attr, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, path)
		return nil, false
	}
	attr := e.attr
	return &attr, true
}

// Put stores attributes for path.
func (c *AttrCache) Put(path string, attr *vfs.Attr) {
	if c == nil || c.ttl <= 0 || attr == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cachedAttr{attr: *attr, expires: time.Now().Add(c.ttl)}
}

// Invalidate drops the entry for path. Mutating handlers call this for
// both the object and its parent directory.
func (c *AttrCache) Invalidate(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}
