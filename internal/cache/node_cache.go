package cache

import (
	"strings"
	"sync"
	"time"

	"fedfs/internal/vfs"
)

// NodeCache caches entry metadata with TTL-based expiration.
// Supports fine-grained invalidation by name.
//
// Thread-safe: Uses RWMutex for concurrent access.
type NodeCache struct {
	mu      sync.RWMutex
	entries map[string]*nodeEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type nodeEntry struct {
	node    vfs.Entry // nil caches a missing entry
	expires time.Time
}

// NewNodeCache creates a new metadata cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewNodeCache(ttl time.Duration, maxSize int) *NodeCache {
	return &NodeCache{
		entries: make(map[string]*nodeEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get retrieves the cached entry for a name. ok is false if the name is not
// cached, expired, or caching is disabled (FEDFS_CACHE=0). A cached missing
// entry yields a nil node with ok set.
func (c *NodeCache) Get(name string) (node vfs.Entry, ok bool) {
	if Disabled {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[name]
	if !found {
		return nil, false
	}

	// Check TTL expiration
	if c.ttl > 0 && c.now().After(entry.expires) {
		return nil, false
	}

	return entry.node, true
}

// Set stores the entry for a name, nil meaning the entry does not exist.
// No-op if caching is disabled (FEDFS_CACHE=0).
func (c *NodeCache) Set(name string, node vfs.Entry) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[name]; !exists {
			return
		}
	}

	expires := time.Time{}
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}

	c.entries[name] = &nodeEntry{node: node, expires: expires}
}

// Invalidate clears all entries from the cache.
func (c *NodeCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*nodeEntry, 256)
	}
}

// InvalidateName removes a name and its parent directory, whose member list
// changes with it.
func (c *NodeCache) InvalidateName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, name)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		delete(c.entries, name[:i])
	} else if name != "" {
		delete(c.entries, "")
	}
}

// InvalidatePrefix removes all names below the given directory.
func (c *NodeCache) InvalidatePrefix(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir == "" {
		c.entries = make(map[string]*nodeEntry, 256)
		return
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for name := range c.entries {
		if strings.HasPrefix(name, prefix) {
			delete(c.entries, name)
		}
	}
}

// Size returns the current number of entries in the cache.
func (c *NodeCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

var _ Invalidator = (*NodeCache)(nil)
