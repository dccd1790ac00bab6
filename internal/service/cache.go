package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

// cacheEntry holds a committed entry. Committed entries never change
// except for archived_at, so a short TTL is enough.
type cacheEntry struct {
	entry     *ledger.Entry
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// entryCache is a thread-safe TTL cache of entries by entry_id.
type entryCache struct {
	mu         sync.RWMutex
	entries    map[uuid.UUID]*cacheEntry
	ttl        time.Duration
	maxEntries int
}

func newEntryCache(ttl time.Duration, maxEntries int) *entryCache {
	return &entryCache{
		entries:    make(map[uuid.UUID]*cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// get returns a private copy of the cached entry.
func (c *entryCache) get(id uuid.UUID) (*ledger.Entry, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.expired() {
		return nil, false
	}
	return e.entry.Clone(), true
}

func (c *entryCache) set(e *ledger.Entry) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked()
		if len(c.entries) >= c.maxEntries {
			// Still full of live entries: start over.
			c.entries = make(map[uuid.UUID]*cacheEntry)
		}
	}
	c.entries[e.EntryID] = &cacheEntry{entry: e.Clone(), expiresAt: time.Now().Add(c.ttl)}
}

func (c *entryCache) invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// evict removes all expired entries.
func (c *entryCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

func (c *entryCache) evictLocked() int {
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *entryCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
