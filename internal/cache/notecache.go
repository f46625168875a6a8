package cache

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const sweepInterval = 10 * time.Minute

// NoteCache is a TTL cache of per-author note lists. Expired entries are
// treated as absent on read and evicted lazily by a background sweep.
type NoteCache struct {
	entries map[string]*noteEntry
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
}

type noteEntry struct {
	notes     []*nostr.Event
	timestamp time.Time
}

// NewNoteCache creates a cache whose entries expire after ttl.
func NewNoteCache(ttl time.Duration) *NoteCache {
	c := &NoteCache{
		entries: make(map[string]*noteEntry),
		ttl:     ttl,
		now:     time.Now,
	}

	go c.cleanupRoutine()

	return c
}

// Get returns the cached notes for an author, or ok=false if absent or
// expired. An expired entry is never returned, even before eviction.
func (c *NoteCache) Get(author string) ([]*nostr.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[author]
	if !exists || c.now().Sub(entry.timestamp) >= c.ttl {
		return nil, false
	}
	return entry.notes, true
}

// Put stores the notes for an author, restarting its TTL.
func (c *NoteCache) Put(author string, notes []*nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[author] = &noteEntry{
		notes:     notes,
		timestamp: c.now(),
	}
}

// Len returns the number of entries, expired ones included.
func (c *NoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cleanupRoutine periodically removes expired cache entries. Correctness does
// not depend on it; Get already treats expired entries as absent.
func (c *NoteCache) cleanupRoutine() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := c.now()
		for author, entry := range c.entries {
			if now.Sub(entry.timestamp) >= c.ttl {
				delete(c.entries, author)
			}
		}
		c.mu.Unlock()
	}
}
