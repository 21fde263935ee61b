// Package chain implements the chain-owner cache: loop detection for a
// feed-of-feeds deployment where this collector re-publishes BMF records
// it itself received from an upstream collector. Each record carries the
// originating collector's monitor id and a per-collector sequence number;
// a record whose (bgpmon_id, sequence) pair was already seen is a loop and
// is dropped.
package chain

import (
	"sync"
	"time"
)

// Entry is one chain-owner record.
type Entry struct {
	BgpmonID    uint32
	Sequence    uint64
	OwnerThread string
	LastSeen    time.Time
}

// Cache is a lifetime-expiring set of chain-owner entries keyed by
// (bgpmon_id, sequence). The zero value is not usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	entries  map[key]Entry
	lifetime time.Duration
	now      func() time.Time
}

type key struct {
	bgpmonID uint32
	sequence uint64
}

// New returns an empty cache whose entries expire after lifetime.
func New(lifetime time.Duration) *Cache {
	return &Cache{
		entries:  make(map[key]Entry),
		lifetime: lifetime,
		now:      time.Now,
	}
}

// Seen reports whether (bgpmonID, sequence) is a loop: either already
// present and unexpired, or newly inserted. When it is not a loop, the
// entry is recorded under ownerThread and Seen returns false. Expired
// entries for the same key are treated as absent and overwritten, fixing
// the source implementation's defect of consulting the cache before it
// had been initialised for a given key: Go's zero-value map lookup
// (`ok == false`) already expresses "not present" unambiguously, so there
// is no separate init step to forget.
func (c *Cache) Seen(bgpmonID uint32, sequence uint64, ownerThread string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{bgpmonID: bgpmonID, sequence: sequence}
	now := c.now()

	if e, ok := c.entries[k]; ok && now.Sub(e.LastSeen) < c.lifetime {
		return true
	}

	c.entries[k] = Entry{BgpmonID: bgpmonID, Sequence: sequence, OwnerThread: ownerThread, LastSeen: now}
	return false
}

// Expire drops every entry whose last-seen time is older than the
// configured lifetime, returning the count removed. Intended to be called
// periodically by the scheduler's cache-aging sweep.
func (c *Cache) Expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.LastSeen) >= c.lifetime {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
