package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen message IDs so that queue redeliveries
// and bridge double-sends are processed once. Safe for concurrent use.
type DedupeCache struct {
	ttl     time.Duration
	max     int
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewDedupeCache creates a cache holding at most max IDs for ttl each.
// A zero ttl disables deduplication.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1000
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsDuplicate records id and reports whether it was already seen within the TTL.
// Empty IDs are never treated as duplicates.
func (d *DedupeCache) IsDuplicate(id string) bool {
	if d == nil || d.ttl <= 0 || id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seen, ok := d.entries[id]; ok && now.Sub(seen) < d.ttl {
		return true
	}

	if len(d.entries) >= d.max {
		d.prune(now)
	}
	d.entries[id] = now
	return false
}

// Forget drops id so a later redelivery is processed again.
func (d *DedupeCache) Forget(id string) {
	if d == nil || id == "" {
		return
	}
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
}

// prune removes expired entries, then evicts the oldest until under the cap.
func (d *DedupeCache) prune(now time.Time) {
	for id, seen := range d.entries {
		if now.Sub(seen) >= d.ttl {
			delete(d.entries, id)
		}
	}
	for len(d.entries) >= d.max {
		var oldestID string
		var oldest time.Time
		for id, seen := range d.entries {
			if oldestID == "" || seen.Before(oldest) {
				oldestID, oldest = id, seen
			}
		}
		delete(d.entries, oldestID)
	}
}
