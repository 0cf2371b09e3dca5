package broadcast

import (
	"sync"
	"time"
)

// dedupPruneThreshold bounds the dedup set's size between full sweeps.
const dedupPruneThreshold = 1024

// dedupSet is a short-lived set of event identities. An event applied locally
// at emission time and echoed back by the store, or replayed twice by
// retries, is only rendered once as long as both deliveries land inside the
// TTL.
type dedupSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	clock   func() time.Time
}

func newDedupSet(ttl time.Duration) *dedupSet {
	return &dedupSet{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// seen records key and reports whether it was already present and unexpired.
func (d *dedupSet) seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if expiry, ok := d.entries[key]; ok && now.Before(expiry) {
		return true
	}
	d.entries[key] = now.Add(d.ttl)

	if len(d.entries) > dedupPruneThreshold {
		for k, expiry := range d.entries {
			if now.After(expiry) {
				delete(d.entries, k)
			}
		}
	}
	return false
}

func (d *dedupSet) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
