package pipeline

import (
	"sync"
	"time"
)

// Deduplicator answers "has this event id been seen within the window".
// Entries are evicted lazily on every lookup; nothing survives a restart.
type Deduplicator struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduplicator creates a Deduplicator using the wall clock.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return NewDeduplicatorWithClock(window, time.Now)
}

func NewDeduplicatorWithClock(window time.Duration, now func() time.Time) *Deduplicator {
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{window: window, now: now, seen: make(map[string]time.Time)}
}

func (d *Deduplicator) ShouldProcess(id string) bool {
	return d.ShouldProcessAt(id, d.now())
}

// ShouldProcessAt first drops every entry older than the window relative to
// now. A remaining entry for id means a duplicate, and its first-seen time is
// left untouched; otherwise id is recorded at now.
func (d *Deduplicator) ShouldProcessAt(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, firstSeen := range d.seen {
		if now.Sub(firstSeen) > d.window {
			delete(d.seen, key)
		}
	}

	if _, dup := d.seen[id]; dup {
		return false
	}
	d.seen[id] = now
	return true
}

// Len is the number of ids currently inside the window.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) Window() time.Duration {
	return d.window
}
