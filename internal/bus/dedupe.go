package bus

import (
	"sync"
	"time"
)

// Deduper drops events a polling consumer has already handled. Keys are
// (subjectId, action, timestamp); keys older than the retention window
// behind the newest seen event are forgotten.
type Deduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	newest    time.Time
	retention time.Duration
}

func NewDeduper(retention time.Duration) *Deduper {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Deduper{seen: map[string]time.Time{}, retention: retention}
}

// First reports whether e has not been seen before and records it.
func (d *Deduper) First(e Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := e.DedupKey()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = e.Timestamp
	if e.Timestamp.After(d.newest) {
		d.newest = e.Timestamp
		d.evict()
	}
	return true
}

// Filter returns the events not seen before, in order.
func (d *Deduper) Filter(events []Event) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if d.First(e) {
			out = append(out, e)
		}
	}
	return out
}

// Newest is the latest timestamp seen, suitable as the next poll cursor.
func (d *Deduper) Newest() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newest
}

func (d *Deduper) evict() {
	cutoff := d.newest.Add(-d.retention)
	for key, ts := range d.seen {
		if ts.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}
