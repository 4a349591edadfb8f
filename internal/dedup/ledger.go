// Package dedup tracks which inbound message identifiers have already been
// accepted, so duplicate webhook deliveries never reach the answering
// service twice.
package dedup

import (
	"sync"
	"time"
)

// Ledger is a concurrency-safe set of message identifiers. The zero
// configuration matches the original relay behaviour: entries are kept for
// the lifetime of the process. Both eviction knobs are optional.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	order   []string // insertion order, for size-bounded eviction

	maxEntries int           // 0 = unbounded
	ttl        time.Duration // 0 = no expiry

	now func() time.Time // overridable in tests
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxEntries bounds the ledger size; when full, the oldest entries are
// evicted. An evicted id would be treated as new if redelivered, which is the
// documented trade-off of bounding the set.
func WithMaxEntries(n int) Option {
	return func(l *Ledger) { l.maxEntries = n }
}

// WithTTL expires entries after d. Expired entries are swept lazily during
// CheckAndAdd and Len.
func WithTTL(d time.Duration) Option {
	return func(l *Ledger) { l.ttl = d }
}

// NewLedger creates a Ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndAdd records id and reports whether it was newly added. The check
// and the insert happen under one lock so two racing deliveries of the same
// id can never both see "new".
func (l *Ledger) CheckAndAdd(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked()

	if _, seen := l.entries[id]; seen {
		return false
	}

	if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
		l.evictOldestLocked(len(l.entries) - l.maxEntries + 1)
	}

	l.entries[id] = l.now()
	l.order = append(l.order, id)
	return true
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return len(l.entries)
}

// sweepLocked drops expired entries. Caller holds l.mu.
func (l *Ledger) sweepLocked() {
	if l.ttl <= 0 {
		return
	}
	cutoff := l.now().Add(-l.ttl)
	kept := l.order[:0]
	for _, id := range l.order {
		at, ok := l.entries[id]
		if !ok {
			continue
		}
		if at.Before(cutoff) {
			delete(l.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
}

// evictOldestLocked removes the n oldest entries. Caller holds l.mu.
func (l *Ledger) evictOldestLocked(n int) {
	for n > 0 && len(l.order) > 0 {
		id := l.order[0]
		l.order = l.order[1:]
		if _, ok := l.entries[id]; ok {
			delete(l.entries, id)
			n--
		}
	}
}
