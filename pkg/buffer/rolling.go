// Package buffer holds the orchestrator's in-memory view of the timeline: a
// bounded ring of recent events, a compacted bullet summary and a small fact
// map. It is a cache; everything here can be rebuilt by replaying the log.
package buffer

import (
	"maps"
	"sync"
	"sync/atomic"

	"chorus/pkg/protocol"
)

// Rolling is a bounded ring of the most recent events. When full, the oldest
// event is evicted to make room for the new one.
type Rolling struct {
	mu     sync.Mutex
	ring   []protocol.Event
	start  int // index of the oldest event
	n      int
	facts  map[string]string
	pushed uint64 // total events ever pushed

	summary atomic.Pointer[[]string]
}

// NewRolling creates a buffer holding at most capacity events.
func NewRolling(capacity int) *Rolling {
	if capacity <= 0 {
		capacity = 1
	}
	return &Rolling{
		ring:  make([]protocol.Event, capacity),
		facts: make(map[string]string),
	}
}

// Push appends ev, evicting the oldest event if the ring is full.
func (b *Rolling) Push(ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := len(b.ring)
	if b.n < c {
		b.ring[(b.start+b.n)%c] = ev
		b.n++
	} else {
		b.ring[b.start] = ev
		b.start = (b.start + 1) % c
	}
	b.pushed++
}

// Len returns the number of buffered events.
func (b *Rolling) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Pushed returns the total number of events ever pushed.
func (b *Rolling) Pushed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed
}

// Snapshot returns the buffered events, oldest first.
func (b *Rolling) Snapshot() []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLocked(b.n)
}

// Recent returns up to n of the newest events, oldest first.
func (b *Rolling) Recent(n int) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLocked(n)
}

// Since returns buffered events with seq greater than seq, oldest first.
func (b *Rolling) Since(seq uint64) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.lastLocked(b.n)
	for i, ev := range all {
		if ev.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

func (b *Rolling) lastLocked(n int) []protocol.Event {
	if n > b.n {
		n = b.n
	}
	if n <= 0 {
		return nil
	}
	out := make([]protocol.Event, n)
	c := len(b.ring)
	first := b.start + b.n - n
	for i := range n {
		out[i] = b.ring[(first+i)%c]
	}
	return out
}

// SetFact records a long-lived fact. An empty value deletes the key.
func (b *Rolling) SetFact(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if value == "" {
		delete(b.facts, key)
		return
	}
	b.facts[key] = value
}

// Facts returns a copy of the fact map.
func (b *Rolling) Facts() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.facts)
}

// Summary returns the current compacted summary. The returned slice must not
// be modified.
func (b *Rolling) Summary() []string {
	if p := b.summary.Load(); p != nil {
		return *p
	}
	return nil
}

// SetSummary replaces the compacted summary atomically.
func (b *Rolling) SetSummary(bullets []string) {
	b.summary.Store(&bullets)
}

// Recompact rebuilds the summary from the buffered events and installs it.
func (b *Rolling) Recompact(limit int) []string {
	bullets := Compact(b.Snapshot(), limit)
	b.SetSummary(bullets)
	return bullets
}
