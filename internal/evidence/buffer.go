// Package evidence maintains the bounded per-conversation snapshot buffer
// that feeds moderation. The buffer observes every message write and keeps
// the most recent entries in memory; a recorder persists the snapshot so
// evidence survives the teardown of an anonymous conversation.
package evidence

import (
	"sync"
	"time"
)

// Capacity is the number of recent message snapshots retained per
// conversation. Older entries are evicted as new ones arrive.
const Capacity = 50

// Snapshot is one captured message: who said what, when. It is deliberately
// a copy — it does not reference live Message rows.
type Snapshot struct {
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Buffer stores the last Capacity snapshots per conversation. Goroutine-safe;
// a fixed-size ring per conversation keeps appends O(1).
type Buffer struct {
	mu    sync.RWMutex
	rings map[string]*ring // conversation ID -> ring
}

type ring struct {
	items []Snapshot
	pos   int
	count int
}

// NewBuffer creates an empty evidence buffer.
func NewBuffer() *Buffer {
	return &Buffer{rings: make(map[string]*ring)}
}

// Append records a snapshot for a conversation, evicting the oldest entry
// once the ring is full. The ring is created lazily on first append.
func (b *Buffer) Append(convID string, snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[convID]
	if !ok {
		r = &ring{items: make([]Snapshot, Capacity)}
		b.rings[convID] = r
	}
	r.add(snap)
}

// Observe records a snapshot only for conversations that already have a
// ring, i.e. those Ensure was called for. Conversations that never buffer
// evidence stay unbuffered. Reports whether the snapshot was recorded.
func (b *Buffer) Observe(convID string, snap Snapshot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[convID]
	if !ok {
		return false
	}
	r.add(snap)
	return true
}

func (r *ring) add(snap Snapshot) {
	r.items[r.pos] = snap
	r.pos = (r.pos + 1) % Capacity
	if r.count < Capacity {
		r.count++
	}
}

// Ensure creates the conversation's ring if it does not exist yet. Called on
// the first socket subscribe to a conversation channel.
func (b *Buffer) Ensure(convID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rings[convID]; !ok {
		b.rings[convID] = &ring{items: make([]Snapshot, Capacity)}
	}
}

// Snapshot returns the buffered entries for a conversation in chronological
// order (oldest first). An unknown conversation yields an empty slice.
func (b *Buffer) Snapshot(convID string) []Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rings[convID]
	if !ok {
		return []Snapshot{}
	}

	out := make([]Snapshot, r.count)
	start := (r.pos - r.count + Capacity) % Capacity
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%Capacity]
	}
	return out
}

// Drop discards the in-memory ring for a conversation. Persisting first is
// the recorder's job.
func (b *Buffer) Drop(convID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, convID)
}
