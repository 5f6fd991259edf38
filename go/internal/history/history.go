// Package history keeps the bounded log of score pairs seen before each change.
package history

import (
	"sync"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// Capacity is the number of snapshots a Buffer retains.
const Capacity = 5

// Buffer is an insertion-ordered snapshot log, newest first. Only the owning
// store records into it; readers get copies.
type Buffer struct {
	mu       sync.RWMutex
	entries  []models.ScorePair
	capacity int
}

// New creates a buffer holding at most Capacity entries.
func New() *Buffer {
	return NewWithCapacity(Capacity)
}

// NewWithCapacity creates a buffer with a custom bound.
func NewWithCapacity(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		entries:  make([]models.ScorePair, 0, capacity),
		capacity: capacity,
	}
}

// Record inserts a snapshot at the front and evicts the oldest entry once the
// buffer is over capacity.
func (b *Buffer) Record(pair models.ScorePair) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, models.ScorePair{})
	copy(b.entries[1:], b.entries)
	b.entries[0] = pair
	if len(b.entries) > b.capacity {
		b.entries = b.entries[:b.capacity]
	}
}

// RecordChange records prev only when it differs from next. It reports whether
// an entry was added.
func (b *Buffer) RecordChange(prev, next models.ScorePair) bool {
	if prev == next {
		return false
	}
	b.Record(prev)
	return true
}

// Entries returns a copy of the snapshots, newest first.
func (b *Buffer) Entries() []models.ScorePair {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.ScorePair, len(b.entries))
	copy(out, b.entries)
	return out
}

// Front returns the newest snapshot.
func (b *Buffer) Front() (models.ScorePair, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return models.ScorePair{}, false
	}
	return b.entries[0], true
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}
