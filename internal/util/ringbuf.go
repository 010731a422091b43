package util

import "sync"

// RingBuffer keeps the most recent items up to a fixed capacity. Push drops
// the oldest item once the capacity is reached. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	size  int
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = item
		r.size++
	} else {
		r.items[r.start] = item
		r.start = (r.start + 1) % len(r.items)
	}
	r.mu.Unlock()
}

// Snapshot copies the stored items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
