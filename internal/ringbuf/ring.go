// Package ringbuf provides a fixed-capacity FIFO over opaque chunks.
// It backs scrollback replay: when full, the oldest chunk is overwritten.
package ringbuf

import (
	"fmt"
	"sync"
)

// Ring is a fixed-capacity FIFO. Push overwrites the oldest element once
// capacity is reached. Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // index of the oldest element
	size  int
}

// New creates a Ring with the given capacity. Capacity must be >= 1.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("ringbuf: capacity must be >= 1, got %d", capacity)
	}
	return &Ring[T]{items: make([]T, capacity)}, nil
}

// Push appends x, overwriting the oldest element when full. Amortized O(1).
func (r *Ring[T]) Push(x T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = x
		r.size++
		return
	}
	r.items[r.head] = x
	r.head = (r.head + 1) % len(r.items)
}

// GetAll returns a snapshot of the buffered elements in insertion order,
// oldest first.
func (r *Ring[T]) GetAll() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Clear drops all buffered elements. Capacity is retained.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}
