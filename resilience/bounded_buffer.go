package resilience

import "sync"

// BoundedBuffer holds items advisory-dropped during a dependency outage.
// It is bounded so a sustained outage cannot grow memory without limit;
// once full, the oldest unflushed item is dropped to make room for the
// newest, matching the "advisory, never blocking" posture analytics
// requires.
type BoundedBuffer[T any] struct {
	mu    sync.Mutex
	items []T
	cap   int
}

// NewBoundedBuffer creates a buffer holding at most capacity items.
func NewBoundedBuffer[T any](capacity int) *BoundedBuffer[T] {
	return &BoundedBuffer[T]{cap: capacity}
}

// Push appends an item, dropping the oldest if the buffer is full.
// Reports whether an item had to be dropped to make room.
func (b *BoundedBuffer[T]) Push(item T) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.cap {
		b.items = b.items[1:]
		dropped = true
	}
	b.items = append(b.items, item)
	return dropped
}

// Drain removes and returns everything currently buffered.
func (b *BoundedBuffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.items
	b.items = nil
	return out
}

// Len reports the current buffer occupancy.
func (b *BoundedBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
