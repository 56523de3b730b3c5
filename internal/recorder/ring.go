package recorder

// Ring holds up to capacity items, replacing the oldest when full.
type Ring[T any] struct {
	data []T
	size int
	head int // next write position
}

// NewRing creates a ring; a capacity of 0 holds nothing.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends item, evicting the oldest if the ring is full.
// It reports whether an item was evicted.
func (r *Ring[T]) Push(item T) bool {
	if len(r.data) == 0 {
		return true
	}
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
		return false
	}
	return true
}

// Items returns the contents oldest first.
func (r *Ring[T]) Items() []T {
	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	start := (r.head - r.size + len(r.data)) % len(r.data)
	n := copy(out, r.data[start:])
	if n < r.size {
		copy(out[n:], r.data[:r.size-n])
	}
	return out
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Resize changes the capacity, keeping the newest items that fit.
func (r *Ring[T]) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	if capacity == len(r.data) {
		return
	}
	items := r.Items()
	if len(items) > capacity {
		items = items[len(items)-capacity:]
	}
	r.data = make([]T, capacity)
	r.size = copy(r.data, items)
	r.head = 0
	if capacity > 0 {
		r.head = r.size % capacity
	}
}

// Clear drops every item.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.size = 0
	r.head = 0
}
