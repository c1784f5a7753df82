// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package ring defines a bounded FIFO buffer used to queue
// pending presentation requests.
package ring

// Buffer is a fixed-capacity FIFO ring buffer.
// It does no locking of its own. The single-producer/single-consumer
// pattern used by swapchains keeps the head and tail apart, and both
// sides access the buffer under the image status lock in any case.
type Buffer[T any] struct {
	data []T
	head int
	n    int
}

// New creates a new ring buffer that holds up to capacity elements.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		panic("ring: non-positive capacity")
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Push appends x to the back of the buffer.
// It returns false if the buffer is full.
func (b *Buffer[T]) Push(x T) bool {
	if b.n == len(b.data) {
		return false
	}
	b.data[(b.head+b.n)%len(b.data)] = x
	b.n++
	return true
}

// Pop removes and returns the oldest element.
// It returns false if the buffer is empty.
func (b *Buffer[T]) Pop() (T, bool) {
	var x T
	if b.n == 0 {
		return x, false
	}
	x = b.data[b.head]
	b.data[b.head] = *new(T)
	b.head = (b.head + 1) % len(b.data)
	b.n--
	return x, true
}

// Len returns the number of queued elements.
func (b *Buffer[_]) Len() int { return b.n }

// Cap returns the buffer's capacity.
func (b *Buffer[_]) Cap() int { return len(b.data) }
