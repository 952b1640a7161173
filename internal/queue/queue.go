// Package queue implements the bounded multi-producer/multi-consumer work
// queue (C3): a non-blocking Offer, a blocking, cancelable Take, and a
// Close that lets drained consumers observe end-of-stream. Go's buffered
// channels already provide exactly this bounded-handoff semantics, so
// Queue is a thin, typed wrapper rather than a reimplementation.
package queue

import "context"

// Queue is a bounded FIFO handoff of items of type T. The zero value is
// not usable; construct with New.
type Queue[T any] struct {
	items chan T
}

// New creates a Queue with the given capacity. A capacity below 1 is
// raised to 1; the dispatcher's default is the worker count.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Offer attempts to enqueue item without blocking. It returns false if the
// queue is at capacity; the caller is responsible for counting the drop.
func (q *Queue[T]) Offer(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Take blocks until an item is available, the queue is closed and
// drained, or ctx is canceled. ok is false when the queue is closed and
// empty (err is nil) or when ctx is done (err is ctx.Err()).
func (q *Queue[T]) Take(ctx context.Context) (item T, ok bool, err error) {
	select {
	case item, ok = <-q.items:
		return item, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Close marks the queue as done accepting new items. Subsequent Take
// calls continue to drain any buffered items and then return ok=false.
// Close must only be called after every producer has stopped offering.
func (q *Queue[T]) Close() {
	close(q.items)
}

// Len reports the number of items currently buffered. It is a snapshot,
// useful for metrics and tests, not for synchronization.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap reports the queue's configured capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
