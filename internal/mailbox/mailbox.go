// Package mailbox provides an unbounded FIFO used as an actor inbox.
//
// Producers (pion callbacks, websocket read loops) must never block on the
// consumer, so Put always returns immediately.
package mailbox

import (
	"sync"
	"sync/atomic"
)

type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	items []T

	drops atomic.Uint64
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// DropCount reports how many items were rejected because the queue was closed.
func (q *Queue[T]) DropCount() uint64 {
	return q.drops.Load()
}

// Put appends v to the queue. It never blocks and returns false once the
// queue has been closed.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return true
}

// Get blocks until an item is available or the queue is closed and empty.
func (q *Queue[T]) Get() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters. Items already queued are still returned by Get
// until the queue drains.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
