package queue

import "github.com/mattjoyce/courier/internal/lock"

// Queue is an unbounded FIFO handoff between goroutines. Producers Push one
// item at a time; the consumer takes everything pending with a single Drain.
// No ordering is promised across separate Drain calls beyond append order.
type Queue[T any] struct {
	mu    lock.Mutex
	items []T
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends v and returns the queue length after the push. A return of 1
// means the queue was empty, which callers use to decide whether a wake-up is
// needed.
func (q *Queue[T]) Push(v T) int {
	defer q.mu.Acquire()()
	q.items = append(q.items, v)
	return len(q.items)
}

// Drain atomically removes and returns every pending item in append order.
// It returns nil when the queue is empty. The returned slice is owned by the
// caller.
func (q *Queue[T]) Drain() []T {
	defer q.mu.Acquire()()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of pending items.
func (q *Queue[T]) Len() int {
	defer q.mu.Acquire()()
	return len(q.items)
}
