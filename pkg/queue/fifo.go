package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FIFO is an unbounded thread-safe first-in first-out queue. Consumers block
// in PopWait for a bounded time so they can re-check stop and pause flags.
type FIFO[T any] struct {
	items  []T
	mu     sync.Mutex
	cond   *sync.Cond // signalled on Add and Close
	closed bool
	name   string
	log    *logrus.Logger
}

// NewFIFO creates an empty queue. name only labels log lines.
func NewFIFO[T any](name string, logger *logrus.Logger) *FIFO[T] {
	q := &FIFO[T]{name: name, log: logger}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add appends item. Returns false when the queue is closed.
func (q *FIFO[T]) Add(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Debugf("Dropping item added to closed queue '%s'", q.name)
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// PopWait removes the oldest item, waiting up to timeout for one to arrive.
// Returns false on timeout or when the queue is closed and drained.
func (q *FIFO[T]) PopWait(timeout time.Duration) (T, bool) {
	var zero T
	deadline := time.Now().Add(timeout)

	// Wake waiters at the deadline; cond.Wait has no timeout of its own
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed || !time.Now().Before(deadline) {
			return zero, false
		}
		q.cond.Wait()
	}

	item := q.items[0]
	q.items[0] = zero // release reference
	q.items = q.items[1:]
	return item, true
}

// Close stops accepting items and wakes every waiter. Items already queued
// can still be popped.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// Len returns the number of queued items
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called
func (q *FIFO[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
