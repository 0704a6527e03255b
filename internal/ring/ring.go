// Package ring implements the bounded circular queue that sits between the
// CAN and UDP sides of the bridge.
package ring

import "sync"

// Queue is a fixed-capacity circular buffer for one producer and one consumer.
// With n slots it holds at most n-1 items: head==tail means empty and
// (tail+1)%n==head means full, so no separate counter is needed. Put on a full
// queue is rejected; nothing is ever overwritten.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int
	tail   int
	signal chan struct{}
}

// New creates a queue with n slots (n-1 usable). n is raised to 2 if smaller.
func New[T any](n int) *Queue[T] {
	if n < 2 {
		n = 2
	}
	return &Queue[T]{buf: make([]T, n), signal: make(chan struct{}, 1)}
}

// Put stores v at the tail. It returns false without touching the queue if full.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	next := (q.tail + 1) % len(q.buf)
	if next == q.head {
		q.mu.Unlock()
		return false
	}
	q.buf[q.tail] = v
	q.tail = next
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Take removes and returns the head item.
func (q *Queue[T]) Take() (T, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == q.tail {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	return v, true
}

// Peek returns the head item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == q.tail {
		return zero, false
	}
	return q.buf[q.head], true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	n := (q.tail - q.head + len(q.buf)) % len(q.buf)
	q.mu.Unlock()
	return n
}

// Cap returns the usable capacity (slots-1).
func (q *Queue[T]) Cap() int { return len(q.buf) - 1 }

// Signal is poked after every successful Put. A consumer that found the queue
// empty can wait on it together with a timeout; the signal may be stale, so
// Take must still be checked.
func (q *Queue[T]) Signal() <-chan struct{} { return q.signal }

// Drain removes every queued item, calling fn (if non-nil) in FIFO order, and
// returns how many were removed. It must be called from the consumer side.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.Take()
		if !ok {
			return n
		}
		if fn != nil {
			fn(v)
		}
		n++
	}
}
