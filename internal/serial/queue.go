// Package serial provides a FIFO executor that runs submitted work on a
// single goroutine. Callers never block on Post, even when posting from
// inside a running task.
package serial

import (
	"sync"
)

// Queue runs posted functions one at a time, in submission order.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

// NewQueue creates a Queue and starts its worker goroutine.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Post schedules fn to run after everything already queued. Returns false if
// the queue has been closed and fn was dropped.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of functions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, lets already-queued work finish, and waits
// for the worker to exit. Must not be called from inside a queued function.
// Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}

// Sync blocks until every function posted before the call has run.
func (q *Queue) Sync() {
	ch := make(chan struct{})
	if !q.Post(func() { close(ch) }) {
		return
	}
	<-ch
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
