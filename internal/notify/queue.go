// Package notify delivers callbacks in the order they were enqueued.
//
// A Queue never runs two callbacks at the same time. The goroutine that finds
// the queue idle becomes the drainer and keeps delivering until the queue is
// empty; callbacks enqueued meanwhile, including from inside a running
// callback, are appended and delivered afterwards by that same drainer.
package notify

import "sync"

// Queue is an ordered, non-reentrant callback dispatcher.
type Queue struct {
	mu       sync.Mutex
	pending  []func()
	draining bool
}

// Enqueue appends fn and drains the queue unless another call is already
// draining it. When Enqueue returns, fn has either run or is scheduled to run
// on the draining goroutine.
func (q *Queue) Enqueue(fn ...func()) {
	q.Push(fn...)
	q.Drain()
}

// Push appends callbacks without delivering them. Callers that must fix the
// delivery order while holding their own lock Push under it and Drain after
// releasing it.
func (q *Queue) Push(fn ...func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn...)
	q.mu.Unlock()
}

// Drain delivers pending callbacks unless another goroutine is already
// draining.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.draining || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	q.drain()
}

func (q *Queue) drain() {
	defer func() {
		// A panicking callback must not wedge the queue.
		if r := recover(); r != nil {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			panic(r)
		}
	}()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		next()
	}
}

// Len reports how many callbacks are waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
