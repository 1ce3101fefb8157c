// Package waitq implements a FIFO queue of pending reservation attempts.
// Each waiter carries its own reservation closure; wake signals (a release,
// a window reset, an external allocation change) walk the queue from the
// head and re-attempt reservations in arrival order. The head waiter gates
// the queue: if its attempt fails, nobody behind it is tried until the head
// is granted, times out, or is cancelled.
package waitq

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type waiter[T any] struct {
	try    func() (T, bool)
	result T
	ok     bool
	done   chan struct{} // closed exactly once: grant, timeout, or cancel
	timer  *time.Timer
}

// Queue is a FIFO capacity wait queue. The zero value is ready to use.
type Queue[T any] struct {
	mu      sync.Mutex
	waiters list.List // of *waiter[T]
	onPark  func()
}

// SetOnPark registers a callback fired, outside the queue lock, right
// after a waiter parks. The model limiter re-arms its window-reset timer
// from it: a timer that fired while the queue was empty does not re-arm
// itself, so the arrival of the next waiter has to.
func (q *Queue[T]) SetOnPark(fn func()) {
	q.mu.Lock()
	q.onPark = fn
	q.mu.Unlock()
}

// Wait attempts try once and, failing that, parks until a Notify pass
// grants it, maxWait elapses, or ctx is done. maxWait == 0 means a single
// immediate attempt with no queueing; maxWait < 0 means no timeout.
//
// The returned bool is true only when the reservation was granted. A grant
// that races with cancellation is still returned so the caller can release
// it.
func (q *Queue[T]) Wait(ctx context.Context, try func() (T, bool), maxWait time.Duration) (T, bool) {
	if maxWait == 0 {
		return try()
	}

	q.mu.Lock()
	if q.waiters.Len() == 0 {
		if v, ok := try(); ok {
			q.mu.Unlock()
			return v, true
		}
	}

	w := &waiter[T]{try: try, done: make(chan struct{})}
	elem := q.waiters.PushBack(w)
	if maxWait > 0 {
		w.timer = time.AfterFunc(maxWait, func() { q.expire(elem) })
	}
	onPark := q.onPark
	q.mu.Unlock()
	if onPark != nil {
		onPark()
	}

	select {
	case <-w.done:
		return w.result, w.ok
	case <-ctx.Done():
		q.mu.Lock()
		select {
		case <-w.done:
			// Resolved concurrently; hand the outcome back as-is.
			q.mu.Unlock()
			return w.result, w.ok
		default:
		}
		q.removeLocked(elem)
		close(w.done)
		q.notifyLocked()
		q.mu.Unlock()
		var zero T
		return zero, false
	}
}

// Notify re-attempts parked reservations from the head of the queue.
// It is called on every capacity-returning event.
func (q *Queue[T]) Notify() {
	q.mu.Lock()
	q.notifyLocked()
	q.mu.Unlock()
}

func (q *Queue[T]) notifyLocked() {
	for {
		front := q.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter[T])
		v, ok := w.try()
		if !ok {
			// Strict FIFO: a blocked head blocks the queue.
			return
		}
		w.result, w.ok = v, true
		q.removeLocked(front)
		close(w.done)
	}
}

// expire drops a timed-out waiter and immediately tries the next head.
func (q *Queue[T]) expire(elem *list.Element) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := elem.Value.(*waiter[T])
	select {
	case <-w.done:
		return
	default:
	}
	q.waiters.Remove(elem)
	close(w.done)
	q.notifyLocked()
}

func (q *Queue[T]) removeLocked(elem *list.Element) {
	w := elem.Value.(*waiter[T])
	if w.timer != nil {
		w.timer.Stop()
	}
	q.waiters.Remove(elem)
}

// Len returns the number of parked waiters.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}
