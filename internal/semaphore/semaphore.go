// Package semaphore implements a weighted counting semaphore with a strict
// FIFO waiter queue and live resizing. It backs both per-model concurrency
// limits and the memory sub-pools, where the pool size changes at runtime
// as host memory or job-type ratios move.
package semaphore

import (
	"container/list"
	"context"
	"sync"

	"github.com/llmgate/llmgate/internal/logging"
)

type waiter struct {
	weight int64
	ready  chan struct{} // closed when the waiter is granted
}

// Semaphore is a weighted semaphore. The zero value is not usable; use New.
type Semaphore struct {
	mu      sync.Mutex
	max     int64
	inUse   int64
	waiters list.List // of *waiter, FIFO
}

// New creates a semaphore with the given capacity.
func New(max int64) *Semaphore {
	return &Semaphore{max: max}
}

// TryAcquire acquires weight units without blocking. It fails when the
// slack is insufficient or when earlier waiters are still parked, so a
// newcomer can never jump the queue.
func (s *Semaphore) TryAcquire(weight int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiters.Len() > 0 || s.max-s.inUse < weight {
		return false
	}
	s.inUse += weight
	return true
}

// Acquire blocks until weight units are available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context, weight int64) error {
	s.mu.Lock()
	if s.waiters.Len() == 0 && s.max-s.inUse >= weight {
		s.inUse += weight
		s.mu.Unlock()
		return nil
	}

	w := &waiter{weight: weight, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Granted while cancelling: give the units back so the
			// grant is not leaked.
			s.inUse -= w.weight
			s.wakeLocked()
		default:
			s.waiters.Remove(elem)
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns weight units and wakes parked waiters in FIFO order.
// Releasing more than is held is clamped to zero and logged, not fatal.
func (s *Semaphore) Release(weight int64) {
	s.mu.Lock()
	s.inUse -= weight
	if s.inUse < 0 {
		logging.Op().Warn("semaphore release exceeds held units, clamping",
			"released", weight, "max", s.max)
		s.inUse = 0
	}
	s.wakeLocked()
	s.mu.Unlock()
}

// Resize changes the capacity. Growing wakes as many waiters as the new
// slack allows; shrinking never evicts units already in use.
func (s *Semaphore) Resize(max int64) {
	s.mu.Lock()
	s.max = max
	s.wakeLocked()
	s.mu.Unlock()
}

// wakeLocked grants waiters from the head of the queue while they fit.
// Strict FIFO: the first waiter that does not fit blocks the rest.
func (s *Semaphore) wakeLocked() {
	for {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if s.max-s.inUse < w.weight {
			return
		}
		s.inUse += w.weight
		s.waiters.Remove(front)
		close(w.ready)
	}
}

// InUse returns the currently held units.
func (s *Semaphore) InUse() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Max returns the current capacity.
func (s *Semaphore) Max() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// Available returns the current slack, floored at zero.
func (s *Semaphore) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := s.max - s.inUse
	if avail < 0 {
		return 0
	}
	return avail
}

// Waiters returns the number of parked waiters.
func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
