// Package concurrency provides the bounded-parallelism primitive shared
// by the server-wide analysis cap and the per-tournament parallel
// session cap.
package concurrency

import (
	"context"
	"sync/atomic"
)

// Semaphore is a context-aware counting semaphore (one slot per
// acquire) backed by a buffered channel of tokens. Acquire blocks until a slot is available
// or the context is done; TryAcquire never blocks.
type Semaphore struct {
	tokens  chan struct{}
	waiters int64
}

// NewSemaphore builds a semaphore with the given capacity. Capacity <= 0
// is treated as 1 to avoid a permanently-unusable semaphore.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Semaphore{tokens: make(chan struct{}, capacity)}
	for i := 0; i < capacity; i++ {
		s.tokens <- struct{}{}
	}
	return s
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	atomic.AddInt64(&s.waiters, 1)
	defer atomic.AddInt64(&s.waiters, -1)
	select {
	case <-s.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot only if one is immediately available.
func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.tokens:
		return true
	default:
		return false
	}
}

// Release returns a slot to the pool. A Release with no matching
// Acquire/TryAcquire finds the pool already full and is ignored rather
// than blocking or panicking; callers pair every successful acquire with
// exactly one Release.
func (s *Semaphore) Release() {
	select {
	case s.tokens <- struct{}{}:
	default:
		// Defensive: never block a Release, even on caller misuse.
	}
}

// Stats describes current semaphore occupancy.
type Stats struct {
	Capacity int
	InUse    int
	Waiters  int
}

func (s *Semaphore) Stats() Stats {
	capacity := cap(s.tokens)
	free := len(s.tokens)
	return Stats{
		Capacity: capacity,
		InUse:    capacity - free,
		Waiters:  int(atomic.LoadInt64(&s.waiters)),
	}
}
