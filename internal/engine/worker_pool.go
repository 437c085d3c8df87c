// Package engine runs units of work on a fixed set of goroutines fed by a
// bounded queue.
package engine

import (
	"context"
	"sync"
)

// Pool is a fixed-size goroutine pool with a bounded input queue.
// Work submitted before Drain is always processed, even after ctx is
// cancelled, so nothing accepted is silently dropped.
type Pool[T any] struct {
	queue   chan T
	process func(ctx context.Context, t T)
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates and starts a pool with n goroutines and queue capacity depth.
func NewPool[T any](ctx context.Context, n, depth int, fn func(context.Context, T)) *Pool[T] {
	if n < 1 {
		n = 1
	}
	if depth < 0 {
		depth = 0
	}
	p := &Pool[T]{
		queue:   make(chan T, depth),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *Pool[T]) run(ctx context.Context) {
	for t := range p.queue {
		p.process(ctx, t)
	}
}

// Submit enqueues t without blocking. It returns false if the queue is
// full or the pool is draining.
func (p *Pool[T]) Submit(t T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Drain stops accepting work and waits for queued work to finish.
func (p *Pool[T]) Drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *Pool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *Pool[T]) QueueCap() int {
	return cap(p.queue)
}

// Utilization returns queue used / capacity (0–1).
func (p *Pool[T]) Utilization() float64 {
	if p.QueueCap() == 0 {
		return 0
	}
	return float64(p.QueueLen()) / float64(p.QueueCap())
}
