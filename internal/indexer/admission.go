package indexer

import (
	"context"
	"sync"
)

// Gate is a FIFO admission semaphore. Unlike a buffered-channel semaphore,
// waiters are resumed strictly in arrival order regardless of which agent
// they index for.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{capacity: capacity}
}

// Acquire blocks until a slot is free or ctx is done. Callers already
// queued keep their position; a new caller never overtakes the queue even
// when a slot is momentarily free.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inUse < g.capacity && len(g.waiters) == 0 {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// The slot was already handed to us; pass it on.
		<-ready
		g.Release()
		return ctx.Err()
	}
}

// Release frees a slot, handing it to the oldest waiter if any.
func (g *Gate) Release() {
	g.mu.Lock()
	if len(g.waiters) > 0 {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.mu.Unlock()
		close(ready)
		return
	}
	if g.inUse > 0 {
		g.inUse--
	}
	g.mu.Unlock()
}
