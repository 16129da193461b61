package migration

import (
	"context"
	"sync"
)

// ConcurrencyGate is a counting semaphore whose limit can change at runtime.
// Lowering the limit never preempts holders; it only delays new admissions
// until enough slots drain.
type ConcurrencyGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	limit  int
	active int
}

// NewConcurrencyGate creates a gate with the given slot count. A limit below
// one is clamped to one.
func NewConcurrencyGate(limit int) *ConcurrencyGate {
	if limit < 1 {
		limit = 1
	}
	g := &ConcurrencyGate{limit: limit}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire blocks until a slot is free or ctx is done.
func (g *ConcurrencyGate) Acquire(ctx context.Context) error {
	// cond.Wait cannot observe ctx, so a watcher wakes all waiters on
	// cancellation and each re-checks its own ctx.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			g.cond.Broadcast()
		case <-stop:
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.active >= g.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	g.active++
	return nil
}

// Release frees a slot. The caller must hold one.
func (g *ConcurrencyGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	g.cond.Broadcast()
}

// SetLimit changes the slot count. Raising it admits waiters immediately.
func (g *ConcurrencyGate) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	g.cond.Broadcast()
}

// Limit returns the current slot count.
func (g *ConcurrencyGate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// Active returns the number of held slots.
func (g *ConcurrencyGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
