package control

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is the process-wide parallelism limit on running mission turns.
// Turns across missions share the pool; a turn holds one permit from
// dispatch to completion (success, failure, or cancel).
type Gate struct {
	sem  *semaphore.Weighted
	size int
}

// NewGate creates a gate with the given number of permits (min 1).
func NewGate(size int) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// TryAcquire takes a permit without blocking.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a permit to the pool.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Size returns the configured permit count.
func (g *Gate) Size() int {
	return g.size
}
