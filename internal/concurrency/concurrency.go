// Package concurrency holds small helpers around sourcegraph/conc pools.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a new pool where each task respects context cancellation.
// Wait() will only return the first error seen.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}

// RunWorkers runs fn once per worker index in [0, workers) and waits for all of them. The
// first error cancels the context handed to the remaining workers and is returned.
func RunWorkers(ctx context.Context, workers int, fn func(ctx context.Context, worker int) error) error {
	if workers < 1 {
		workers = 1
	}

	p := NewPool(ctx, workers)
	for w := 0; w < workers; w++ {
		p.Go(func(ctx context.Context) error {
			return fn(ctx, w)
		})
	}

	return p.Wait()
}
