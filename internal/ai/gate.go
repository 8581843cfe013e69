package ai

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const DefaultMaxParallel = 4

// Gate bounds concurrent oracle calls across every batch in the process and
// keeps a minimum spacing between call starts.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	size    int
}

// NewGate returns a gate with maxParallel slots. spacing <= 0 disables pacing.
func NewGate(maxParallel int, spacing time.Duration) *Gate {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if spacing > 0 {
		limiter = rate.NewLimiter(rate.Every(spacing), 1)
	}

	return &Gate{
		sem:     semaphore.NewWeighted(int64(maxParallel)),
		limiter: limiter,
		size:    maxParallel,
	}
}

// Size is the number of slots.
func (g *Gate) Size() int { return g.size }

// Acquire waits for a slot and for the spacing interval. The returned
// function releases the slot and must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.sem.Release(1)
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}
