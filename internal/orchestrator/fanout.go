package orchestrator

import (
	"context"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// fanOut runs fn for every target with at most `limit` running at once.
// Slots are taken in slice order, so limit 1 processes targets one after
// another in submission order. The first error stops further launches.
func fanOut(ctx context.Context, limit int, targets []domain.Target, fn func(ctx context.Context, target *domain.Target) error) error {
	if limit <= 0 {
		limit = 1
	}

	// cancel before a slot is released so no new target starts after a failure
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var g errgroup.Group
	sem := semaphore.NewWeighted(int64(limit))

	for i := range targets {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		target := &targets[i]
		g.Go(func() error {
			err := fn(runCtx, target)
			if err != nil {
				cancel(err)
			}
			sem.Release(1)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
