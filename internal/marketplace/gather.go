package marketplace

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// gather runs fn for every i in [0, n) with at most limit calls in flight.
// The first failure cancels the context passed to the remaining calls, and
// gather returns it only after every started call has returned.
func gather(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
