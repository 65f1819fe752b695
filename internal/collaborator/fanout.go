package collaborator

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// FanOut runs fn for indexes 0..n-1 with at most limit running at once. The
// first error cancels the remaining work and is returned. progress, when
// set, is called with the completed count after each success.
func FanOut(ctx context.Context, limit, n int, fn func(ctx context.Context, i int) error, progress func(done, total int)) error {
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var done atomic.Int64
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := fn(gctx, i); err != nil {
				return err
			}
			completed := done.Add(1)
			if progress != nil {
				progress(int(completed), n)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
