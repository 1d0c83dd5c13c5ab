package coordinator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Outcome pairs one work item with its result or failure. Partial failure is
// the norm for scraping, so errors are collected instead of aborting the
// whole batch.
type Outcome[I, R any] struct {
	Item   I
	Result R
	Err    error
}

// RunBounded fans work out over at most concurrency goroutines, applying
// callTimeout to each item. Results keep the input order.
func RunBounded[I, R any](ctx context.Context, items []I, concurrency int, callTimeout time.Duration, fn func(ctx context.Context, item I) (R, error)) []Outcome[I, R] {
	if len(items) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	outcomes := make([]Outcome[I, R], len(items))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for i, item := range items {
		group.Go(func() error {
			callCtx := groupCtx
			if callTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(groupCtx, callTimeout)
				defer cancel()
			}

			result, err := fn(callCtx, item)
			outcomes[i] = Outcome[I, R]{Item: item, Result: result, Err: err}
			return nil
		})
	}

	_ = group.Wait()
	return outcomes
}
