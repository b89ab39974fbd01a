package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// QueryAll dispatches the same prompt scoped to each of the given slices
// concurrently, with bounded parallelism. Results are attributed to slice
// ids, so completion order never affects the outcome, and a failing query
// never aborts its siblings.
func (d *Dispatcher) QueryAll(ctx context.Context, prompt string, sliceIDs []string) map[string]Result {
	results := make(map[string]Result, len(sliceIDs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for _, id := range sliceIDs {
		id := id
		g.Go(func() error {
			text, err := d.Query(ctx, prompt, id)
			mu.Lock()
			results[id] = Result{Text: text, Err: err}
			mu.Unlock()
			// Errors are per-slice results, not group failures.
			return nil
		})
	}
	g.Wait()

	return results
}
