// Package upload runs a batch of independent uploads with bounded
// concurrency and reports an outcome for every item.
package upload

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the concurrency used when Run is given a limit below one.
const DefaultLimit = 4

// Result is the outcome of one item. Results keep the input order.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Run calls fn for indices 0..n-1 with at most limit calls in flight. A
// failing item does not stop the others; once ctx is cancelled the items
// not yet started fail with ctx.Err().
func Run[T any](ctx context.Context, n, limit int, fn func(ctx context.Context, i int) (T, error)) []Result[T] {
	if limit < 1 {
		limit = DefaultLimit
	}
	results := make([]Result[T], n)
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		results[i].Index = i
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Value, results[i].Err = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Failed returns the results that carry an error.
func Failed[T any](results []Result[T]) []Result[T] {
	var out []Result[T]
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Values returns the successful values in input order.
func Values[T any](results []Result[T]) []T {
	out := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}

// Err joins every item error, or returns nil when all items succeeded.
func Err[T any](results []Result[T]) error {
	var errs []error
	for _, r := range Failed(results) {
		errs = append(errs, r.Err)
	}
	return errors.Join(errs...)
}
