// Package parallel fans kernel work out over a bounded set of goroutines.
// Every index is handed to exactly one worker, so kernels writing disjoint
// output regions need no locking.
package parallel

import (
	"golang.org/x/sync/errgroup"
)

// For runs fn(i) for i in [0, n) on at most threads goroutines. Indices are
// split into contiguous chunks, one per worker.
func For(threads, n int, fn func(i int)) {
	_ = ForErr(threads, n, func(i int) error {
		fn(i)
		return nil
	})
}

// ForErr is For for fallible bodies. The first error is returned after all
// started chunks finish; chunks not yet started are skipped.
func ForErr(threads, n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if threads < 1 {
		threads = 1
	}
	if threads == 1 || n == 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	workers := min(threads, n)
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := fn(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// For2 runs fn over the n0 x n1 grid, flattened so small outer extents still
// spread across workers.
func For2(threads, n0, n1 int, fn func(i, j int)) {
	if n1 == 0 {
		return
	}
	For(threads, n0*n1, func(k int) {
		fn(k/n1, k%n1)
	})
}
