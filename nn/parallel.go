package nn

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minRowsPerWorker keeps tiny feature maps on a single goroutine.
const minRowsPerWorker = 4

// parallelRows splits [0, rows) into contiguous chunks and runs fn on each
// chunk concurrently. It returns once every chunk has finished.
func parallelRows(rows int, fn func(start, end int)) {
	workers := runtime.GOMAXPROCS(0)
	if maxWorkers := rows / minRowsPerWorker; workers > maxWorkers {
		workers = maxWorkers
	}
	if workers <= 1 {
		fn(0, rows)
		return
	}

	chunk := (rows + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < rows; start += chunk {
		start := start
		end := min(start+chunk, rows)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}
	_ = g.Wait()
}
