package acf

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/valyala/fastrand"
)

// resolveThreads maps the user facing thread count onto a worker count:
// negative selects all cores, 0 and 1 run serially.
func resolveThreads(threads int) int {
	if threads < 0 {
		return runtime.NumCPU()
	}
	if threads < 2 {
		return 1
	}
	return threads
}

// parallelFor runs fn(i) for every i in [0,n) on up to threads workers.
// Indices are claimed one at a time from a shared counter so uneven work
// items cannot starve a statically sliced worker.
func parallelFor(n, threads int, fn func(i int)) {
	workers := resolveThreads(threads)
	if workers == 1 || n < 2 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if workers > n {
		workers = n
	}
	var next int64 = -1
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
}

// shuffledIndices returns a random permutation of [0,n). Level sizes follow
// a geometric progression, so randomizing the order before distributing
// levels across workers balances the total area per worker.
func shuffledIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(fastrand.Uint32n(uint32(i + 1)))
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx
}
