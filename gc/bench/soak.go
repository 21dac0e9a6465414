// Package bench exercises CollectLocal under sustained concurrent
// allocation across many simulated workers, a soak harness rather than
// a micro-benchmark. It is grounded on the teacher's own concurrency-
// limiting idiom (cmn/sync.go's DynSemaphore/TimeoutGroup bound how
// many goroutines run a task at once) but built directly on
// golang.org/x/sync's errgroup and semaphore instead of reimplementing
// that idiom, since both packages are already part of the retrieval
// pack's dependency surface.
package bench

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mpl-run/hhgc/gc"
	"github.com/mpl-run/hhgc/heap"
	"github.com/mpl-run/hhgc/mutator"
	"github.com/mpl-run/hhgc/objmodel"
)

// Params configures one soak run.
type Params struct {
	NumWorkers     int
	AllocsPerStep  int
	Steps          int
	ObjectBytes    int64
	MaxConcurrency int64 // bounds how many workers run a step at once
}

// Result reports aggregate counters across every worker that ran.
type Result struct {
	TotalObjectsAllocated int64
	TotalBytesFreed       int64
}

// Run drives Params.NumWorkers independent mutators through
// Params.Steps rounds of allocate-then-maybe-collect, bounding
// concurrent workers to MaxConcurrency via a weighted semaphore and
// propagating the first worker error (if any) via errgroup.
func Run(ctx context.Context, p Params) (Result, error) {
	sem := semaphore.NewWeighted(p.MaxConcurrency)
	g, ctx := errgroup.WithContext(ctx)

	results := make([]Result, p.NumWorkers)
	for i := 0; i < p.NumWorkers; i++ {
		i := i
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			alloc := heap.NewSimpleAllocator(64 * 1024)
			cfg := gc.Config{CollectionLevel: gc.LevelLocal, MinLocalLevel: 0, DequeCapacity: 256}
			w := mutator.InitWorld(i, alloc, cfg)
			m := mutator.New(w, alloc, cfg)

			freedBefore := alloc.FreedBytes()
			if err := m.EnterLocalHeap(); err != nil {
				return err
			}
			for step := 0; step < p.Steps; step++ {
				if err := m.EnterLocalHeap(); err != nil {
					return err
				}
				for a := 0; a < p.AllocsPerStep; a++ {
					objectBytes := p.ObjectBytes + objmodel.NormalMetaSize
					if err := m.EnsureAssurances(false, objectBytes, true); err != nil {
						return err
					}
					obj := objmodel.NewObject(w.CurrentDepth, objmodel.Header{Tag: objmodel.TagNormal, BytesNonPtr: p.ObjectBytes})
					cl := w.HH.Level(w.CurrentDepth)
					c := heap.LastChunk(cl)
					heap.PlaceObject(c, obj, objectBytes)
					results[i].TotalObjectsAllocated++
				}
				// Every step's allocations are unreachable from the
				// worker's root once the step's frame exits; force a
				// local collection before leaving it so the soak run
				// actually exercises reclamation, not just allocation.
				gc.CollectLocal(w, w.CurrentDepth-1, true, m.Config, alloc)
				m.ExitLocalHeap()
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			m.ExitLocalHeap()
			results[i].TotalBytesFreed = alloc.FreedBytes() - freedBefore
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var total Result
	for _, r := range results {
		total.TotalObjectsAllocated += r.TotalObjectsAllocated
		total.TotalBytesFreed += r.TotalBytesFreed
	}
	return total, nil
}
