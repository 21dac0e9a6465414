package gc

import (
	"github.com/golang/glog"

	"github.com/mpl-run/hhgc/deque"
	"github.com/mpl-run/hhgc/heap"
	"github.com/mpl-run/hhgc/invariant"
	"github.com/mpl-run/hhgc/objmodel"
)

// DeferredPromote implements the deferred-promotion side of local
// collection (spec.md §4.5 step 4, and the Open Question on promotion
// policy — see DESIGN.md): instead of physically moving each shallower
// level's survivors up a level, gather every remembered down-pointer
// whose source lies in [minLevel, maxLevel] into one replay set, which
// CollectLocal then forwards exactly like any other root.
func DeferredPromote(hh *heap.HierarchicalHeap, minLevel, maxLevel uint32) *heap.RememberedSet {
	merged := heap.NewRememberedSet()
	for lvl := minLevel; lvl <= maxLevel; lvl++ {
		cl := hh.Level(lvl)
		if cl == nil || cl.Remembered == nil {
			continue
		}
		merged.Merge(cl.Remembered)
	}
	return merged
}

// CollectLocal implements collect_local (spec.md §4.5): claim a
// contiguous range of depths via w's LocalScope, forward every root
// reachable from that range, Cheney-scan the resulting to-space
// deepest level first, free the old chunks, and merge the to-space
// lists back into w.HH.
//
// The debug memory-scrub step (spec.md §4.5 step 8) is a no-op here:
// it exists in the reference collector to make use-after-free bugs
// loud by overwriting freed bytes, a precaution this module's Go
// object model doesn't need since freed *objmodel.Object values are
// just unreferenced and left to Go's own garbage collector.
func CollectLocal(w *Worker, desiredScope uint32, force bool, cfg Config, alloc heap.Allocator) {
	if cfg.CollectionLevel == LevelNone {
		return
	}
	if w.Deque == nil {
		glog.V(2).Info("collect_local: skipping, no deque registered for this worker")
		return
	}
	if !force && w.CurrentDepth <= 1 {
		return
	}

	originalBot := w.Scope.PollCurrentLocalScope()
	minLevel := uint32(originalBot)
	for minLevel > desiredScope && minLevel > cfg.MinLocalLevel && w.Scope.TryClaimLocalScope() {
		minLevel--
	}

	if minLevel == 0 || minLevel > w.CurrentDepth {
		glog.V(2).Info("collect_local: skipping, range would include the root heap or is out of bounds")
		w.Scope.ReleaseLocalScope(originalBot)
		return
	}
	defer w.Scope.ReleaseLocalScope(originalBot)

	maxLevel := w.CurrentDepth
	if cfg.CollectionLevel == LevelSuperlocal {
		minLevel = w.CurrentDepth
	}

	globalDownPtrs := DeferredPromote(w.HH, minLevel, maxLevel)

	args := &ForwardArgs{MinLevel: minLevel, MaxLevel: maxLevel, ToLevel: heap.InvalidLevel}

	forwardRoots(w, args, globalDownPtrs, alloc)
	cheneyScanToSpace(args, minLevel, maxLevel, alloc)

	freeOldChunks(w.HH, minLevel, maxLevel, alloc)
	mergeToSpace(w.HH, args, maxLevel)
	repairLastAllocatedChunk(w.HH, maxLevel, alloc)

	w.BytesSurvivedLastCollection.Store(args.BytesMoved.Load() + args.BytesCopied.Load())
	w.HH.BytesAllocatedSinceLastCollection.Store(0)

	glog.V(2).Infof("collect_local: levels [%d,%d] objects_moved=%d objects_copied=%d bytes_moved=%d bytes_copied=%d",
		minLevel, maxLevel, args.ObjectsMoved.Load(), args.ObjectsCopied.Load(), args.BytesMoved.Load(), args.BytesCopied.Load())
}

// forwardRoots implements spec.md §4.5 step 6: every ObjPtr in the
// current stack and current thread, the current-thread pointer itself,
// every slot of the work-stealing deque, and the replayed deferred
// down-pointers.
func forwardRoots(w *Worker, args *ForwardArgs, globalDownPtrs *heap.RememberedSet, alloc heap.Allocator) {
	if w.CurrentThread != nil {
		for i := range w.CurrentThread.Ptrs {
			ForwardHHObjptr(&w.CurrentThread.Ptrs[i], args, alloc)
		}
		if len(w.CurrentThread.Ptrs) > 0 {
			w.CurrentStack = w.CurrentThread.Ptrs[0]
		}
	}
	if w.CurrentStack != nil {
		for i := range w.CurrentStack.Ptrs {
			ForwardHHObjptr(&w.CurrentStack.Ptrs[i], args, alloc)
		}
	}
	if w.CurrentThread != nil {
		ForwardHHObjptr(&w.CurrentThread, args, alloc)
	}

	w.Deque.ForEachSlot(func(v deque.Elem) deque.Elem {
		op, ok := v.(*objmodel.Object)
		if !ok || op == nil {
			return v
		}
		ForwardHHObjptr(&op, args, alloc)
		return op
	})

	globalDownPtrs.ForEachRemembered(func(dp heap.DownPtr) {
		ForwardDownPtr(dp.Dst, dp.Field, dp.Src, args, alloc)
	})
}

// cheneyScanToSpace implements spec.md §4.5 step 7: scan every to-space
// level deepest-first, forwarding each object's pointer fields, skipping
// stack and thread objects whose pointers were already forwarded as
// roots above.
func cheneyScanToSpace(args *ForwardArgs, minLevel, maxLevel uint32, alloc heap.Allocator) {
	for depth := int(maxLevel); depth >= int(minLevel); depth-- {
		lvl := args.ToSpace[depth]
		if lvl == nil {
			continue
		}
		for c := lvl.First; c != nil; c = c.Next() {
			for _, obj := range c.Objects() {
				if obj.Header.Tag == objmodel.TagStack || obj.Header.IsThread {
					continue
				}
				for i := range obj.Ptrs {
					ForwardHHObjptr(&obj.Ptrs[i], args, alloc)
				}
			}
		}
	}
}

func freeOldChunks(hh *heap.HierarchicalHeap, minLevel, maxLevel uint32, alloc heap.Allocator) {
	for lvl := minLevel; lvl <= maxLevel; lvl++ {
		cl := hh.Level(lvl)
		if cl == nil {
			continue
		}
		heap.FreeAllChunks(cl, alloc)
		hh.SetLevel(lvl, nil)
	}
}

// mergeToSpace implements spec.md §4.5 step 10: adopt each to-space
// level as hh's new level if none existed, otherwise append it onto
// the existing (shallower-level) survivors.
func mergeToSpace(hh *heap.HierarchicalHeap, args *ForwardArgs, maxLevel uint32) {
	for lvl := uint32(0); lvl <= maxLevel; lvl++ {
		ts := args.ToSpace[lvl]
		if ts == nil {
			continue
		}
		ts.IsInToSpace = false
		ts.ContainingHH = hh

		existing := hh.Level(lvl)
		if existing == nil {
			hh.SetLevel(lvl, ts)
			continue
		}
		heap.MergeChunkList(existing, ts)
	}
}

// EnsureMultiObjectChunk implements the single-object-chunk workaround
// spec.md §4.5 step 11 describes: if list's tail chunk holds exactly
// one object and still reports might_contain_multiple_objects == false,
// pre-allocate a trailing HEAP_LIMIT_SLOP chunk so the next bump
// allocation lands somewhere an ordinary collection won't mistake for
// a just-relocated single-object chunk. Returns list's (possibly
// unchanged) tail chunk. Shared by repairLastAllocatedChunk (the
// post-collection repair) and mutator.EnsureAssurances (the
// non-collecting return paths), so both establish the same
// postcondition the same way.
func EnsureMultiObjectChunk(list *heap.ChunkList, alloc heap.Allocator) *heap.Chunk {
	last := heap.LastChunk(list)
	if last == nil || len(last.Objects()) != 1 || last.MightContainMultipleObjects() {
		return last
	}
	if _, err := alloc.AllocateChunk(list, heap.HeapLimitSlop); err != nil {
		invariant.Fatalf("out of space for hierarchical heap: %v", err)
	}
	return heap.LastChunk(list)
}

// repairLastAllocatedChunk implements spec.md §4.5 step 11: find the
// new deepest non-empty chunk's list and apply EnsureMultiObjectChunk
// to it.
func repairLastAllocatedChunk(hh *heap.HierarchicalHeap, maxLevel uint32, alloc heap.Allocator) {
	var lvl *heap.ChunkList
	for l := int(maxLevel); l >= 0; l-- {
		cl := hh.Level(uint32(l))
		if cl != nil && cl.Last != nil {
			lvl = cl
			break
		}
	}
	if lvl == nil {
		hh.LastAllocatedChunk = nil
		return
	}
	hh.LastAllocatedChunk = EnsureMultiObjectChunk(lvl, alloc)
}
