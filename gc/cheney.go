package gc

import "github.com/mpl-run/hhgc/objmodel"

// CheneyStats reports what a root-heap collection did, the Cheney
// analogue of ForwardArgs' counters.
type CheneyStats struct {
	ObjectsCopied int64
}

// cheneyForward is the root-heap equivalent of ForwardHHObjptr: no
// levels, no chunks, just "has this been forwarded yet". Reachable
// objects are copied exactly once (spec.md §4.6's two-space discipline)
// and enqueued so the caller's breadth-first loop can visit their
// pointer fields in turn.
func cheneyForward(opp **objmodel.Object, queue *[]*objmodel.Object, skipGen1 bool) {
	op := *opp
	if op == nil {
		return
	}
	if skipGen1 && op.Gen == 1 {
		return
	}
	if op.HasForwardPtr() {
		*opp = op.GetForwardPtr()
		return
	}
	newObj := cloneObject(op)
	newObj.Gen = 1
	op.SetForwardPtr(newObj)
	*opp = newObj
	*queue = append(*queue, newObj)
}

// CheneyMajor implements a full two-space collection of the root heap
// (spec.md §4.6): forward every root, breadth-first forward everything
// reachable from them, then run weak fixup over the weak objects.
func CheneyMajor(roots []**objmodel.Object, weaks []*objmodel.Object) CheneyStats {
	var queue []*objmodel.Object
	for _, r := range roots {
		cheneyForward(r, &queue, false)
	}
	for i := 0; i < len(queue); i++ {
		obj := queue[i]
		for j := range obj.Ptrs {
			cheneyForward(&obj.Ptrs[j], &queue, false)
		}
	}
	WeakFixup(weaks)
	return CheneyStats{ObjectsCopied: int64(len(queue))}
}

// CheneyMinor implements a generational nursery collection (spec.md
// §4.6 "minor"): only Gen==0 objects are candidates for copying,
// reached from mutator roots plus interGenRoots (the down-pointers
// from already-promoted Gen==1 objects into the nursery a write
// barrier would have to track in a full generational collector; this
// module's mutator facade supplies them explicitly instead).
//
// canMinor mirrors the reference collector's fallback: when the
// nursery can't be minor-collected in isolation (for instance, a
// foreign-code frame holds an unscannable reference into it), every
// reachable nursery object is promoted in place instead of copied, and
// no weak fixup runs since nothing moved. On the copying path, weak
// fixup only considers weaks whose target is in the nursery (Gen==0);
// weaks into the old generation are left as they are.
func CheneyMinor(roots, interGenRoots []**objmodel.Object, weaks []*objmodel.Object, canMinor bool) CheneyStats {
	if !canMinor {
		return cheneyPromoteInPlace(roots, interGenRoots)
	}

	var queue []*objmodel.Object
	for _, r := range roots {
		cheneyForward(r, &queue, true)
	}
	for _, r := range interGenRoots {
		cheneyForward(r, &queue, true)
	}
	for i := 0; i < len(queue); i++ {
		obj := queue[i]
		for j := range obj.Ptrs {
			cheneyForward(&obj.Ptrs[j], &queue, true)
		}
	}
	var nurseryWeaks []*objmodel.Object
	for _, w := range weaks {
		if w.Weak != nil && w.Weak.Target != nil && w.Weak.Target.Gen == 0 {
			nurseryWeaks = append(nurseryWeaks, w)
		}
	}
	WeakFixup(nurseryWeaks)
	return CheneyStats{ObjectsCopied: int64(len(queue))}
}

func cheneyPromoteInPlace(roots, interGenRoots []**objmodel.Object) CheneyStats {
	visited := make(map[*objmodel.Object]bool)
	var count int64
	var walk func(o *objmodel.Object)
	walk = func(o *objmodel.Object) {
		if o == nil || o.Gen == 1 || visited[o] {
			return
		}
		visited[o] = true
		o.Gen = 1
		count++
		for _, p := range o.Ptrs {
			walk(p)
		}
	}
	for _, r := range roots {
		walk(*r)
	}
	for _, r := range interGenRoots {
		walk(*r)
	}
	return CheneyStats{ObjectsCopied: count}
}

// WeakFixup implements the weak-reference fixup pass (spec.md §4.7):
// for every weak object whose target survived (it carries a forwarding
// pointer, installed by the forward calls above), rewrite the weak's
// target to the to-space copy; for every weak whose target did not
// survive, mark it gone and clear the target field.
//
// This relies on every *reachable* object having been visited by the
// same collection cycle's forward calls before WeakFixup runs: an
// object's HasForwardPtr() is true exactly when it was copied this
// cycle, so the absence of a forwarding pointer unambiguously means
// "unreached, therefore dead" rather than "not yet visited".
func WeakFixup(weaks []*objmodel.Object) {
	for _, w := range weaks {
		if w.Weak == nil || w.Weak.Target == nil {
			continue
		}
		target := w.Weak.Target
		if target.HasForwardPtr() {
			w.Weak.Target = target.GetForwardPtr()
			continue
		}
		w.Weak.Gone = true
		w.Weak.Target = nil
	}
}
