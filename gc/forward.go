// Package gc implements the collection algorithms: hierarchical-heap
// object forwarding and local collection (spec.md §4.3–§4.5), and the
// simpler root-heap Cheney two-space collector (spec.md §4.6–§4.7)
// kept as a reference alongside it.
//
// Grounded on original_source/runtime/gc/hierarchical-heap-collection.c
// (forwardHHObjptr, computeObjectCopyParameters, relocateObject,
// forwardDownPtr) and original_source/runtime/gc/cheney-copy.c.
package gc

import (
	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/mpl-run/hhgc/heap"
	"github.com/mpl-run/hhgc/invariant"
	"github.com/mpl-run/hhgc/objmodel"
)

// StackStructHeaderSize is sizeof(stack_header) in
// ComputeObjectCopyParameters' STACK row (spec.md §4.4): the small
// fixed struct holding a stack's own reserved/used counters, counted
// separately from the generic per-tag metadata prefix.
const StackStructHeaderSize = 16

// ForwardArgs bundles one local collection's parameters and stats
// (spec.md §3 "ForwardHHObjptrArgs" entity). ToLevel stays
// heap.InvalidLevel throughout this implementation: promotion (moving
// survivors up to a shallower level instead of just compacting them in
// place) is the Open Question spec.md leaves undecided, and deferred
// promotion (gathering the collected levels' remembered down-pointers
// into one replay set, see DeferredPromote) is the alternative actually
// implemented, so ToLevel's promotion branch never triggers.
type ForwardArgs struct {
	MinLevel, MaxLevel uint32
	ToLevel            uint32
	ToSpace            [heap.MaxLevels]*heap.ChunkList

	BytesMoved    atomic.Int64
	ObjectsMoved  atomic.Int64
	BytesCopied   atomic.Int64
	ObjectsCopied atomic.Int64
	StacksCopied  atomic.Int64
}

// ComputeObjectCopyParameters implements compute_object_copy_parameters
// (spec.md §4.4): the per-tag object/copy/meta byte counts, shrinking
// an oversized stack's reserved size as a side effect.
func ComputeObjectCopyParameters(obj *objmodel.Object) (objectBytes, copyBytes, metaBytes int64) {
	switch obj.Header.Tag {
	case objmodel.TagNormal:
		metaBytes = objmodel.NormalMetaSize
		objectBytes = obj.Header.BytesNonPtr + int64(obj.Header.NumPtrs)*objmodel.PtrSize
		copyBytes = objectBytes

	case objmodel.TagSequence:
		metaBytes = objmodel.SeqMetaSize
		objectBytes = objmodel.SizeOfSequenceNoMetadata(obj.Seq.Length, obj.Header.BytesNonPtr, obj.Header.NumPtrs)
		copyBytes = objectBytes

	case objmodel.TagStack:
		metaBytes = objmodel.StackMetaSize
		s := obj.Stack
		if shrunk := objmodel.ShrinkReserved(s); shrunk < s.Reserved {
			s.Reserved = shrunk
		}
		objectBytes = StackStructHeaderSize + s.Reserved
		copyBytes = StackStructHeaderSize + s.Used

	case objmodel.TagWeak:
		invariant.Fatalf("compute_object_copy_parameters: WEAK_TAG is unsupported at the hierarchical-heap level")

	default:
		invariant.Fatalf("compute_object_copy_parameters: unknown tag %v", obj.Header.Tag)
	}

	objectBytes += metaBytes
	copyBytes += metaBytes
	return objectBytes, copyBytes, metaBytes
}

// CopyObject implements relocateObject's general (not single-object-
// chunk) path: bump-allocate objectBytes at the tail of target,
// cloning obj's header/payload, and advance the frontier by
// objectBytes (not copyBytes — the stack slop between used and
// reserved still has to be reserved physically even though it isn't
// copied). A chunk that ends up full, or about to cross its one-block
// capacity, triggers allocation of a fresh trailing chunk so the next
// CopyObject call always has room (spec.md §4.5's "chunks always carry
// HEAP_LIMIT_SLOP of headroom" invariant, applied here at copy time
// too since target may already be mid-collection).
func CopyObject(obj *objmodel.Object, objectBytes int64, target *heap.ChunkList, alloc heap.Allocator) *objmodel.Object {
	c := heap.LastChunk(target)
	if c == nil || c.CrossesBlockBoundary(objectBytes) {
		var err error
		c, err = alloc.AllocateChunk(target, objectBytes)
		if err != nil {
			invariant.Fatalf("out of space for hierarchical heap: %v", err)
		}
	}

	newObj := cloneObject(obj)
	heap.PlaceObject(c, newObj, objectBytes)

	if c.Remaining() <= 0 {
		if _, err := alloc.AllocateChunk(target, heap.HeapLimitSlop); err != nil {
			invariant.Fatalf("out of space for hierarchical heap: %v", err)
		}
	}
	return newObj
}

// ForwardHHObjptr implements forwardHHObjptr (spec.md §4.3): rewrite
// *opp to its to-space copy (or relocated chunk, for a single-object
// chunk), forwarding recursively only as far as installing the
// forwarding pointer — the Cheney scan in CollectLocal is what walks
// the rest of the object graph.
func ForwardHHObjptr(opp **objmodel.Object, args *ForwardArgs, alloc heap.Allocator) {
	op := *opp
	if op == nil {
		return
	}

	if op.Level > args.MaxLevel {
		invariant.Fatalf("entanglement detected: object at level %d exceeds max level %d", op.Level, args.MaxLevel)
	}

	if op.Level < args.MinLevel || (op.Chunk() != nil && op.Chunk().IsInToSpace()) {
		*opp = objmodel.Chase(op)
		return
	}
	if op.HasForwardPtr() {
		*opp = objmodel.Chase(op)
		return
	}

	objectBytes, copyBytes, _ := ComputeObjectCopyParameters(op)
	if op.Header.Tag == objmodel.TagStack {
		args.StacksCopied.Inc()
	}

	level := op.Level
	target := args.ToSpace[level]
	if target == nil {
		// No chunk pre-allocated here: the single-object-chunk path
		// below just appends the relocated chunk, and CopyObject
		// allocates its own first chunk lazily (LastChunk == nil) when
		// the general copy path needs one.
		target = heap.NewChunkList(heap.CopyObjectHHValue(), level)
		target.IsInToSpace = true
		args.ToSpace[level] = target
	}

	if !op.Chunk().MightContainMultipleObjects() {
		// Single-object chunk: relocate the chunk itself rather than
		// copying its contents, so the object's identity (its Go
		// pointer) never changes (spec.md §4.3 step 6, scenario S6).
		c, ok := op.Chunk().(*heap.Chunk)
		if !ok {
			invariant.Fatalf("forward_hh_objptr: chunk backref is not *heap.Chunk")
		}
		heap.UnlinkChunk(c)
		heap.AppendChunk(target, c)
		if _, err := alloc.AllocateChunk(target, heap.HeapLimitSlop); err != nil {
			invariant.Fatalf("out of space for hierarchical heap: %v", err)
		}
		args.BytesMoved.Add(copyBytes)
		args.ObjectsMoved.Inc()
		return
	}

	newObj := CopyObject(op, objectBytes, target, alloc)
	op.SetForwardPtr(newObj)
	args.BytesCopied.Add(copyBytes)
	args.ObjectsCopied.Inc()
	*opp = newObj
}

// ForwardDownPtr implements forwardDownPtr (spec.md §4.3): forward a
// remembered down-pointer's source, rewrite the field, and re-remember
// it against the (possibly new) to-space list at the source's level.
func ForwardDownPtr(dst *objmodel.Object, field **objmodel.Object, src *objmodel.Object, args *ForwardArgs, alloc heap.Allocator) {
	invariant.Assertf(src.Level >= args.MinLevel && src.Level <= args.MaxLevel,
		"down-pointer source level %d out of range [%d,%d]", src.Level, args.MinLevel, args.MaxLevel)
	invariant.Assert(args.ToLevel == heap.InvalidLevel,
		"forward_down_ptr called during promotion, which this implementation does not support")

	obj := src
	ForwardHHObjptr(&obj, args, alloc)
	*field = obj

	target := args.ToSpace[obj.Level]
	invariant.Assert(target != nil, "forward_down_ptr: to-space list missing after forwarding its source")
	target.RememberAtLevel(dst, field, obj)

	glog.V(3).Infof("forward_down_ptr: level %d source relocated, re-remembered", obj.Level)
}
