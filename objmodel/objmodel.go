// Package objmodel decodes the runtime's tagged object headers into a
// tag, a non-pointer byte count, and a pointer count, and mediates
// forwarding-pointer reads/writes and the stack shrink hint.
//
// spec.md §9 flags the reference source's raw pointer-arithmetic model
// ("header at a negative offset from the object pointer") as the first
// thing to refactor in a modern implementation, proposing exactly the
// split used here: an ownership-respecting Object value standing in
// for "Address + ObjPtr", with the header as a first-class field
// instead of bytes the caller has to decode by hand.
package objmodel

// Tag dispatches object-specific copy/forward behavior (spec.md §4.4).
// It is a sum type, as spec.md §9 recommends in place of the source's
// virtual dispatch.
type Tag uint8

const (
	TagNormal Tag = iota
	TagSequence
	TagStack
	TagWeak
)

func (t Tag) String() string {
	switch t {
	case TagNormal:
		return "NORMAL"
	case TagSequence:
		return "SEQUENCE"
	case TagStack:
		return "STACK"
	case TagWeak:
		return "WEAK"
	default:
		return "UNKNOWN"
	}
}

// Header is the decoded form of a GC_header: tag, non-pointer byte
// count, and pointer count (spec.md §6 "split_header"). IsThread marks
// the one distinguished object a worker's current_thread points to
// (GC_THREAD_HEADER): it is tagged TagNormal for sizing purposes but
// skipped by the Cheney chunk scan because it was already forwarded as
// a root (spec.md §4.5 step 7).
type Header struct {
	Tag         Tag
	BytesNonPtr int64
	NumPtrs     int
	IsThread    bool
}

// ChunkRef is the minimal view of an owning chunk that objmodel needs:
// whether it may hold more than one object, and whether it currently
// belongs to a to-space list. Package heap's *Chunk implements this; objmodel
// itself never imports heap, which is what keeps the dependency graph
// acyclic (heap depends on objmodel, not the reverse).
type ChunkRef interface {
	MightContainMultipleObjects() bool
	IsInToSpace() bool
}

// StackInfo carries the reserved/used byte counts of a GC_stack object,
// the fields forward_hh_objptr and shrink_reserved operate on.
type StackInfo struct {
	Reserved      int64
	Used          int64
	IsCurrent     bool
	ExnStackDepth int64
}

// WeakInfo carries the state a weak reference needs for the Cheney
// weak-fixup pass (spec.md §4.7). HH-level forwarding fatals on
// TagWeak objects (spec.md §4.3 step 4) so this is only ever populated
// for root-heap objects.
type WeakInfo struct {
	Target *Object
	Gone   bool
}

// SeqInfo carries a sequence object's element count, used by
// size_of_sequence_no_metadata (spec.md §4.4).
type SeqInfo struct {
	Length int64
}

// PtrSize is the runtime's pointer width in bytes, used by
// size_of_sequence_no_metadata.
const PtrSize = 8

// Meta-data sizes for each tag (spec.md §3 META_SIZE_{NORMAL,SEQ,STACK}).
const (
	NormalMetaSize = 8
	SeqMetaSize    = 24
	StackMetaSize  = 16
)

// Object is an ObjPtr's referent: a tagged, possibly-forwarded record
// living in exactly one Chunk at any instant. Pointer identity (the Go
// pointer *Object itself) stands in for the runtime's raw address: the
// single-object-chunk relocation fast path in package gc relies on
// this identity never changing across a collection that only moves
// the owning chunk, matching spec.md §4.3 step 6 exactly ("no
// forwarding pointer is installed because the in-place address is the
// final address").
type Object struct {
	Header Header
	Level  uint32
	Gen    uint8 // root-heap nursery/old-generation tag; unused at HH levels

	Ptrs    []*Object // NUM_PTRS outgoing pointer fields, in slot order
	NonPtr  []byte    // opaque non-pointer payload
	Forward *Object   // non-nil iff Header carries the GC_FORWARDED sentinel

	Stack *StackInfo
	Weak  *WeakInfo
	Seq   *SeqInfo

	chunk ChunkRef
}

// NewObject constructs an Object at the given level with the given
// header and pointer slots pre-sized to header.NumPtrs.
func NewObject(level uint32, h Header) *Object {
	return &Object{
		Header: h,
		Level:  level,
		Ptrs:   make([]*Object, h.NumPtrs),
	}
}

// SetChunk installs the owning chunk backref; called once by package
// heap when an object is allocated or relocated into a chunk.
func (o *Object) SetChunk(c ChunkRef) { o.chunk = c }

// Chunk returns the object's owning chunk, or nil if unset.
func (o *Object) Chunk() ChunkRef { return o.chunk }

// HasForwardPtr reports whether this object's header carries the
// GC_FORWARDED sentinel (spec.md §3 "Forwarding" invariant).
func (o *Object) HasForwardPtr() bool { return o.Forward != nil }

// GetForwardPtr returns the forwarding target. Callers must check
// HasForwardPtr first.
func (o *Object) GetForwardPtr() *Object { return o.Forward }

// SetForwardPtr installs a forwarding pointer. Once installed, target
// is never itself forwarded again (spec.md §3 "Forwarding" invariant);
// that discipline is enforced by package gc, which never calls this
// twice on the same object.
func (o *Object) SetForwardPtr(target *Object) { o.Forward = target }

// Chase follows a (possibly absent) forwarding chain to the final
// to-space object. It is a no-op if o has not been forwarded.
func Chase(o *Object) *Object {
	for o != nil && o.HasForwardPtr() {
		o = o.GetForwardPtr()
	}
	return o
}

// ShrinkReserved computes the reserved size a stack should be shrunk
// to, per spec.md §4.4: collections shrink oversized stacks. The
// reference policy halves the reserved space while it remains at
// least twice the used space and above a floor, the common "don't
// shrink below 2x headroom" stack-GC heuristic.
func ShrinkReserved(s *StackInfo) int64 {
	const minReserved = 1024
	reserved := s.Reserved
	for reserved > minReserved && reserved >= 4*s.Used {
		reserved /= 2
	}
	if reserved < s.Used {
		reserved = s.Used
	}
	return reserved
}

// SizeOfSequenceNoMetadata computes a sequence body's size in bytes
// from its element count and per-element layout (spec.md §4.4).
func SizeOfSequenceNoMetadata(length, bytesNonPtr int64, numPtrs int) int64 {
	return length * (bytesNonPtr + int64(numPtrs)*PtrSize)
}
