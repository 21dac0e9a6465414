// Package heap is a thin, typed facade over chunk storage: frontier
// and limit tracking, append/unlink, allocation, and block-boundary
// checks, mirroring memsys's Slab/MMSA construct-then-allocate shape
// (the teacher's memory manager) adapted from "slab of reusable byte
// buffers" to "chunk list of hierarchical-heap objects".
//
// The real chunk/page allocator is an external collaborator spec.md
// §1 explicitly places out of scope; Allocator is that collaborator's
// interface, and SimpleAllocator is a default, self-contained
// implementation good enough to drive this module's own tests and
// benchmarks.
package heap

import (
	"fmt"
	"sync"

	"github.com/mpl-run/hhgc/objmodel"
	"go.uber.org/atomic"
)

// HeapLimitSlop is GC_HEAP_LIMIT_SLOP: the reserved trailing margin
// between a chunk's usable limit and its true capacity (spec.md §3,
// §4.4, §4.5 step 11).
const HeapLimitSlop = 256

// MaxLevels bounds the depth of a HierarchicalHeap's level array
// (spec.md §3 HM_MAX_NUM_LEVELS).
const MaxLevels = 64

// InvalidLevel is HM_HH_INVALID_LEVEL, ForwardArgs.to_level's sentinel
// meaning "this is a collection, not a promotion".
const InvalidLevel = ^uint32(0)

// chunkMagic guards against using a freed/corrupted Chunk.
const chunkMagic = 0xc5b0ff5e

// Chunk is a contiguous allocation region, possibly holding one object
// (a single large allocation, or a stack) or many (spec.md §3 "Chunk
// kind" invariant). Each Chunk models exactly one HM_BLOCK_SIZE-sized
// block in this implementation, so "crosses a block boundary" and
// "chunk full" coincide — a deliberate simplification of spec.md's
// multi-block chunks, safe because nothing downstream needs to look
// inside a block once full.
type Chunk struct {
	objects                     []*objmodel.Object
	bytes                       int64 // frontier, as bytes used
	capacity                    int64 // limit_plus_slop
	mightContainMultipleObjects bool
	magic                       uint32

	next, prev *Chunk
	list       *ChunkList
}

// MightContainMultipleObjects implements objmodel.ChunkRef.
func (c *Chunk) MightContainMultipleObjects() bool { return c.mightContainMultipleObjects }

// IsInToSpace implements objmodel.ChunkRef.
func (c *Chunk) IsInToSpace() bool { return c.list != nil && c.list.IsInToSpace }

// Frontier is the chunk's current bump-allocation offset.
func (c *Chunk) Frontier() int64 { return c.bytes }

// Limit is limit_plus_slop - HEAP_LIMIT_SLOP (spec.md §3).
func (c *Chunk) Limit() int64 { return c.capacity - HeapLimitSlop }

// LimitPlusSlop is the chunk's raw capacity.
func (c *Chunk) LimitPlusSlop() int64 { return c.capacity }

// Remaining is the number of bytes left before the chunk is full.
func (c *Chunk) Remaining() int64 { return c.capacity - c.bytes }

// CrossesBlockBoundary reports whether placing objectBytes more at the
// current frontier would run past this chunk's one-block capacity.
func (c *Chunk) CrossesBlockBoundary(objectBytes int64) bool {
	return c.bytes+objectBytes > c.capacity
}

// List returns the chunk's current owning level, or nil if unlinked.
func (c *Chunk) List() *ChunkList { return c.list }

// Next returns the next chunk in the owning list's order, or nil at
// the tail.
func (c *Chunk) Next() *Chunk { return c.next }

// Objects returns the objects this chunk currently holds, in
// allocation order (the order the Cheney scan in package gc walks
// them).
func (c *Chunk) Objects() []*objmodel.Object { return c.objects }

// ChunkList (a "level") is one HierarchicalHeap slot, or — during
// collection — a to-space list (spec.md §3 "ChunkList" entity).
type ChunkList struct {
	Level        uint32
	First, Last  *Chunk
	Size         int64
	Remembered   *RememberedSet
	ContainingHH *HierarchicalHeap
	IsInToSpace  bool
}

// copyObjectHHSentinel is COPY_OBJECT_HH_VALUE: a unique, non-nil
// *HierarchicalHeap used as the ContainingHH of to-space lists during
// a collection (spec.md §3 "To-space" invariant).
var copyObjectHHSentinel = &HierarchicalHeap{}

// CopyObjectHHValue returns the shared to-space sentinel.
func CopyObjectHHValue() *HierarchicalHeap { return copyObjectHHSentinel }

// NewChunkList creates an empty level/to-space list. Callers set
// IsInToSpace explicitly as a separate step (spec.md §4.3 step 5),
// matching the reference collector's own two-step "create, then mark"
// sequence.
func NewChunkList(containingHH *HierarchicalHeap, level uint32) *ChunkList {
	return &ChunkList{Level: level, ContainingHH: containingHH}
}

// AppendChunk links c onto the tail of list. Chunks migrate by
// unlink+append, never aliased (spec.md §3 lifecycle).
func AppendChunk(list *ChunkList, c *Chunk) {
	c.list = list
	c.prev = list.Last
	c.next = nil
	if list.Last != nil {
		list.Last.next = c
	} else {
		list.First = c
	}
	list.Last = c
	list.Size += c.capacity
}

// UnlinkChunk removes c from its current list, if any.
func UnlinkChunk(c *Chunk) {
	list := c.list
	if list == nil {
		return
	}
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		list.First = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		list.Last = c.prev
	}
	list.Size -= c.capacity
	c.next, c.prev, c.list = nil, nil, nil
}

// Allocator is the external chunk/page allocator's interface
// (spec.md §6): allocate a chunk of at least minBytes onto list, and
// accept freed chunks back.
type Allocator interface {
	AllocateChunk(list *ChunkList, minBytes int64) (*Chunk, error)
	FreeListAppend(c *Chunk)
}

// SimpleAllocator is a self-contained Allocator good enough to drive
// this module end to end: a default block size, and a free list of
// reusable chunks, the same "construct big buffers, recycle them"
// discipline as memsys's Slab rings.
type SimpleAllocator struct {
	BlockSize int64

	mu        sync.Mutex
	free      []*Chunk
	allocated atomic.Int64
	freed     atomic.Int64
}

// NewSimpleAllocator constructs an allocator whose chunks default to
// blockSize bytes (grown as needed for oversized single objects).
func NewSimpleAllocator(blockSize int64) *SimpleAllocator {
	if blockSize <= 0 {
		blockSize = 64 * 1024
	}
	return &SimpleAllocator{BlockSize: blockSize}
}

// AllocateChunk implements Allocator.
func (a *SimpleAllocator) AllocateChunk(list *ChunkList, minBytes int64) (*Chunk, error) {
	size := a.BlockSize
	if minBytes > size {
		size = minBytes
	}

	a.mu.Lock()
	var c *Chunk
	for i, fc := range a.free {
		if fc.capacity >= size {
			c = fc
			a.free = append(a.free[:i], a.free[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	if c == nil {
		c = &Chunk{capacity: size, magic: chunkMagic}
		a.allocated.Add(size)
	} else {
		c.bytes = 0
		c.objects = c.objects[:0]
		c.mightContainMultipleObjects = false
	}
	AppendChunk(list, c)
	return c, nil
}

// FreeListAppend implements Allocator.
func (a *SimpleAllocator) FreeListAppend(c *Chunk) {
	if c.magic != chunkMagic {
		panic(fmt.Sprintf("heap: freeing a chunk with bad magic %#x", c.magic))
	}
	UnlinkChunk(c)
	a.mu.Lock()
	a.free = append(a.free, c)
	a.mu.Unlock()
	a.freed.Add(c.capacity)
}

// AllocatedBytes and FreedBytes report lifetime allocator stats
// (AllocatedBytes counts only freshly created chunks, not reuses), used
// by tests to assert that a collection actually reclaimed memory
// (scenario S5: "free_list grew").
func (a *SimpleAllocator) AllocatedBytes() int64 { return a.allocated.Load() }
func (a *SimpleAllocator) FreedBytes() int64     { return a.freed.Load() }

// LastChunk returns the tail chunk of a level, or nil if empty.
func LastChunk(list *ChunkList) *Chunk { return list.Last }

// PlaceObject appends obj to c's object slice and advances the
// frontier, setting obj's chunk backref and level. Callers (package
// gc) are responsible for having already verified objectBytes fits.
func PlaceObject(c *Chunk, obj *objmodel.Object, objectBytes int64) {
	c.objects = append(c.objects, obj)
	c.bytes += objectBytes
	if len(c.objects) > 1 {
		c.mightContainMultipleObjects = true
	}
	obj.SetChunk(c)
	obj.Level = c.list.Level
}

// HierarchicalHeap is one worker's per-depth array of chunk lists
// (spec.md §3 "HierarchicalHeap" entity).
type HierarchicalHeap struct {
	levels [MaxLevels]*ChunkList

	LastAllocatedChunk                 *Chunk
	CollectionThreshold                atomic.Int64
	BytesAllocatedSinceLastCollection  atomic.Int64

	Alloc Allocator
}

// NewHierarchicalHeap constructs an empty HH backed by alloc.
func NewHierarchicalHeap(alloc Allocator) *HierarchicalHeap {
	return &HierarchicalHeap{Alloc: alloc}
}

// Level returns level i's chunk list, or nil if unpopulated.
func (hh *HierarchicalHeap) Level(i uint32) *ChunkList { return hh.levels[i] }

// SetLevel installs (or clears, with nil) level i's chunk list.
func (hh *HierarchicalHeap) SetLevel(i uint32, cl *ChunkList) { hh.levels[i] = cl }

// EnsureLevel returns level i's chunk list, lazily creating an empty
// one owned by hh if it doesn't exist yet.
func (hh *HierarchicalHeap) EnsureLevel(i uint32) *ChunkList {
	if hh.levels[i] == nil {
		hh.levels[i] = NewChunkList(hh, i)
	}
	return hh.levels[i]
}

// FreeAllChunks hands every chunk in list back to alloc's free list
// (spec.md §4.5 step 9, "free the old chunks"). list is empty
// afterwards.
func FreeAllChunks(list *ChunkList, alloc Allocator) {
	c := list.First
	for c != nil {
		next := c.next
		alloc.FreeListAppend(c)
		c = next
	}
}

// MergeChunkList moves every chunk of src onto the tail of dst,
// preserving order, leaving src empty (spec.md §4.5 step 10, "merge
// to-space back into the hierarchical heap").
func MergeChunkList(dst, src *ChunkList) {
	c := src.First
	for c != nil {
		next := c.next
		UnlinkChunk(c)
		AppendChunk(dst, c)
		c = next
	}
}
