// Package mutator is the thin façade a running computation uses to
// enter and leave nested heap scopes, request more room before an
// allocation, and grow its stack — the operations spec.md §4.8 groups
// under "mutator-facing operations", layered on top of package gc's
// collection engine and package heap's chunk storage.
package mutator

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/mpl-run/hhgc/deque"
	"github.com/mpl-run/hhgc/gc"
	"github.com/mpl-run/hhgc/heap"
	"github.com/mpl-run/hhgc/invariant"
	"github.com/mpl-run/hhgc/objmodel"
)

// json is configured once, the same "construct the API object up
// front instead of using the package-level default" discipline the
// teacher's cmn/jsp package follows for its own encoders.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Mutator wraps one worker's gc.Worker with the collection policy and
// allocator it runs against.
type Mutator struct {
	Worker *gc.Worker
	Alloc  heap.Allocator
	Config gc.Config
}

// New constructs a Mutator for a freshly built worker.
func New(w *gc.Worker, alloc heap.Allocator, cfg gc.Config) *Mutator {
	return &Mutator{Worker: w, Alloc: alloc, Config: cfg}
}

// EnterLocalHeap implements enter_local_heap (spec.md §4.8): push a new
// depth marker onto the worker's deque and bump CurrentDepth, entering
// one level deeper into the hierarchical heap.
func (m *Mutator) EnterLocalHeap() error {
	w := m.Worker
	if !w.Deque.PushBottom(w.CurrentDepth) {
		return errors.New("enter_local_heap: work-stealing deque is full")
	}
	w.HH.EnsureLevel(w.CurrentDepth + 1)
	w.CurrentDepth++
	return nil
}

// ExitLocalHeap implements exit_local_heap (spec.md §4.8): pop the
// worker's own depth marker and decrement CurrentDepth. It fatals if
// the pop loses a last-element race to a thief, since by construction
// only the owning worker should ever be popping its own current depth
// marker while still inside that scope.
func (m *Mutator) ExitLocalHeap() {
	w := m.Worker
	if _, ok := w.Deque.TryPopBottom(); !ok {
		invariant.Fatalf("exit_local_heap: lost the pop race for depth %d, a thief must have stolen the current frame", w.CurrentDepth)
	}
	w.CurrentDepth--
}

// EnsureAssurances implements ensure_assurances (spec.md §4.8's seven
// steps): make sure the worker's current chunk has room for
// bytesRequested, triggering a local (or, if forceGC, forced) collection
// first when it doesn't, and falling back to growing the heap via the
// allocator if collection alone didn't free enough.
func (m *Mutator) EnsureAssurances(forceGC bool, bytesRequested int64, ensureCurrentLevel bool) error {
	w := m.Worker

	// 1: snapshot the current frontier.
	level := w.CurrentDepth
	cl := w.HH.Level(level)
	if cl == nil {
		cl = w.HH.EnsureLevel(level)
	}
	last := heap.LastChunk(cl)

	// 2: if it already fits, we're done.
	if last != nil && !last.CrossesBlockBoundary(bytesRequested) {
		if !forceGC {
			m.repairTail(cl)
			return nil
		}
	}

	// 3-4: run a local collection, respecting the configured policy.
	// ensureCurrentLevel narrows the request to just this worker's own
	// frame (superlocal-ish); otherwise let CollectLocal widen as far
	// down as the configured floor allows.
	desiredScope := m.Config.MinLocalLevel
	if ensureCurrentLevel {
		desiredScope = level
	}
	gc.CollectLocal(w, desiredScope, forceGC, m.Config, m.Alloc)

	// 5: re-check the frontier after collection.
	cl = w.HH.EnsureLevel(level)
	last = heap.LastChunk(cl)
	if last != nil && !last.CrossesBlockBoundary(bytesRequested) {
		m.repairTail(cl)
		return nil
	}

	// 6-7: collection didn't free enough; grow by asking the allocator
	// for a fresh chunk sized for the request.
	if _, err := m.Alloc.AllocateChunk(cl, bytesRequested); err != nil {
		return errors.Wrap(err, "ensure_assurances: allocator could not grow the hierarchical heap")
	}
	m.repairTail(cl)
	return nil
}

// repairTail applies spec.md §4.5 step 11's single-object-chunk
// workaround at every ensure_assurances return point, not just after a
// collection. Without it, a chunk a prior single-object-chunk
// relocation left behind — exactly one object, room to spare,
// might_contain_multiple_objects still false — satisfies step 2's
// "already fits" check and gets handed straight back to the mutator,
// which is then one allocation away from making that false flag a lie
// (testable property 7).
func (m *Mutator) repairTail(cl *heap.ChunkList) {
	m.Worker.HH.LastAllocatedChunk = gc.EnsureMultiObjectChunk(cl, m.Alloc)
}

// GrowStackCurrent implements grow_stack_current (spec.md §4.8): double
// the current stack's reserved size, up to the byte budget the caller
// is willing to spend, and allocate a fresh copy at the new size via
// the ordinary forwarding/copy machinery (a stack "grow" is modeled as
// a copy into a bigger chunk, not an in-place realloc).
func (m *Mutator) GrowStackCurrent(stack *objmodel.Object, maxReserved int64) error {
	if stack.Header.Tag != objmodel.TagStack {
		invariant.Fatalf("grow_stack_current: object is not a stack (tag %v)", stack.Header.Tag)
	}
	newReserved := stack.Stack.Reserved * 2
	if newReserved > maxReserved {
		newReserved = maxReserved
	}
	if newReserved <= stack.Stack.Reserved {
		return errors.New("grow_stack_current: already at the maximum reserved size")
	}

	objectBytes := gc.StackStructHeaderSize + newReserved + objmodel.StackMetaSize
	level := stack.Level
	cl := m.Worker.HH.EnsureLevel(level)
	if err := m.EnsureAssurances(false, objectBytes, true); err != nil {
		return err
	}

	grown := gc.CopyObject(stack, objectBytes, cl, m.Alloc)
	grown.Stack.Reserved = newReserved
	if m.Worker.CurrentStack == stack {
		m.Worker.CurrentStack = grown
	}
	if m.Worker.CurrentThread != nil {
		for i, p := range m.Worker.CurrentThread.Ptrs {
			if p == stack {
				m.Worker.CurrentThread.Ptrs[i] = grown
			}
		}
	}
	return nil
}

// InitWorld implements init_world (spec.md §4.8): construct a worker's
// HierarchicalHeap at level 0, give it an empty current thread and
// stack, and register its deque sized per cfg.DequeCapacity (0 selects
// deque.DefaultCapacity, same as passing a non-positive capacity
// directly to deque.New).
func InitWorld(id int, alloc heap.Allocator, cfg gc.Config) *gc.Worker {
	hh := heap.NewHierarchicalHeap(alloc)
	hh.EnsureLevel(0)
	dq := deque.New(cfg.DequeCapacity)
	w := gc.NewWorker(id, hh, dq)

	thread := objmodel.NewObject(0, objmodel.Header{Tag: objmodel.TagNormal, NumPtrs: 1, IsThread: true})
	stack := objmodel.NewObject(0, objmodel.Header{Tag: objmodel.TagStack, NumPtrs: 0})
	stack.Stack = &objmodel.StackInfo{Reserved: 4096, Used: 0, IsCurrent: true}
	thread.Ptrs[0] = stack

	w.CurrentThread = thread
	w.CurrentStack = stack
	return w
}

// DuplicateWorld implements duplicate_world (spec.md §4.8): spawn a
// sibling worker at the same depth, with its own HH/deque but sharing
// nothing mutable with the original — the "fork a new parallel worker"
// operation schedulers call when spinning up additional workers.
func DuplicateWorld(id int, alloc heap.Allocator, cfg gc.Config, currentDepth uint32) *gc.Worker {
	w := InitWorld(id, alloc, cfg)
	for i := uint32(0); i < currentDepth; i++ {
		w.HH.EnsureLevel(i + 1)
		w.Deque.PushBottom(i)
	}
	w.CurrentDepth = currentDepth
	return w
}

// InitVectors implements init_vectors (spec.md §4.8): pre-populate a
// sequence object's elements, the managed-heap equivalent of a slice
// literal's backing array.
func InitVectors(level uint32, bytesNonPtr int64, numPtrs int, length int64) *objmodel.Object {
	obj := objmodel.NewObject(level, objmodel.Header{Tag: objmodel.TagSequence, BytesNonPtr: bytesNonPtr, NumPtrs: numPtrs})
	obj.Seq = &objmodel.SeqInfo{Length: length}
	obj.Ptrs = make([]*objmodel.Object, numPtrs)
	if bytesNonPtr > 0 {
		obj.NonPtr = make([]byte, bytesNonPtr)
	}
	return obj
}

// heapReport is DumpHeapReport's JSON shape: per-level chunk and byte
// counts, for offline debugging of a stuck or oversized heap.
type heapReport struct {
	WorkerID int                     `json:"worker_id"`
	Levels   []levelReport           `json:"levels"`
	Deque    invariant.DequeSnapshot `json:"deque"`
}

type levelReport struct {
	Level      uint32 `json:"level"`
	NumChunks  int    `json:"num_chunks"`
	TotalBytes int64  `json:"total_bytes"`
}

// DumpHeapReport serializes a worker's per-level chunk occupancy to
// JSON, using json-iterator/go the way the teacher's debug/diagnostic
// endpoints favor a fast drop-in encoder over encoding/json.
func DumpHeapReport(w *gc.Worker) ([]byte, error) {
	report := heapReport{WorkerID: w.ID, Deque: w.Deque.Snapshot()}
	for lvl := uint32(0); lvl < heap.MaxLevels; lvl++ {
		cl := w.HH.Level(lvl)
		if cl == nil {
			continue
		}
		var chunks int
		var bytes int64
		for c := cl.First; c != nil; c = c.Next() {
			chunks++
			bytes += c.Frontier()
		}
		report.Levels = append(report.Levels, levelReport{Level: lvl, NumChunks: chunks, TotalBytes: bytes})
	}
	return json.Marshal(report)
}
