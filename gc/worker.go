package gc

import (
	"go.uber.org/atomic"

	"github.com/mpl-run/hhgc/deque"
	"github.com/mpl-run/hhgc/heap"
	"github.com/mpl-run/hhgc/objmodel"
)

// CollectionLevel selects how aggressively CollectLocal runs, mirroring
// the reference runtime's HM_COLLECTION_LEVEL mutator option (spec.md
// §4.5, "if collection is disabled entirely, return immediately").
type CollectionLevel int

const (
	// LevelNone disables local collection outright.
	LevelNone CollectionLevel = iota
	// LevelLocal collects from the worker's current depth down to
	// desiredScope, but no shallower than min_local_level.
	LevelLocal
	// LevelSuperlocal narrows min_level to the worker's own current
	// depth: only the frame the worker is actively running in.
	LevelSuperlocal
)

// Config carries CollectLocal's tunables (spec.md §4.5 step 1's
// "min_local_level" and the level selector) plus the deque capacity a
// freshly constructed worker's world should use (spec.md §4.8
// init_world). MaxLevels and heap.HeapLimitSlop stay package constants,
// not Config fields: both size fixed-length arrays
// (HierarchicalHeap.levels, ForwardArgs.ToSpace) at compile time, the
// same "constants that affect compatibility" spec.md §6 already calls
// out as distinct from the mutator's own runtime-tunable policy.
type Config struct {
	MinLocalLevel   uint32
	CollectionLevel CollectionLevel
	DequeCapacity   int64
}

// Worker is one scheduler worker's view of the hierarchical heap: its
// own HH, its work-stealing deque, and the "current thread" state
// (current stack, exception-handler depth, etc.) that local collection
// treats as roots (spec.md §3 "Thread" entity). There is no machine
// stack to sample in this model; CurrentStack.Stack.Used is maintained
// directly by whatever is simulating the mutator's push/pop traffic
// (package mutator), rather than read off a native stack pointer.
//
// CurrentThread.Ptrs[0] is reserved, by convention, as the thread
// record's own pointer to its current stack — the Go stand-in for the
// reference runtime's GC_thread.stack field. CollectLocal forwards
// that slot like any other thread field and then re-reads it into
// CurrentStack, so the cached field always names the stack's current
// (possibly just-relocated) identity.
type Worker struct {
	ID int

	CurrentDepth  uint32
	CurrentStack  *objmodel.Object
	CurrentThread *objmodel.Object

	HH    *heap.HierarchicalHeap
	Deque *deque.Deque
	Scope *deque.LocalScope

	BytesSurvivedLastCollection atomic.Int64
}

// NewWorker constructs a Worker backed by hh and dq. Callers still need
// to set CurrentStack/CurrentThread once those root objects exist.
func NewWorker(id int, hh *heap.HierarchicalHeap, dq *deque.Deque) *Worker {
	return &Worker{
		ID:    id,
		HH:    hh,
		Deque: dq,
		Scope: deque.NewLocalScope(dq),
	}
}
