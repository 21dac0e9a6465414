package mutator_test

import (
	"encoding/json"
	"testing"

	"github.com/mpl-run/hhgc/gc"
	"github.com/mpl-run/hhgc/heap"
	"github.com/mpl-run/hhgc/invariant"
	"github.com/mpl-run/hhgc/mutator"
	"github.com/mpl-run/hhgc/objmodel"
)

func newMutator(t *testing.T) *mutator.Mutator {
	t.Helper()
	alloc := heap.NewSimpleAllocator(4096)
	cfg := gc.Config{CollectionLevel: gc.LevelLocal, DequeCapacity: 64}
	w := mutator.InitWorld(1, alloc, cfg)
	return mutator.New(w, alloc, cfg)
}

func TestEnterExitLocalHeapRoundTrip(t *testing.T) {
	m := newMutator(t)
	if m.Worker.CurrentDepth != 0 {
		t.Fatalf("CurrentDepth = %d, want 0", m.Worker.CurrentDepth)
	}
	if err := m.EnterLocalHeap(); err != nil {
		t.Fatalf("EnterLocalHeap: %v", err)
	}
	if m.Worker.CurrentDepth != 1 {
		t.Fatalf("CurrentDepth = %d, want 1", m.Worker.CurrentDepth)
	}
	m.ExitLocalHeap()
	if m.Worker.CurrentDepth != 0 {
		t.Fatalf("CurrentDepth = %d, want 0 after ExitLocalHeap", m.Worker.CurrentDepth)
	}
}

func TestEnsureAssurancesGrowsWhenNeeded(t *testing.T) {
	m := newMutator(t)
	if err := m.EnsureAssurances(false, 8192, true); err != nil {
		t.Fatalf("EnsureAssurances: %v", err)
	}
	cl := m.Worker.HH.Level(0)
	if cl == nil || cl.Last == nil {
		t.Fatalf("expected a chunk to exist at level 0 after EnsureAssurances")
	}
	if cl.Last.Remaining() < 8192 {
		t.Fatalf("expected room for the requested 8192 bytes, remaining=%d", cl.Last.Remaining())
	}
}

func TestEnsureAssurancesRepairsSingleObjectTail(t *testing.T) {
	m := newMutator(t)
	level := m.Worker.CurrentDepth
	cl := m.Worker.HH.EnsureLevel(level)
	alloc := m.Alloc.(*heap.SimpleAllocator)

	// Manufacture the exact shape a single-object-chunk relocation
	// (gc.ForwardHHObjptr's fast path) leaves behind: a chunk with
	// plenty of room that has received exactly one object, so
	// MightContainMultipleObjects is still false.
	c, err := alloc.AllocateChunk(cl, 4096)
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	obj := objmodel.NewObject(level, objmodel.Header{Tag: objmodel.TagNormal, BytesNonPtr: 8})
	heap.PlaceObject(c, obj, 16)
	if c.MightContainMultipleObjects() {
		t.Fatalf("test setup: expected a single-object chunk before EnsureAssurances")
	}

	const want = 64
	if err := m.EnsureAssurances(false, want, true); err != nil {
		t.Fatalf("EnsureAssurances: %v", err)
	}

	last := heap.LastChunk(cl)
	if last == c {
		t.Fatalf("EnsureAssurances left the frontier in the single-object-looking chunk")
	}
	snap := invariant.HeapSnapshot{
		Frontier:      last.Frontier(),
		Limit:         last.Limit(),
		LimitPlusSlop: last.LimitPlusSlop(),
		BytesNeeded:   want,
		// The repaired tail hasn't received a second object yet, so its
		// raw flag is still false; testable property 7's actual concern
		// is that the frontier no longer sits in the one-object,
		// flag-false shape EnsureMultiObjectChunk repairs.
		MultiObjectChunk: len(last.Objects()) != 1 || last.MightContainMultipleObjects(),
	}
	if !snap.PostEnsureOK() {
		t.Fatalf("EnsureAssurances postcondition violated: %+v", snap)
	}
}

func TestGrowStackCurrentDoublesReserved(t *testing.T) {
	m := newMutator(t)
	stack := m.Worker.CurrentStack
	before := stack.Stack.Reserved

	if err := m.GrowStackCurrent(stack, 1<<20); err != nil {
		t.Fatalf("GrowStackCurrent: %v", err)
	}
	if m.Worker.CurrentStack.Stack.Reserved != before*2 {
		t.Fatalf("Reserved = %d, want %d", m.Worker.CurrentStack.Stack.Reserved, before*2)
	}
	if m.Worker.CurrentThread.Ptrs[0] != m.Worker.CurrentStack {
		t.Fatalf("expected the thread's stack pointer resynced to the grown stack")
	}
}

func TestGrowStackCurrentCapsAtMax(t *testing.T) {
	m := newMutator(t)
	stack := m.Worker.CurrentStack
	if err := m.GrowStackCurrent(stack, stack.Stack.Reserved); err == nil {
		t.Fatalf("expected an error when already at the maximum reserved size")
	}
}

func TestInitVectorsShape(t *testing.T) {
	obj := mutator.InitVectors(0, 4, 2, 10)
	if obj.Header.Tag != objmodel.TagSequence {
		t.Fatalf("Tag = %v, want TagSequence", obj.Header.Tag)
	}
	if len(obj.Ptrs) != 2 {
		t.Fatalf("len(Ptrs) = %d, want 2", len(obj.Ptrs))
	}
	if obj.Seq.Length != 10 {
		t.Fatalf("Seq.Length = %d, want 10", obj.Seq.Length)
	}
}

func TestDumpHeapReportProducesValidJSON(t *testing.T) {
	m := newMutator(t)
	m.EnsureAssurances(false, 64, true)

	raw, err := mutator.DumpHeapReport(m.Worker)
	if err != nil {
		t.Fatalf("DumpHeapReport: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("DumpHeapReport produced invalid JSON: %v", err)
	}
	if decoded["worker_id"].(float64) != 1 {
		t.Fatalf("unexpected worker_id in report: %v", decoded["worker_id"])
	}
}
