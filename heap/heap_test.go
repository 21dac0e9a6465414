package heap_test

import (
	"testing"

	"github.com/mpl-run/hhgc/heap"
	"github.com/mpl-run/hhgc/objmodel"
)

func TestAppendUnlinkChunk(t *testing.T) {
	alloc := heap.NewSimpleAllocator(4096)
	list := heap.NewChunkList(nil, 1)

	c1, err := alloc.AllocateChunk(list, 100)
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	c2, err := alloc.AllocateChunk(list, 100)
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	if list.First != c1 || list.Last != c2 {
		t.Fatalf("list ordering wrong after two appends")
	}

	heap.UnlinkChunk(c1)
	if list.First != c2 || list.Last != c2 {
		t.Fatalf("list should contain only c2 after unlinking c1")
	}
	if c1.List() != nil {
		t.Fatalf("unlinked chunk should report nil List()")
	}
}

func TestAllocatorReusesFreedChunks(t *testing.T) {
	alloc := heap.NewSimpleAllocator(1024)
	list := heap.NewChunkList(nil, 0)

	c, _ := alloc.AllocateChunk(list, 100)
	before := alloc.AllocatedBytes()
	alloc.FreeListAppend(c)
	if alloc.FreedBytes() == 0 {
		t.Fatalf("expected FreedBytes to grow after FreeListAppend")
	}

	list2 := heap.NewChunkList(nil, 0)
	alloc.AllocateChunk(list2, 100)
	if alloc.AllocatedBytes() != before {
		t.Fatalf("expected reuse of freed chunk, AllocatedBytes grew: %d -> %d", before, alloc.AllocatedBytes())
	}
}

func TestPlaceObjectTracksFrontierAndMultiFlag(t *testing.T) {
	alloc := heap.NewSimpleAllocator(4096)
	list := heap.NewChunkList(nil, 2)
	c, _ := alloc.AllocateChunk(list, 100)

	o1 := objmodel.NewObject(2, objmodel.Header{Tag: objmodel.TagNormal})
	heap.PlaceObject(c, o1, 32)
	if c.Frontier() != 32 {
		t.Fatalf("frontier = %d, want 32", c.Frontier())
	}
	if c.MightContainMultipleObjects() {
		t.Fatalf("single placed object should not set the multi-object flag yet")
	}

	o2 := objmodel.NewObject(2, objmodel.Header{Tag: objmodel.TagNormal})
	heap.PlaceObject(c, o2, 32)
	if !c.MightContainMultipleObjects() {
		t.Fatalf("two placed objects should set the multi-object flag")
	}
	if o1.Chunk() != c || o2.Chunk() != c {
		t.Fatalf("placed objects should carry a chunk backref")
	}
	if o1.Level != 2 || o2.Level != 2 {
		t.Fatalf("placed objects should inherit the list's level")
	}
}

func TestRememberedSetRoundTrip(t *testing.T) {
	list := heap.NewChunkList(nil, 0)
	dst := objmodel.NewObject(0, objmodel.Header{Tag: objmodel.TagNormal, NumPtrs: 1})
	src := objmodel.NewObject(1, objmodel.Header{Tag: objmodel.TagNormal})
	list.RememberAtLevel(dst, &dst.Ptrs[0], src)

	if got := list.Remembered.NumRemembered(); got != 1 {
		t.Fatalf("NumRemembered = %d, want 1", got)
	}
	var seen []heap.DownPtr
	list.Remembered.ForEachRemembered(func(dp heap.DownPtr) { seen = append(seen, dp) })
	if len(seen) != 1 || seen[0].Src != src || seen[0].Dst != dst {
		t.Fatalf("unexpected remembered entries: %+v", seen)
	}
}
