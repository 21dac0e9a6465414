package heap

import (
	"sync"

	"github.com/mpl-run/hhgc/objmodel"
)

// DownPtr is a remembered reference from a shallower level to a
// deeper one (spec.md GLOSSARY "Down-pointer"). Field is the address
// of the slot to rewrite once Src has been forwarded — the Go
// equivalent of spec.md's "objptr* field".
type DownPtr struct {
	Dst   *objmodel.Object
	Field **objmodel.Object
	Src   *objmodel.Object
}

// RememberedSet is the down-pointer remembered set attached to a
// ChunkList (spec.md §3 "ChunkList" entity, "optional remembered
// set"). The write barrier that populates this set as the mutator
// runs (HM_rememberAtLevel's trigger site) is the external
// down-pointer recorder spec.md §1 scopes out; what's implemented
// here is the set itself plus the record/iterate operations the
// collector (package gc) actively calls during root enumeration and
// deferred promotion (spec.md §4.5 steps 4 and 6).
type RememberedSet struct {
	mu      sync.Mutex
	entries []DownPtr
}

// NewRememberedSet constructs an empty remembered set.
func NewRememberedSet() *RememberedSet { return &RememberedSet{} }

// RememberAtLevel records dst->*field (currently src) for later
// replay, implementing HM_remember_at_level.
func (cl *ChunkList) RememberAtLevel(dst *objmodel.Object, field **objmodel.Object, src *objmodel.Object) {
	if cl.Remembered == nil {
		cl.Remembered = NewRememberedSet()
	}
	cl.Remembered.mu.Lock()
	cl.Remembered.entries = append(cl.Remembered.entries, DownPtr{Dst: dst, Field: field, Src: src})
	cl.Remembered.mu.Unlock()
}

// ForEachRemembered implements HM_foreachRemembered: invoke fn for
// every recorded down-pointer in r.
func (r *RememberedSet) ForEachRemembered(fn func(DownPtr)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	entries := make([]DownPtr, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()
	for _, e := range entries {
		fn(e)
	}
}

// NumRemembered implements HM_numRemembered.
func (r *RememberedSet) NumRemembered() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Merge appends other's entries into r (used by deferred promotion to
// gather down-pointers from several levels into one replay set).
func (r *RememberedSet) Merge(other *RememberedSet) {
	if other == nil {
		return
	}
	other.mu.Lock()
	entries := make([]DownPtr, len(other.entries))
	copy(entries, other.entries)
	other.mu.Unlock()

	r.mu.Lock()
	r.entries = append(r.entries, entries...)
	r.mu.Unlock()
}
