// Package deque implements the Chase–Lev work-stealing deque used to
// balance tasks (and, here, to publish/claim ranges of hierarchical-heap
// depths) across worker goroutines.
//
// Capacity is fixed at construction and must be a power of two, the
// same shape as the ring buffer in catrate's internal ring (mask
// indexing instead of modulo). The owning worker drives Bottom-side
// operations; any number of thieves may call TryPopTop concurrently.
package deque

import (
	"sync/atomic"

	"github.com/mpl-run/hhgc/invariant"
	uatomic "go.uber.org/atomic"
)

// DefaultCapacity is CAP from spec.md §3.
const DefaultCapacity = 64

// Elem is the element type stored in the deque. The runtime stores
// ObjPtr values (see package objmodel); the deque itself stays generic
// over "whatever the scheduler or the GC wants to pass around" so it
// carries no dependency on the object model.
type Elem = interface{}

// Deque is a fixed-capacity Chase–Lev circular buffer.
//
// Memory ordering follows spec.md §4.1 exactly in spirit: bot is
// owner-private (read/written with relaxed intent), top is the
// contended index thieves CAS. Go's sync/atomic and go.uber.org/atomic
// primitives are all sequentially consistent, which is a strictly
// stronger guarantee than the relaxed/acquire/release mix spec.md
// calls for, so every load/store below is sound; the comments note
// which ordering the spec would have used in a weaker-memory-model
// language.
type Deque struct {
	top  uatomic.Int64
	bot  uatomic.Int64
	cap  int64
	mask int64
	data []atomic.Value
}

// New allocates a Deque of the given capacity (rounded up to the
// caller's responsibility: capacity must already be a power of two).
// A non-positive capacity selects DefaultCapacity.
func New(capacity int64) *Deque {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity&(capacity-1) != 0 {
		invariant.Fatalf("deque: capacity %d is not a power of two", capacity)
	}
	return &Deque{
		cap:  capacity,
		mask: capacity - 1,
		data: make([]atomic.Value, capacity),
	}
}

// Cap returns the deque's fixed capacity.
func (d *Deque) Cap() int64 { return d.cap }

func (d *Deque) slot(i int64) *atomic.Value { return &d.data[i&d.mask] }

// Snapshot returns the current (top, bot) pair for diagnostics and
// invariant checks. It is inherently racy with respect to concurrent
// thieves; callers use it only for logging and property tests, never
// to make collection decisions.
func (d *Deque) Snapshot() invariant.DequeSnapshot {
	return invariant.DequeSnapshot{Top: d.top.Load(), Bot: d.bot.Load(), Cap: d.cap}
}

// PushBottom appends v at the bottom. It returns false if the deque is
// full — a recoverable signal the scheduler is expected to handle
// (spec.md §7 "Full deque"), never a panic.
func (d *Deque) PushBottom(v Elem) bool {
	b := d.bot.Load()   // relaxed: owner-private read
	t := d.top.Load()   // acquire: must see the latest thief progress
	if b-t >= d.cap {
		return false
	}
	d.slot(b).Store(v) // relaxed store into the slot
	// release fence implied by the sequentially-consistent Store below
	d.bot.Store(b + 1)
	return true
}

// TryPopBottom removes and returns the bottommost element. ok is false
// on an empty deque or when a concurrent thief won the race for the
// last element (spec.md §4.1, testable property S4).
func (d *Deque) TryPopBottom() (v Elem, ok bool) {
	b := d.bot.Load() - 1
	d.bot.Store(b) // speculative decrement, relaxed in spec's model
	t := d.top.Load()
	if t > b {
		// empty: restore bot and report failure.
		d.bot.Store(b + 1)
		return nil, false
	}
	e := d.slot(b).Load()
	if t < b {
		return e, true
	}
	// t == b: exactly one element left, race a thief for it via CAS.
	won := d.top.CAS(t, t+1)
	d.bot.Store(b + 1)
	if !won {
		return nil, false
	}
	return e, true
}

// TryPopTop removes and returns the topmost element, for use by
// thieves. ok is false on an empty deque or on lost CAS contention.
func (d *Deque) TryPopTop() (v Elem, ok bool) {
	t := d.top.Load() // acquire
	b := d.bot.Load() // acquire: seq-cst fence in spec's model
	if t >= b {
		return nil, false
	}
	e := d.slot(t).Load()
	if !d.top.CAS(t, t+1) {
		return nil, false
	}
	return e, true
}

// ForEachSlot rewrites every currently occupied slot in place via fn,
// in bottom-to-top order. It is owner-only: package gc calls this
// during a worker's own local collection (spec.md §4.5 step 6, "forward
// every ObjPtr in the work-stealing deque object, so thieves observe
// forwarded data"), a point at which that worker is not concurrently
// pushing or popping, though thieves may still be racing TryPopTop
// against the slots being rewritten — each slot store is atomic, so a
// thief either sees the pre- or post-forwarding value, never a tear.
func (d *Deque) ForEachSlot(fn func(Elem) Elem) {
	t, b := d.top.Load(), d.bot.Load()
	for i := t; i < b; i++ {
		s := d.slot(i)
		s.Store(fn(s.Load()))
	}
}

// SetDepth resets the deque to depth d. The deque must be empty
// (top == bot); this is asserted fatally per spec.md §4.1, since the
// caller (the GC) is only ever supposed to call this once it has
// claimed the entire deque via repeated TryPopBottom.
//
// The store order below (the side further from d first) guarantees
// that any thief sampling (top, bot) mid-call observes either the
// pre-call empty state or the post-call empty state, never a
// transient "apparently non-empty" window (spec.md §4.1 rationale,
// testable property 3).
func (d *Deque) SetDepth(depth int64) {
	top, bot := d.top.Load(), d.bot.Load()
	invariant.Assert(top == bot, "deque: set_depth requires an empty deque")
	if depth < bot {
		d.bot.Store(depth)
		d.top.Store(depth)
	} else {
		d.top.Store(depth)
		d.bot.Store(depth)
	}
}
