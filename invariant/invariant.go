// Package invariant provides the pre/postcondition predicates that the
// rest of this module uses both as runtime assertions and as test
// oracles for the hierarchical-heap collector.
package invariant

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// Exit is called by Fatalf after logging. Tests override it to avoid
// terminating the process; production code leaves it as os.Exit(1).
var Exit = func() { os.Exit(1) }

// Fatalf reports a broken runtime invariant. Per spec, exhaustion,
// entanglement, precondition violations, and unsupported-object
// conditions are not recoverable errors: they terminate the process.
func Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	glog.Errorf("FATAL: %s", msg)
	Exit()
	// Exit is swapped out in tests; panic keeps control flow from
	// falling through to the caller when it is.
	panic(msg)
}

// Assert fatals with msg unless cond holds.
func Assert(cond bool, msg string) {
	if !cond {
		Fatalf("%s", msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		Fatalf(format, args...)
	}
}

// DequeSnapshot is a point-in-time read of a deque's top/bot/capacity,
// used by deque property tests (testable property 2) without requiring
// this package to import the deque package back.
type DequeSnapshot struct {
	Top, Bot, Cap int64
}

// CapacityOK checks 0 <= bot-top <= cap (testable property 2).
func (s DequeSnapshot) CapacityOK() bool {
	d := s.Bot - s.Top
	return d >= 0 && d <= s.Cap
}

// HeapSnapshot is a point-in-time read of the mutator-visible frontier
// state of one chunk, used by ensure_assurances' postcondition
// (testable property 7).
type HeapSnapshot struct {
	Frontier, Limit, LimitPlusSlop, BytesNeeded int64
	MultiObjectChunk                            bool
}

// FrontierOK checks frontier <= limit and limit_plus_slop == limit +
// slop, per spec.md §3 "Heap" invariants. slop is the caller's
// HEAP_LIMIT_SLOP constant (owned by package heap; kept out of this
// package to avoid a dependency from invariant onto heap).
func (s HeapSnapshot) FrontierOK(slop int64) bool {
	if s.Frontier > s.Limit {
		return false
	}
	if s.LimitPlusSlop != s.Limit+slop {
		return false
	}
	return s.BytesNeeded <= s.LimitPlusSlop-s.Frontier
}

// PostEnsureOK is the full postcondition of ensure_assurances
// (testable property 7): enough room, and the frontier sits in a
// multi-object chunk.
func (s HeapSnapshot) PostEnsureOK() bool {
	return s.LimitPlusSlop-s.Frontier >= s.BytesNeeded && s.MultiObjectChunk
}

// StackSnapshot captures a stack object's reserved/used size before and
// after a collection, for testable property 6 (shrinking is monotonic
// and never touches `used`).
type StackSnapshot struct {
	ReservedBefore, ReservedAfter int64
	UsedBefore, UsedAfter         int64
}

// ShrinkMonotonic checks testable property 6.
func (s StackSnapshot) ShrinkMonotonic() bool {
	return s.ReservedAfter <= s.ReservedBefore && s.UsedAfter == s.UsedBefore
}
