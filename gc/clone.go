package gc

import "github.com/mpl-run/hhgc/objmodel"

// cloneObject makes a fresh, unforwarded Object carrying o's scalar
// state and a copy of its slices, the shared shape both the
// hierarchical-heap copy path (CopyObject) and the root-heap Cheney
// copy path (cheneyForward) build on.
func cloneObject(o *objmodel.Object) *objmodel.Object {
	n := &objmodel.Object{
		Header: o.Header,
		Level:  o.Level,
		Gen:    o.Gen,
	}
	if len(o.Ptrs) > 0 {
		n.Ptrs = make([]*objmodel.Object, len(o.Ptrs))
		copy(n.Ptrs, o.Ptrs)
	}
	if len(o.NonPtr) > 0 {
		n.NonPtr = append([]byte(nil), o.NonPtr...)
	}
	if o.Seq != nil {
		s := *o.Seq
		n.Seq = &s
	}
	if o.Stack != nil {
		s := *o.Stack
		n.Stack = &s
	}
	if o.Weak != nil {
		w := *o.Weak
		n.Weak = &w
	}
	return n
}
