package tcp

import (
	"github.com/google/btree"
)

// reassemblyDegree of 2 yields a 2-3-4 tree, sized for the handful of
// segments a receive window holds.
const reassemblyDegree = 2

// oooSegment is an out-of-order segment waiting for the gap before it to fill.
type oooSegment struct {
	seq  Value
	data []byte
	fin  bool // Segment carried FIN after its data.
}

func (s *oooSegment) end() Value { return Add(s.seq, Size(len(s.data))) }

func oooLess(a, b *oooSegment) bool { return LessThan(a.seq, b.seq) }

// reassembly holds out-of-order segments sorted by starting sequence number.
// Keys are compared modulo 2**32, valid while all entries lie within one receive window.
type reassembly struct {
	tree  *btree.BTreeG[*oooSegment]
	bytes int
}

func (r *reassembly) init() {
	if r.tree == nil {
		r.tree = btree.NewG(reassemblyDegree, oooLess)
	}
}

// Len returns the number of queued segments.
func (r *reassembly) Len() int {
	if r.tree == nil {
		return 0
	}
	return r.tree.Len()
}

// Buffered returns the amount of queued payload bytes.
func (r *reassembly) Buffered() int { return r.bytes }

// evictOverlaps removes every queued segment overlapping [seq, end): segments the
// new range contains, segments starting inside it and segments ending inside it.
// A queued segment that strictly contains the new range is kept.
func (r *reassembly) evictOverlaps(seq, end Value) (evicted int) {
	if r.Len() == 0 || seq == end {
		return 0
	}
	var toDelete []*oooSegment
	r.tree.Ascend(func(old *oooSegment) bool {
		if LessThanEq(end, old.seq) {
			return false // Sorted: nothing past end can overlap.
		}
		oend := old.end()
		newContainsOld := LessThanEq(seq, old.seq) && LessThanEq(oend, end)
		startInside := InRange(old.seq, seq, end)
		endInside := LessThan(seq, oend) && LessThanEq(oend, end)
		if newContainsOld || startInside || endInside {
			toDelete = append(toDelete, old)
		}
		return true
	})
	for _, old := range toDelete {
		r.tree.Delete(old)
		r.bytes -= len(old.data)
	}
	return len(toDelete)
}

// insert queues a segment. The caller must have evicted overlaps first.
// data is copied.
func (r *reassembly) insert(seq Value, data []byte, fin bool) {
	r.init()
	seg := &oooSegment{seq: seq, data: append([]byte(nil), data...), fin: fin}
	if old, replaced := r.tree.ReplaceOrInsert(seg); replaced {
		r.bytes -= len(old.data)
	}
	r.bytes += len(data)
}

// popFront removes and returns the first segment if it starts at or before nxt.
// Segments ending at or before nxt are stale and are discarded by the caller.
func (r *reassembly) popFront(nxt Value) (*oooSegment, bool) {
	if r.Len() == 0 {
		return nil, false
	}
	first, _ := r.tree.Min()
	if LessThan(nxt, first.seq) {
		return nil, false
	}
	r.tree.DeleteMin()
	r.bytes -= len(first.data)
	return first, true
}

func (r *reassembly) reset() {
	if r.tree != nil {
		r.tree.Clear(false)
	}
	r.bytes = 0
}
