package tcp

import "testing"

func TestSeqArithmeticWraps(t *testing.T) {
	var near Value = 0xffff_fff0
	tests := []struct {
		v, w Value
		less bool
	}{
		{v: 1, w: 2, less: true},
		{v: 2, w: 1, less: false},
		{v: near, w: near + 0x20, less: true}, // w wrapped past zero.
		{v: near + 0x20, w: near, less: false},
		{v: 5, w: 5, less: false},
	}
	for _, tc := range tests {
		if got := LessThan(tc.v, tc.w); got != tc.less {
			t.Errorf("LessThan(%d,%d)=%v want %v", tc.v, tc.w, got, tc.less)
		}
	}
	if !InWindow(near+0x18, near, 0x20) {
		t.Error("want wrapped value inside window")
	}
	if InWindow(near+0x20, near, 0x20) {
		t.Error("window end is exclusive")
	}
	if InWindow(near, near, 0) {
		t.Error("empty window contains nothing")
	}
	if Sizeof(near, near+0x20) != 0x20 {
		t.Error("bad Sizeof across wrap")
	}
	v := near
	v.UpdateForward(0x20)
	if v != 0x10 {
		t.Errorf("UpdateForward got %#x", v)
	}
}

func TestStateClasses(t *testing.T) {
	for s := StateClosed; s <= StateAbort; s++ {
		pre := s == StateListen || s == StateSynSent || s == StateSynRcvd
		if s.IsPreestablished() != pre {
			t.Errorf("%s: IsPreestablished=%v", s, s.IsPreestablished())
		}
		if s.IsSynchronized() && (pre || s.IsTerminal()) {
			t.Errorf("%s: synchronized", s)
		}
	}
	if !StateFinWait2.IsSynchronized() || !StateCloseWait.IsSynchronized() {
		t.Error("data states must be synchronized")
	}
}
