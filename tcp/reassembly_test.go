package tcp

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
)

func queuedRanges(r *reassembly) [][2]Value {
	var got [][2]Value
	if r.tree == nil {
		return got
	}
	r.tree.Ascend(func(s *oooSegment) bool {
		got = append(got, [2]Value{s.seq, s.end()})
		return true
	})
	return got
}

func TestReassemblyEviction(t *testing.T) {
	var base Value = 0xffff_fff0 // Ranges wrap around 2**32.
	tests := []struct {
		name     string
		seq, end Value
		want     [][2]Value
	}{
		{name: "new contains old", seq: base, end: base + 40, want: nil},
		{name: "old starts inside new", seq: base + 5, end: base + 15, want: [][2]Value{{base + 20, base + 30}}},
		{name: "old ends inside new", seq: base + 15, end: base + 25, want: nil},
		{name: "old contains new", seq: base + 12, end: base + 18, want: [][2]Value{{base + 10, base + 20}, {base + 20, base + 30}}},
		{name: "disjoint", seq: base + 30, end: base + 40, want: [][2]Value{{base + 10, base + 20}, {base + 20, base + 30}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var r reassembly
			r.insert(base+10, make([]byte, 10), false)
			r.insert(base+20, make([]byte, 10), false)
			r.evictOverlaps(tc.seq, tc.end)
			got := queuedRanges(&r)
			if len(got) != len(tc.want) {
				t.Fatalf("queued %v want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("queued %v want %v", got, tc.want)
				}
			}
			if r.Buffered() != 10*len(got) {
				t.Fatalf("buffered %d for %d segments", r.Buffered(), len(got))
			}
		})
	}
}

func TestReassemblyIdempotentInsert(t *testing.T) {
	var r reassembly
	data := []byte("abcdef")
	for i := 0; i < 3; i++ {
		r.evictOverlaps(100, 106)
		r.insert(100, data, false)
	}
	if r.Len() != 1 || r.Buffered() != len(data) {
		t.Fatalf("len=%d buffered=%d after repeated insert", r.Len(), r.Buffered())
	}
	data[0] = 'X'
	s, ok := r.popFront(100)
	if !ok || string(s.data) != "abcdef" {
		t.Fatal("queued data aliased the caller's buffer")
	}
}

func TestReassemblyPopFront(t *testing.T) {
	var r reassembly
	r.insert(50, []byte("late"), true)
	r.insert(10, []byte("early"), false)
	if _, ok := r.popFront(9); ok {
		t.Fatal("popped segment past rcv.nxt")
	}
	s, ok := r.popFront(12)
	if !ok || s.seq != 10 {
		t.Fatalf("want segment at 10, got %v %v", s, ok)
	}
	s, ok = r.popFront(54)
	if !ok || !s.fin {
		t.Fatal("want final segment with FIN")
	}
	if r.Len() != 0 || r.Buffered() != 0 {
		t.Fatal("queue not empty")
	}
	r.insert(1, []byte("x"), false)
	r.reset()
	if r.Len() != 0 || r.Buffered() != 0 {
		t.Fatal("reset left segments")
	}
}

// Delivering a stream's segments in any order with duplicates must yield
// the original stream, and rcv.nxt must never move backwards.
func TestReassemblyRandomPermutations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		te := newTestEngine(t, nil)
		ln := te.listen(80, 4)
		c := te.establishPassive(ln, 5000, Value(rng.Uint32()))
		ct := tcbOf(c.sock)

		stream := make([]byte, 1+rng.Intn(4000))
		rng.Read(stream)
		type chunk struct{ off, n int }
		var chunks []chunk
		for off := 0; off < len(stream); {
			n := min(1+rng.Intn(500), len(stream)-off)
			chunks = append(chunks, chunk{off, n})
			off += n
		}
		order := rng.Perm(len(chunks))
		// Sprinkle duplicates.
		for i := 0; i < len(chunks)/3; i++ {
			order = append(order, rng.Intn(len(chunks)))
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		lastNxt := ct.rcv.NXT
		for _, i := range order {
			ch := chunks[i]
			ps := c.seg(pshack, stream[ch.off:ch.off+ch.n])
			ps.seg.SEQ = Add(c.peerNxt, Size(ch.off))
			te.inject(ps)
			te.sent()
			if nxt := ct.rcv.NXT; LessThan(nxt, lastNxt) {
				t.Fatalf("iter %d: rcv.nxt went backwards %d -> %d", iter, lastNxt, nxt)
			}
			lastNxt = ct.rcv.NXT
		}
		// Duplicates may have been dropped from the queue: resend everything in order.
		for _, ch := range chunks {
			ps := c.seg(pshack, stream[ch.off:ch.off+ch.n])
			ps.seg.SEQ = Add(c.peerNxt, Size(ch.off))
			te.inject(ps)
		}
		te.sent()
		got := make([]byte, len(stream)+1)
		n, err := c.sock.Recv(context.Background(), got, 0)
		if err != nil {
			t.Fatalf("iter %d: %v", iter, err)
		}
		if !bytes.Equal(got[:n], stream) {
			t.Fatalf("iter %d: reassembled stream differs (%d/%d bytes)", iter, n, len(stream))
		}
		if ct.rcv.NXT != Add(c.peerNxt, Size(len(stream))) {
			t.Fatalf("iter %d: rcv.nxt %d", iter, ct.rcv.NXT)
		}
	}
}
