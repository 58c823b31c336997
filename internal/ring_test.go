package internal

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func TestRingWrap(t *testing.T) {
	r := NewRing(10)
	if _, err := r.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	var buf [10]byte
	n, _ := r.Read(buf[:3])
	if string(buf[:n]) != "hel" {
		t.Fatalf("got %q", buf[:n])
	}
	// Write wraps around the end of Buf.
	n, err := r.Write([]byte("world!!"))
	if err != nil || n != 7 {
		t.Fatal(n, err)
	}
	if r.Free() != 1 {
		t.Fatalf("free=%d want 1", r.Free())
	}
	n, err = r.Write([]byte("xyz"))
	if err != io.ErrShortWrite || n != 1 {
		t.Fatalf("short write got n=%d err=%v", n, err)
	}
	n, _ = r.ReadPeek(buf[:])
	if string(buf[:n]) != "loworld!!x" {
		t.Fatalf("peek got %q", buf[:n])
	}
	if r.Buffered() != 10 {
		t.Fatal("peek consumed data")
	}
	n, _ = r.ReadAt(buf[:4], 2)
	if string(buf[:n]) != "worl" {
		t.Fatalf("readat got %q", buf[:n])
	}
	if err := r.ReadDiscard(11); err == nil {
		t.Fatal("expected discard error")
	}
	r.ReadDiscard(2)
	n, _ = r.Read(buf[:])
	if string(buf[:n]) != "world!!x" {
		t.Fatalf("got %q", buf[:n])
	}
	if _, err := r.Read(buf[:]); err != io.EOF {
		t.Fatalf("want EOF, got %v", err)
	}
}

func TestRingRandomFIFO(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	r := NewRing(37)
	var model bytes.Buffer
	var seq byte
	scratch := make([]byte, 64)
	for i := 0; i < 4096; i++ {
		if rng.Intn(2) == 0 {
			chunk := make([]byte, rng.Intn(20))
			for j := range chunk {
				chunk[j] = seq
				seq++
			}
			n, _ := r.Write(chunk)
			model.Write(chunk[:n])
			seq -= byte(len(chunk) - n)
		} else {
			n, _ := r.Read(scratch[:rng.Intn(len(scratch))])
			want := model.Next(n)
			if !bytes.Equal(scratch[:n], want) {
				t.Fatalf("iteration %d: got %v want %v", i, scratch[:n], want)
			}
		}
		if r.Buffered() != model.Len() {
			t.Fatalf("iteration %d: buffered %d want %d", i, r.Buffered(), model.Len())
		}
	}
}
