package tcp

import (
	"errors"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPortAllocatorExhaustion(t *testing.T) {
	const first, last = 40000, 40063
	pa := NewPortAllocator(first, last, 17)
	seen := make(map[uint16]bool)
	for i := 0; i < last-first+1; i++ {
		p, err := pa.Allocate(0)
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if p < first || p > last || seen[p] {
			t.Fatalf("allocation %d: bad or repeated port %d", i, p)
		}
		seen[p] = true
	}
	_, err := pa.Allocate(0)
	if !errors.Is(err, unix.EADDRINUSE) {
		t.Fatalf("want EADDRINUSE on exhausted range, got %v", err)
	}
	pa.Free(40010)
	p, err := pa.Allocate(0)
	if err != nil || p != 40010 {
		t.Fatalf("want freed port 40010 back, got %d %v", p, err)
	}
}

func TestPortAllocatorExplicit(t *testing.T) {
	pa := NewPortAllocator(defaultEphemeralFirst, defaultEphemeralLast, 0)
	if _, err := pa.Allocate(80); err != nil {
		t.Fatal(err)
	}
	if _, err := pa.Allocate(80); !errors.Is(err, unix.EADDRINUSE) {
		t.Fatalf("want EADDRINUSE, got %v", err)
	}
	if !pa.InUse(80) {
		t.Fatal("port 80 should be in use")
	}
	pa.Free(80)
	if pa.InUse(80) || pa.Len() != 0 {
		t.Fatal("port 80 should be free")
	}
}

func TestPortAllocatorRoundRobin(t *testing.T) {
	pa := NewPortAllocator(1000, 1009, 0)
	a, _ := pa.Allocate(0)
	pa.Free(a)
	b, _ := pa.Allocate(0)
	if a == b {
		t.Fatalf("cursor did not advance: got %d twice", a)
	}
}

func TestPortAllocatorConcurrent(t *testing.T) {
	pa := NewPortAllocator(20000, 20999, 5)
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := make(map[uint16]int)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 125; i++ {
				p, err := pa.Allocate(0)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				got[p]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(got) != 1000 {
		t.Fatalf("want 1000 distinct ports, got %d", len(got))
	}
}
