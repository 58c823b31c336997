package tcp

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Default ephemeral port range (IANA dynamic ports).
const (
	defaultEphemeralFirst = 49152
	defaultEphemeralLast  = 65535
)

// PortAllocator tracks in-use local TCP ports and assigns ephemeral ports.
// It is safe for concurrent use and never blocks beyond its own mutex.
type PortAllocator struct {
	mu     sync.Mutex
	inuse  [(1 << 16) / 64]uint64
	first  uint16
	last   uint16
	cursor uint16 // Next ephemeral candidate.
	count  int
}

// NewPortAllocator returns an allocator assigning ephemeral ports in [first, last].
// seed selects the initial position of the ephemeral cursor.
func NewPortAllocator(first, last uint16, seed uint32) *PortAllocator {
	if first == 0 || last < first {
		panic("invalid ephemeral port range")
	}
	span := uint32(last-first) + 1
	return &PortAllocator{
		first:  first,
		last:   last,
		cursor: first + uint16(seed%span),
	}
}

// Allocate reserves port. If port is zero the next free port in the ephemeral
// range is chosen by scanning from a round-robin cursor, bounded to one full cycle.
// [unix.EADDRINUSE] is returned if the port is taken or no ephemeral port is free.
func (pa *PortAllocator) Allocate(port uint16) (uint16, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if port != 0 {
		if pa.isSet(port) {
			return 0, unix.EADDRINUSE
		}
		pa.set(port)
		return port, nil
	}
	span := int(pa.last-pa.first) + 1
	p := pa.cursor
	for i := 0; i < span; i++ {
		candidate := p
		if p == pa.last {
			p = pa.first
		} else {
			p++
		}
		if !pa.isSet(candidate) {
			pa.set(candidate)
			pa.cursor = p
			return candidate, nil
		}
	}
	return 0, unix.EADDRINUSE
}

// Free marks port as available. Freeing a port that is not in use panics:
// ports are freed exactly once by the connection that allocated them.
func (pa *PortAllocator) Free(port uint16) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.isSet(port) {
		panic("tcp: double free of port")
	}
	pa.inuse[port/64] &^= 1 << (port % 64)
	pa.count--
}

// InUse reports whether port is currently allocated.
func (pa *PortAllocator) InUse(port uint16) bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.isSet(port)
}

// Len returns the amount of allocated ports.
func (pa *PortAllocator) Len() int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.count
}

func (pa *PortAllocator) isSet(port uint16) bool {
	return pa.inuse[port/64]&(1<<(port%64)) != 0
}

func (pa *PortAllocator) set(port uint16) {
	pa.inuse[port/64] |= 1 << (port % 64)
	pa.count++
}
