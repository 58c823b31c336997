package tcp

import (
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

// connKey identifies a connection by its 4-tuple. The local address is implicit
// via routing. A listening entry has a zero raddr and rport.
type connKey struct {
	raddr [4]byte
	rport uint16
	lport uint16
}

func (k connKey) isWildcard() bool { return k.rport == 0 && k.raddr == [4]byte{} }

func (k connKey) remote() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(k.raddr), k.rport)
}

// connTable maps 4-tuples to TCBs. Every entry holds one reference on its TCB.
// The table lock is always acquired after a TCB lock, never before.
type connTable struct {
	mu        sync.Mutex
	conns     map[connKey]*tcb
	listeners map[uint16]*tcb
}

func newConnTable() *connTable {
	return &connTable{
		conns:     make(map[connKey]*tcb),
		listeners: make(map[uint16]*tcb),
	}
}

// insert adds t under t.key. A wildcard key registers a listener.
// [unix.EADDRINUSE] is returned if the slot is taken.
func (ct *connTable) insert(t *tcb) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if t.key.isWildcard() {
		if _, ok := ct.listeners[t.key.lport]; ok {
			return unix.EADDRINUSE
		}
		ct.listeners[t.key.lport] = t
	} else {
		if _, ok := ct.conns[t.key]; ok {
			return unix.EADDRINUSE
		}
		ct.conns[t.key] = t
	}
	t.ref()
	t.inTable = true
	return nil
}

// remove deletes t if it is still the registered entry for its key.
// Must be called with t.mu held.
func (ct *connTable) remove(t *tcb) {
	if !t.inTable {
		return
	}
	ct.mu.Lock()
	if t.key.isWildcard() {
		if ct.listeners[t.key.lport] == t {
			delete(ct.listeners, t.key.lport)
		}
	} else if ct.conns[t.key] == t {
		delete(ct.conns, t.key)
	}
	ct.mu.Unlock()
	t.inTable = false
	t.unref()
}

// lookup resolves a 4-tuple, first by exact match and then by the listening
// wildcard on the local port. The returned TCB carries a reference the caller must release.
func (ct *connTable) lookup(k connKey) *tcb {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	t := ct.conns[k]
	if t == nil {
		t = ct.listeners[k.lport]
	}
	if t != nil {
		t.ref()
	}
	return t
}

// lookupExact is like lookup without the wildcard fallback.
func (ct *connTable) lookupExact(k connKey) *tcb {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	t := ct.conns[k]
	if t != nil {
		t.ref()
	}
	return t
}

// len returns the amount of exact and listening entries.
func (ct *connTable) len() (conns, listeners int) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.conns), len(ct.listeners)
}
