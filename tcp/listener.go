package tcp

import (
	"log/slog"
	"net/netip"

	"github.com/kstack/ktcp"
	"github.com/kstack/ktcp/internal"
)

// rcvListen handles a segment addressed to a listening TCB. A bare SYN spawns
// a SYN-RECEIVED child holding a reserved backlog slot.
func (t *tcb) rcvListen(ph *ktcp.PseudoHeader, tfrm Frame, seg Segment) {
	switch {
	case seg.Flags.HasAny(FlagRST):
		return
	case seg.Flags.HasAny(FlagACK):
		t.eng.replyRST(ph, tfrm)
		return
	case !seg.Flags.HasAny(FlagSYN):
		return
	}
	remote := internal.SlogAddrPort("remote", ph.Src, tfrm.SourcePort())
	if t.backlogFree <= 0 {
		// Silent drop: the peer retransmits its SYN once the backlog drains.
		t.eng.metrics.drops.WithLabelValues(dropBacklogFull).Inc()
		t.debug("listen:backlog-full", remote, slog.Uint64("lport", uint64(t.key.lport)))
		return
	}
	rcvmss := mssFromMTU(t.eng.net.MTU(netip.AddrFrom4(ph.Src)))
	if rcvmss == 0 {
		t.eng.metrics.drops.WithLabelValues(dropUnreachable).Inc()
		return
	}
	peerMSS, err := parseMSS(tfrm.Options())
	if err != nil {
		t.eng.metrics.drops.WithLabelValues(dropMalformed).Inc()
		return
	}

	child := t.eng.newTCB()
	child.key = connKey{raddr: ph.Src, rport: tfrm.SourcePort(), lport: t.key.lport}
	child.laddr = ph.Dst
	child.bound = true
	child.parent = t
	t.ref()
	child.holdsSlot = true
	t.backlogFree--

	child.mu.Lock()
	child.rcvmss = rcvmss
	child.negotiateMSS(peerMSS)
	child.resetRcv(seg.SEQ)
	child.resetSnd(t.eng.iss.next(child.laddr, child.key.raddr, child.key.lport, child.key.rport), seg.WND)
	child.setState(StateSynRcvd)
	if err := t.eng.table.insert(child); err != nil {
		// Duplicate SYN raced with an existing connection for the tuple.
		child.holdsSlot = false
		t.backlogFree++
		child.mu.Unlock()
		child.unref()
		return
	}
	t.debug("listen:syn", remote, slog.Uint64("lport", uint64(t.key.lport)), slog.Int("backlog-free", t.backlogFree))
	child.transmit(synack, nil, true)
	child.mu.Unlock()
	child.unref() // Table and timer keep the child alive.
}

// handoff queues a newly established child on its listener's backlog or
// closes it when the listener is gone.
func (t *tcb) handoff() {
	p := t.parent
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.state == StateListen {
		t.ref() // Backlog reference.
		p.backlog = append(p.backlog, t)
		t.holdsSlot = false
		p.cond.Broadcast()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	t.holdsSlot = false
	t.closeLocal()
}

// popBacklog removes the oldest established child. Must be called with t.mu held.
func (t *tcb) popBacklog() *tcb {
	if len(t.backlog) == 0 {
		return nil
	}
	child := t.backlog[0]
	t.backlog[0] = nil
	t.backlog = t.backlog[1:]
	t.backlogFree++
	return child
}
