package tcp

import (
	"log/slog"

	"github.com/kstack/ktcp"
	"golang.org/x/sys/unix"
)

// recv runs an inbound segment through the state machine.
// Must be called with t.mu held.
func (t *tcb) recv(ph *ktcp.PseudoHeader, tfrm Frame) {
	payload := tfrm.Payload()
	seg := tfrm.Segment(len(payload))
	t.traceSeg("tcb:recv", seg)
	if t.reset {
		return
	}
	switch t.state {
	case StateListen:
		t.rcvListen(ph, tfrm, seg)
	case StateSynSent:
		t.rcvSynSent(tfrm, seg)
	case StateSynRcvd:
		t.rcvSynRcvd(seg, payload)
	case StateEstablished, StateCloseWait, StateFinWait1, StateFinWait2:
		switch {
		case seg.Flags.HasAny(FlagRST):
			t.rcvRST(seg)
		case seg.Flags.HasAny(FlagSYN):
			// SYN in a synchronized state: challenge with an ACK (RFC 9293 section 3.10.7.4).
			t.sendACK()
		default:
			t.rcvData(seg, payload)
		}
	case StateClosing, StateLastAck, StateTimeWait:
		if seg.Flags.HasAny(FlagRST) {
			t.rcvRST(seg)
		} else {
			t.rcvFinishing(seg)
		}
	default:
		// Finalized while the segment was in flight.
		t.eng.replyRST(ph, tfrm)
	}
}

// rcvRST aborts the connection on an in-window reset. Resets not at rcv.nxt are ignored.
func (t *tcb) rcvRST(seg Segment) {
	if seg.SEQ != t.rcv.NXT {
		t.trace("tcb:rst-ignored", slog.Uint64("seg.seq", uint64(seg.SEQ)), slog.Uint64("rcv.nxt", uint64(t.rcv.NXT)))
		return
	}
	t.abort(unix.ECONNRESET)
}

func (t *tcb) rcvSynSent(tfrm Frame, seg Segment) {
	hasAck := seg.Flags.HasAny(FlagACK)
	if seg.Flags.HasAny(FlagRST) {
		if hasAck && seg.ACK == t.snd.NXT {
			t.abort(unix.ECONNREFUSED)
		}
		return
	}
	if seg.Flags.HasAll(synack) && seg.ACK == Add(t.snd.UNA, 1) {
		peerMSS, err := parseMSS(tfrm.Options())
		if err != nil {
			t.debug("tcb:bad-options", slog.String("err", err.Error()))
		}
		t.negotiateMSS(peerMSS)
		t.resetRcv(seg.SEQ)
		t.snd.UNA = seg.ACK
		t.snd.WND = seg.WND
		t.rtx = nil
		t.pauseTimer()
		t.backoff.Hit()
		t.setState(StateEstablished)
		t.eng.metrics.opens.WithLabelValues(openActive).Inc()
		if !t.sendNext() {
			t.sendACK()
		}
		return
	}
	t.sendRST(seg)
	t.abort(unix.ECONNRESET)
}

func (t *tcb) rcvSynRcvd(seg Segment, payload []byte) {
	switch {
	case seg.Flags.HasAny(FlagRST):
		t.rcvRST(seg)

	case seg.Flags.HasAny(FlagSYN) && !seg.Flags.HasAny(FlagACK) && seg.SEQ == t.rcv.IRS:
		// Peer lost our SYN+ACK.
		t.retransmit()

	case seg.Flags.HasAny(FlagACK) && seg.ACK == Add(t.snd.UNA, 1):
		t.snd.UNA = seg.ACK
		t.snd.WND = seg.WND
		t.rtx = nil
		t.pauseTimer()
		t.backoff.Hit()
		t.setState(StateEstablished)
		t.eng.metrics.opens.WithLabelValues(openPassive).Inc()
		t.handoff()
		if len(payload) > 0 || seg.Flags.HasAny(FlagFIN) {
			t.rcvData(seg, payload)
		} else {
			t.sendNext()
		}

	default:
		t.sendRST(seg)
	}
}

// rcvFinishing handles segments once both FINs are sent or the local FIN is
// pending acknowledgment after the peer's (CLOSING, LAST-ACK, TIME-WAIT).
func (t *tcb) rcvFinishing(seg Segment) {
	retransmitted := seg.DATALEN > 0 || seg.Flags.HasAny(FlagFIN|FlagSYN)
	if t.state == StateTimeWait {
		if seg.Flags.HasAny(FlagFIN) {
			// Peer did not get our ACK of its FIN.
			t.sendACK()
			t.enterTimeWait()
		}
		return
	}
	if err := t.acceptable(seg.SEQ, seg.DATALEN, seg.Flags.HasAny(FlagFIN)); err != nil {
		// Retransmitted FIN or an old duplicate: acknowledge, never finish on it.
		t.trace("tcb:rcv-reject", slog.String("err", err.Error()), slog.String("seg", seg.String()))
		t.sendACK()
		return
	}
	if retransmitted {
		t.sendACK()
	}
	if seg.Flags.HasAny(FlagACK) {
		t.rcvAck(seg)
	}
}

// rcvData is the shared data and acknowledgment handler of ESTABLISHED,
// CLOSE-WAIT, FIN-WAIT-1 and FIN-WAIT-2.
func (t *tcb) rcvData(seg Segment, payload []byte) {
	hasFin := seg.Flags.HasAny(FlagFIN)
	datalen := Size(len(payload))
	if err := t.acceptable(seg.SEQ, datalen, hasFin); err != nil {
		t.trace("tcb:rcv-reject", slog.String("err", err.Error()), slog.String("seg", seg.String()))
		t.eng.metrics.drops.WithLabelValues(dropOutOfWindow).Inc()
		// No data is accepted but a new acknowledgment still counts (RFC 9293 section 3.10.7.4).
		// A peer that probed our closed window sends its ACKs one past rcv.nxt.
		if seg.Flags.HasAny(FlagACK) && LessThan(t.snd.UNA, seg.ACK) && LessThanEq(seg.ACK, t.snd.NXT) {
			if t.rcvAck(seg) {
				return
			}
		}
		t.sendACK()
		return
	}
	needAck := false
	finNow := false
	if datalen > 0 || hasFin {
		if t.state.peerFinished() {
			// Peer already finished: anything new is a retransmission.
			needAck = true
		} else if seg.SEQ == t.rcv.NXT {
			t.ooo.evictOverlaps(seg.SEQ, Add(seg.SEQ, datalen))
			t.appendRx(payload)
			finNow = hasFin || t.flushReassembly()
			if finNow {
				t.ooo.reset()
			}
			needAck = true
		} else {
			t.ooo.evictOverlaps(seg.SEQ, Add(seg.SEQ, datalen))
			t.ooo.insert(seg.SEQ, payload, hasFin)
			t.traceRcv("tcb:rcv-ooo")
			needAck = hasFin
		}
	}
	if finNow {
		t.rcv.NXT++
		t.finRcvd = true
		t.cond.Broadcast()
	}

	sent := false
	if seg.Flags.HasAny(FlagACK) {
		sent = t.rcvAck(seg)
	}

	if finNow {
		switch t.state {
		case StateEstablished:
			t.setState(StateCloseWait)
		case StateFinWait1:
			// Our FIN crossed theirs and is still unacknowledged.
			t.setState(StateClosing)
		case StateFinWait2:
			t.enterTimeWait()
		}
	}
	if needAck && !sent && !t.state.IsTerminal() {
		t.sendACK()
	}
}

// acceptable checks a segment of datalen octets starting at seq against the
// receive window. Data must lie wholly within [rcv.nxt, rcv.nxt+rcv.wnd).
func (t *tcb) acceptable(seq Value, datalen Size, fin bool) error {
	wnd := t.rcv.WND
	if datalen > wnd {
		return errWindowOverflow
	}
	if datalen == 0 {
		switch {
		case seq == t.rcv.NXT:
			return nil
		case !fin && wnd > 0 && InWindow(seq, t.rcv.NXT, wnd):
			return nil
		}
		return errSeqNotInWindow
	}
	if !InWindow(seq, t.rcv.NXT, wnd) || !InWindow(Add(seq, datalen-1), t.rcv.NXT, wnd) {
		return errSeqNotInWindow
	}
	return nil
}

// appendRx delivers in-order payload to the receive buffer.
func (t *tcb) appendRx(payload []byte) {
	if len(payload) == 0 {
		return
	}
	n, _ := t.rxbuf.Write(payload)
	if n != len(payload) {
		panic("tcp: receive window exceeds receive buffer")
	}
	t.rcv.NXT = Add(t.rcv.NXT, Size(n))
	t.rcv.WND -= Size(n)
	t.cond.Broadcast()
}

// flushReassembly moves queued segments made contiguous by the last append
// into the receive buffer. It reports whether a queued FIN was reached.
func (t *tcb) flushReassembly() (fin bool) {
	for {
		s, ok := t.ooo.popFront(t.rcv.NXT)
		if !ok {
			return false
		}
		data := s.data
		if s.seq != t.rcv.NXT {
			end := s.end()
			if LessThan(end, t.rcv.NXT) || (end == t.rcv.NXT && !s.fin) {
				continue // Stale.
			}
			data = data[Sizeof(s.seq, t.rcv.NXT):]
		}
		t.appendRx(data)
		if s.fin {
			return true
		}
	}
}

// consumed accounts n bytes read by the application: the window grows back and
// the peer is told when it can send again.
func (t *tcb) consumed(n int) {
	if n == 0 {
		return
	}
	old := t.rcv.WND
	t.rcv.WND = min(t.rcv.WND+Size(n), t.maxRecvWindow())
	if t.rcv.WND == old {
		return
	}
	switch t.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
		if t.sendNext() {
			return // Segment carries the new window.
		}
		t.sendACK()
	}
}
