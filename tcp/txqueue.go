package tcp

import (
	"log/slog"
)

// sendNext transmits the next chunk of queued application data, or the
// deferred FIN once the transmit buffer has drained. Only one sequence-consuming
// segment is ever outstanding so nothing is sent until snd.una reaches snd.nxt.
// It reports whether a segment was sent.
func (t *tcb) sendNext() bool {
	if t.reset || t.snd.inFlight() != 0 {
		return false
	}
	if t.state != StateEstablished && t.state != StateCloseWait {
		return false
	}
	if buffered := t.txbuf.Buffered(); buffered > 0 {
		n := min(buffered, int(t.sndmss))
		t.probing = t.snd.WND == 0
		if t.probing {
			n = 1
		} else {
			n = min(n, int(t.snd.WND))
		}
		payload := make([]byte, n)
		t.txbuf.Read(payload)
		t.transmit(pshack, payload, false)
		t.traceSnd("tcb:send-data")
		t.cond.Broadcast() // Transmit buffer space freed.
		return true
	}
	if t.shouldClose {
		t.sendFIN()
		return true
	}
	return false
}

func (t *tcb) sendFIN() {
	t.shouldClose = false
	t.finSent = true
	t.transmit(finack, nil, false)
	switch t.state {
	case StateEstablished:
		t.setState(StateFinWait1)
	case StateCloseWait:
		t.setState(StateLastAck)
	}
}

// rcvAck processes the acknowledgment field of a segment in a synchronized state. It reports whether a segment was transmitted as a result.
func (t *tcb) rcvAck(seg Segment) (sent bool) {
	switch seg.ACK {
	case t.snd.NXT:
		if t.snd.UNA != t.snd.NXT {
			t.snd.UNA = seg.ACK
			t.rtx = nil
			t.probing = false
			t.pauseTimer()
			t.backoff.Hit()
			if t.finSent {
				// FIN is the last sequence number sent: it is acknowledged.
				switch t.state {
				case StateFinWait1:
					t.setState(StateFinWait2)
				case StateClosing:
					t.enterTimeWait()
				case StateLastAck:
					t.finalize(StateClosed)
					return false
				}
			}
		}
		t.snd.WND = seg.WND
		t.cond.Broadcast()
		return t.sendNext()

	case t.snd.UNA:
		// Duplicate ACK or window update.
		wasZero := t.snd.WND == 0
		t.snd.WND = seg.WND
		if !t.probing {
			break
		}
		// An answered probe means the peer is alive: only unanswered probes
		// count towards the retransmission abort.
		t.backoff.Hit()
		if wasZero && seg.WND > 0 {
			// Window opened while a probe is outstanding: resend it now instead of waiting out the RTO.
			t.debug("tcb:window-open", slog.Uint64("wnd", uint64(seg.WND)))
			t.retransmit()
		}
	}
	return false
}

// closeLocal runs the local close sequence for the current state. Listener
// children left in the backlog are returned for the caller to close once it no
// longer holds t.mu.
func (t *tcb) closeLocal() (children []*tcb) {
	switch t.state {
	case StateListen:
		children = t.backlog
		t.backlog = nil
		t.backlogFree = 0
		t.finalize(StateClosed)
	case StateSynSent:
		t.finalize(StateClosed)
	case StateSynRcvd, StateEstablished, StateCloseWait:
		if !t.finSent {
			t.shouldClose = true
			t.sendNext()
		}
	}
	return children
}
