package tcp

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstack/ktcp/internal"
)

// tcb is the Transmission Control Block of a connection attempt, an established
// connection or a listening endpoint (RFC 9293 section 3.3.1).
//
// All fields except refs are guarded by mu. Lock order is tcb.mu before the
// connection table and port allocator locks, and child before parent.
type tcb struct {
	eng  *Engine
	mu   sync.Mutex
	cond sync.Cond // Signaled on every readiness change. L is &mu.
	refs atomic.Int32

	key   connKey
	laddr [4]byte
	state State
	// # Send Sequence Space
	//
	// 'Send' sequence numbers correspond to local data being sent.
	//
	//	     1         2          3          4
	//	----------|----------|----------|----------
	//		   SND.UNA    SND.NXT    SND.UNA
	//								+SND.WND
	//	1. old sequence numbers which have been acknowledged
	//	2. sequence numbers of unacknowledged data
	//	3. sequence numbers allowed for new data transmission
	//	4. future sequence numbers which are not yet allowed
	snd sendSpace
	// # Receive Sequence Space
	//
	// 'Receive' sequence numbers correspond to remote data being received.
	//
	//		1          2          3
	//	----------|----------|----------
	//		   RCV.NXT    RCV.NXT
	//					 +RCV.WND
	//	1 - old sequence numbers which have been acknowledged
	//	2 - sequence numbers allowed for new reception
	//	3 - future sequence numbers which are not yet allowed
	rcv recvSpace

	sndmss uint16 // Largest payload we send.
	rcvmss uint16 // Largest payload we accept, advertised in our SYN.

	txbuf internal.Ring // Application bytes not yet sent.
	rxbuf internal.Ring // Bytes ready for the application.
	// rtx is the single outstanding sequence-consuming segment, kept verbatim.
	rtx []byte
	ooo reassembly
	rtxTimer

	// Listener only.
	backlog     []*tcb
	backlogFree int
	// Child only: strong reference to the listener that spawned it.
	parent *tcb
	// holdsSlot is set while a child owns a reserved backlog slot it has not yet used.
	holdsSlot bool

	reset   bool  // Sticky: connection aborted.
	softErr error // Error reported to the application after reset.
	// shouldClose defers the FIN until the transmit buffer drains.
	shouldClose bool
	finSent     bool
	finRcvd     bool // Peer's FIN consumed: reads past the buffered data see EOF.
	bound       bool // key.lport is assigned.
	ownsPort    bool // Port is freed when this TCB is destroyed.
	inTable     bool
	everOpen    bool // Left CLOSED at least once: distinguishes ENOTCONN from EPIPE.
	// onBrokenPipe is called outside mu when Send fails with EPIPE.
	onBrokenPipe func()

	logger
}

// sendSpace contains Send Sequence Space data. Its sequence numbers correspond to local data.
type sendSpace struct {
	ISS Value // initial send sequence number, defined locally on connection start
	UNA Value // send unacknowledged. Seqs equal to UNA and above have NOT been acked by remote. Corresponds to local data.
	NXT Value // send next. Seqs before NXT have been sent, including SYN and FIN.
	WND Size  // send window defined by remote. Permitted number of local unacked octets in flight.
}

// inFlight returns amount of unacked sequence numbers sent out.
func (snd *sendSpace) inFlight() Size {
	return Sizeof(snd.UNA, snd.NXT)
}

// recvSpace contains Receive Sequence Space data. Its sequence numbers correspond to remote data.
type recvSpace struct {
	IRS Value // initial receive sequence number, defined by remote in SYN segment received.
	NXT Value // receive next. seqs before this have been acked.
	WND Size  // receive window defined by local. Permitted number of remote unacked octets in flight.
}

func (e *Engine) newTCB() *tcb {
	t := &tcb{
		eng:    e,
		txbuf:  internal.NewRing(e.cfg.TxBufferSize),
		rxbuf:  internal.NewRing(e.cfg.RxBufferSize),
		logger: e.logger,
	}
	t.cond.L = &t.mu
	t.rtxTimer.backoff = internal.NewBackoff(e.cfg.InitialRTO, e.cfg.MaxRTO)
	t.refs.Store(1)
	e.metrics.tcbs.Inc()
	return t
}

func (t *tcb) ref() {
	if t.refs.Add(1) <= 1 {
		panic("tcp: ref of destroyed TCB")
	}
}

// unref drops a reference. The last reference destroys the TCB: its port is freed
// and its parent reference released. unref never acquires t.mu so it may be called with it held.
func (t *tcb) unref() {
	n := t.refs.Add(-1)
	if n > 0 {
		return
	} else if n < 0 {
		panic("tcp: TCB refcount underflow")
	}
	if t.ownsPort {
		t.eng.ports.Free(t.key.lport)
	}
	t.eng.metrics.tcbs.Dec()
	if p := t.parent; p != nil {
		t.parent = nil
		p.unref()
	}
}

// resetRcv initializes the receive space from the peer's initial sequence number.
func (t *tcb) resetRcv(irs Value) {
	t.rcv = recvSpace{
		IRS: irs,
		NXT: irs + 1,
		WND: t.maxRecvWindow(),
	}
}

func (t *tcb) resetSnd(iss Value, peerWnd Size) {
	t.snd = sendSpace{
		ISS: iss,
		UNA: iss,
		NXT: iss,
		WND: peerWnd,
	}
}

// maxRecvWindow is the window we can advertise given free receive buffer space.
func (t *tcb) maxRecvWindow() Size {
	free := t.rxbuf.Free()
	if free > 0xffff {
		free = 0xffff
	}
	return Size(free)
}

// negotiateMSS sets the send MSS from the peer's option, or the default when absent.
func (t *tcb) negotiateMSS(peerMSS uint16) {
	if peerMSS == 0 {
		peerMSS = DefaultMSS
	}
	t.sndmss = min(peerMSS, t.rcvmss)
}

func (t *tcb) setState(s State) {
	if t.state == s {
		return
	}
	t.trace("tcb:state", slog.String("old", t.state.String()), slog.String("new", s.String()))
	t.state = s
	if s != StateClosed {
		t.everOpen = true
	}
	t.cond.Broadcast()
}

// finalize moves the TCB to a terminal state and detaches it from the engine:
// timer paused, table entry removed, unused backlog slot returned to the parent.
func (t *tcb) finalize(s State) {
	t.setState(s)
	t.pauseTimer()
	t.rtx = nil
	t.ooo.reset()
	t.eng.table.remove(t)
	t.releaseSlot()
	t.cond.Broadcast()
}

// abort moves the TCB to ABORT reporting err to the application.
func (t *tcb) abort(err error) {
	if t.reset {
		return
	}
	t.debug("tcb:abort", slog.String("state", t.state.String()), slog.String("err", err.Error()))
	t.reset = true
	t.softErr = err
	t.eng.metrics.aborts.WithLabelValues(errnoLabel(err)).Inc()
	t.finalize(StateAbort)
}

// releaseSlot returns a reserved but unused backlog slot to the parent listener.
func (t *tcb) releaseSlot() {
	if !t.holdsSlot || t.parent == nil {
		return
	}
	t.holdsSlot = false
	p := t.parent
	p.mu.Lock()
	if p.state == StateListen {
		p.backlogFree++
	}
	p.mu.Unlock()
}

func (t *tcb) now() time.Time { return t.eng.clock.Now() }
