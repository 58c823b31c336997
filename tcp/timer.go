package tcp

import (
	"log/slog"
	"time"

	"github.com/kstack/ktcp/internal"
	"golang.org/x/sys/unix"
)

type (
	// Clock is the engine's time source. See [internal.RealClock] for the default.
	Clock = internal.Clock
	// Timer is returned by [Clock.AfterFunc].
	Timer = internal.Timer
)

// rtxTimer is the single one-shot timer of a TCB. It drives retransmission
// and the TIME-WAIT expiry. An armed timer holds one TCB reference which
// travels with the timeout task once the timer fires.
type rtxTimer struct {
	timer Timer
	armed bool
	// gen is bumped on every arm and pause so a fire that raced with
	// either is recognized as stale by the worker.
	gen      uint32
	backoff  internal.Backoff
	lastSend time.Time
	// probing is set while the outstanding segment is a zero window probe.
	probing bool
}

// armTimer (re)arms the timer to fire after d.
func (t *tcb) armTimer(d time.Duration) {
	rt := &t.rtxTimer
	rt.gen++
	if !rt.armed || !rt.timer.Stop() {
		// Either nothing held a reference or the previous fire already
		// owns it and will be discarded as stale.
		t.ref()
	}
	rt.armed = true
	gen := rt.gen
	rt.timer = t.eng.clock.AfterFunc(d, func() {
		t.eng.disp.dispatchControl(task{kind: taskTimeout, tcb: t, gen: gen})
	})
}

// pauseTimer disarms the timer.
func (t *tcb) pauseTimer() {
	rt := &t.rtxTimer
	if !rt.armed {
		return
	}
	rt.armed = false
	rt.gen++
	if rt.timer.Stop() {
		t.unref()
	}
}

// onTimeout handles a timer fire of generation gen. The task's reference
// is released by the caller.
func (t *tcb) onTimeout(gen uint32) {
	rt := &t.rtxTimer
	if !rt.armed || gen != rt.gen {
		return
	}
	rt.armed = false
	switch {
	case t.state == StateTimeWait:
		t.finalize(StateClosed)
		return
	case t.rtx == nil || t.reset:
		return
	case rt.backoff.AtMax():
		t.eng.metrics.timeouts.Inc()
		t.abort(unix.ECONNRESET)
		return
	}
	rto := rt.backoff.Wait()
	elapsed := t.now().Sub(rt.lastSend)
	if elapsed < rto {
		// Segment was resent since arming, wait out the remainder.
		t.armTimer(rto - elapsed)
		return
	}
	t.retransmit()
	rt.backoff.Miss()
	t.armTimer(rt.backoff.Wait())
}

// retransmit resends the outstanding segment verbatim.
func (t *tcb) retransmit() {
	if t.rtx == nil {
		return
	}
	t.debug("tcb:rtx", slog.String("state", t.state.String()), slog.Duration("rto", t.backoff.Wait()))
	t.eng.metrics.retransmits.Inc()
	t.eng.output(t.rtx, t.key.raddr)
	t.lastSend = t.now()
}

// enterTimeWait moves to TIME-WAIT and (re)starts the 2*MSL timer.
func (t *tcb) enterTimeWait() {
	t.setState(StateTimeWait)
	t.rtx = nil
	t.probing = false
	t.armTimer(2 * t.eng.cfg.MSL)
}
