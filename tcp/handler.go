package tcp

import (
	"log/slog"
	"net/netip"

	"github.com/kstack/ktcp"
	"github.com/kstack/ktcp/internal"
)

// Size of the IPv4 and TCP fixed headers subtracted from the MTU to obtain the MSS.
const sizeHeadersIPTCP = 20 + sizeHeaderTCP

// mssFromMTU returns the largest segment payload for a path MTU, or 0 if the
// MTU cannot carry a TCP segment with payload.
func mssFromMTU(mtu int) uint16 {
	if mtu <= sizeHeadersIPTCP {
		return 0
	}
	return uint16(min(mtu-sizeHeadersIPTCP, 0xffff))
}

// transmit builds a segment from the current sequence state and hands it to
// the network. Segments consuming sequence space (SYN, FIN, data) advance
// snd.nxt, are kept verbatim for retransmission and arm the timer.
// Must be called with t.mu held.
func (t *tcb) transmit(flags Flags, payload []byte, withMSS bool) {
	optlen := 0
	if withMSS {
		optlen = sizeOptMSS
	}
	hdrlen := sizeHeaderTCP + optlen
	buf := make([]byte, hdrlen+len(payload))
	tfrm, _ := NewFrame(buf)
	seg := Segment{
		SEQ:     t.snd.NXT,
		DATALEN: Size(len(payload)),
		WND:     min(t.rcv.WND, 0xffff),
		Flags:   flags,
	}
	if flags.HasAny(FlagACK) {
		seg.ACK = t.rcv.NXT
	}
	tfrm.SetSourcePort(t.key.lport)
	tfrm.SetDestinationPort(t.key.rport)
	tfrm.SetSegment(seg, uint8(hdrlen/4))
	if withMSS {
		putMSSOption(buf[sizeHeaderTCP:], t.rcvmss)
	}
	copy(buf[hdrlen:], payload)
	ph := ktcp.PseudoHeader{Src: t.laddr, Dst: t.key.raddr, Proto: ktcp.IPProtoTCP, Length: uint16(len(buf))}
	tfrm.SetChecksum(&ph)

	t.traceSeg("tcb:send", seg)
	t.eng.output(buf, t.key.raddr)
	if seglen := seg.LEN(); seglen > 0 {
		t.snd.NXT = Add(t.snd.NXT, seglen)
		t.rtx = buf
		t.lastSend = t.now()
		t.armTimer(t.backoff.Wait())
	}
}

// sendACK transmits a pure acknowledgment carrying the current window.
func (t *tcb) sendACK() {
	t.transmit(FlagACK, nil, false)
}

// sendRST answers seg with a reset from this TCB's endpoints.
func (t *tcb) sendRST(seg Segment) {
	t.eng.sendRST(t.laddr, t.key.raddr, t.key.lport, t.key.rport, seg)
}

// output hands a finished segment to the network collaborator.
func (e *Engine) output(segment []byte, dst [4]byte) {
	e.metrics.segmentsOut.Inc()
	err := e.net.SendPacket(segment, netip.AddrFrom4(dst), ktcp.IPProtoTCP)
	if err != nil {
		e.logerr("engine:output", internal.SlogAddr4("dst", &dst), slog.String("err", err.Error()))
	}
}
