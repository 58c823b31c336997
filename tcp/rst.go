package tcp

import (
	"log/slog"

	"github.com/kstack/ktcp"
	"github.com/kstack/ktcp/internal"
)

// rstFor returns the reset segment answering seg (RFC 9293 section 3.10.7.1):
// if seg carries an ACK the reset takes its sequence number from it, otherwise
// the reset has sequence zero and acknowledges everything seg occupied.
func rstFor(seg Segment) Segment {
	if seg.Flags.HasAny(FlagACK) {
		return Segment{SEQ: seg.ACK, Flags: FlagRST}
	}
	return Segment{SEQ: 0, ACK: Add(seg.SEQ, seg.LEN()), Flags: rstack}
}

// appendRST writes the reset answering seg into a fresh buffer with its checksum set.
func appendRST(laddr, raddr [4]byte, lport, rport uint16, seg Segment) []byte {
	buf := make([]byte, sizeHeaderTCP)
	tfrm, _ := NewFrame(buf)
	tfrm.SetSourcePort(lport)
	tfrm.SetDestinationPort(rport)
	tfrm.SetSegment(rstFor(seg), 5)
	ph := ktcp.PseudoHeader{Src: laddr, Dst: raddr, Proto: ktcp.IPProtoTCP, Length: sizeHeaderTCP}
	tfrm.SetChecksum(&ph)
	return buf
}

// sendRST answers seg with a reset unless seg is itself a reset or the
// reset budget is exhausted.
func (e *Engine) sendRST(laddr, raddr [4]byte, lport, rport uint16, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	if !e.rstLimit.Allow() {
		e.metrics.drops.WithLabelValues(dropRSTLimit).Inc()
		e.trace("engine:rst-limited", internal.SlogAddrPort("remote", raddr, rport))
		return
	}
	e.debug("engine:rst", internal.SlogAddrPort("remote", raddr, rport), slog.Uint64("lport", uint64(lport)), slog.String("seg", seg.String()))
	e.metrics.resetsSent.Inc()
	e.output(appendRST(laddr, raddr, lport, rport, seg), raddr)
}

// replyRST answers a segment addressed to no TCB.
func (e *Engine) replyRST(ph *ktcp.PseudoHeader, tfrm Frame) {
	seg := tfrm.Segment(len(tfrm.Payload()))
	e.sendRST(ph.Dst, ph.Src, tfrm.DestinationPort(), tfrm.SourcePort(), seg)
}
