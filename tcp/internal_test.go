package tcp

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/kstack/ktcp"
	"github.com/kstack/ktcp/internal/faketime"
	"golang.org/x/sys/unix"
)

// Here we define internal testing helpers that may be used in any *_test.go file
// but are not exported.

var (
	localAddr       = netip.MustParseAddr("10.0.0.1")
	peerAddr        = netip.MustParseAddr("10.0.0.2")
	unreachableAddr = netip.MustParseAddr("192.0.2.1")
)

const testMTU = 1500

// testNet is a [Network] recording every segment the engine sends.
type testNet struct {
	mu   sync.Mutex
	sent [][]byte
}

func (n *testNet) SendPacket(payload []byte, dst netip.Addr, proto ktcp.IPProto) error {
	if proto != ktcp.IPProtoTCP {
		panic("unexpected protocol " + proto.String())
	}
	n.mu.Lock()
	n.sent = append(n.sent, payload)
	n.mu.Unlock()
	return nil
}

func (n *testNet) MTU(dst netip.Addr) int {
	if dst == unreachableAddr {
		return 0
	}
	return testMTU
}

func (n *testNet) LocalAddr(dst netip.Addr) netip.Addr {
	if dst == unreachableAddr {
		return netip.Addr{}
	}
	return localAddr
}

func (n *testNet) take() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	sent := n.sent
	n.sent = nil
	return sent
}

// testEngine runs an engine synchronously: tasks are processed on the test
// goroutine by drain and time moves only on advance.
type testEngine struct {
	t     *testing.T
	eng   *Engine
	net   *testNet
	clock *faketime.ManualClock
}

func newTestEngine(t *testing.T, modify func(*Config)) *testEngine {
	t.Helper()
	te := &testEngine{
		t:     t,
		net:   &testNet{},
		clock: faketime.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	cfg := Config{
		Workers:      2,
		Clock:        te.clock,
		Rand:         rand.New(rand.NewSource(1)),
		RSTRateLimit: 1e6,
		RSTBurst:     1 << 20,
	}
	if modify != nil {
		modify(&cfg)
	}
	eng, err := NewEngine(cfg, te.net)
	if err != nil {
		t.Fatal(err)
	}
	te.eng = eng
	return te
}

// drain runs every queued task on the calling goroutine.
func (te *testEngine) drain() {
	for {
		n := 0
		for _, w := range te.eng.disp.workers {
			n += w.drain()
		}
		if n == 0 {
			return
		}
	}
}

func (te *testEngine) advance(d time.Duration) {
	te.clock.Advance(d)
	te.drain()
}

// peerSegment is a segment sent by the remote peer to the engine.
type peerSegment struct {
	sport, dport uint16
	seg          Segment
	mss          uint16 // Option omitted when zero.
	payload      []byte
}

// buildSegment serializes ps with gopacket, independently of the engine's codec.
func buildSegment(t testing.TB, src, dst netip.Addr, ps peerSegment) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	f := ps.seg.Flags
	tcpl := &layers.TCP{
		SrcPort: layers.TCPPort(ps.sport),
		DstPort: layers.TCPPort(ps.dport),
		Seq:     uint32(ps.seg.SEQ),
		Ack:     uint32(ps.seg.ACK),
		Window:  uint16(ps.seg.WND),
		FIN:     f.HasAny(FlagFIN),
		SYN:     f.HasAny(FlagSYN),
		RST:     f.HasAny(FlagRST),
		PSH:     f.HasAny(FlagPSH),
		ACK:     f.HasAny(FlagACK),
		URG:     f.HasAny(FlagURG),
	}
	if ps.mss != 0 {
		tcpl.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{byte(ps.mss >> 8), byte(ps.mss)},
		}}
	}
	tcpl.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, tcpl, gopacket.Payload(ps.payload)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// inject delivers a peer segment to the engine and runs it to completion.
func (te *testEngine) inject(ps peerSegment) {
	te.t.Helper()
	raw := buildSegment(te.t, peerAddr, localAddr, ps)
	ph := ktcp.PseudoHeader{Src: peerAddr.As4(), Dst: localAddr.As4()}
	if err := te.eng.Process(raw, ph); err != nil {
		te.t.Fatalf("process %s: %v", ps.seg, err)
	}
	te.drain()
}

// sent returns the segments sent since the last call, checking their checksums.
func (te *testEngine) sent() []Frame {
	te.t.Helper()
	var frames []Frame
	for _, raw := range te.net.take() {
		ph := ktcp.PseudoHeader{Src: localAddr.As4(), Dst: peerAddr.As4(), Proto: ktcp.IPProtoTCP, Length: uint16(len(raw))}
		if ph.Checksum(raw) != 0 {
			te.t.Fatalf("bad checksum on sent segment % x", raw)
		}
		tfrm, err := NewFrame(raw)
		if err != nil {
			te.t.Fatal(err)
		}
		frames = append(frames, tfrm)
	}
	return frames
}

// expectOne asserts exactly one segment was sent and returns it.
func (te *testEngine) expectOne() Frame {
	te.t.Helper()
	frames := te.sent()
	if len(frames) != 1 {
		te.t.Fatalf("want 1 sent segment, got %d: %v", len(frames), frames)
	}
	return frames[0]
}

// expectSeg asserts exactly one segment equal to want was sent.
func (te *testEngine) expectSeg(want Segment) Frame {
	te.t.Helper()
	tfrm := te.expectOne()
	got := tfrm.Segment(len(tfrm.Payload()))
	if diff := cmp.Diff(want, got); diff != "" {
		te.t.Fatalf("sent segment mismatch (-want +got):\n%s", diff)
	}
	return tfrm
}

func (te *testEngine) expectNone() {
	te.t.Helper()
	if frames := te.sent(); len(frames) != 0 {
		te.t.Fatalf("want no sent segments, got %v", frames)
	}
}

func (te *testEngine) listen(port uint16, backlog int) *Socket {
	te.t.Helper()
	ln := te.eng.NewSocket()
	ln.SetNonblocking(true)
	if err := ln.Bind(port); err != nil {
		te.t.Fatal(err)
	}
	if err := ln.Listen(backlog); err != nil {
		te.t.Fatal(err)
	}
	return ln
}

// conn is one established connection seen from both ends' sequence spaces.
type conn struct {
	sock     *Socket
	lport    uint16
	rport    uint16
	peerNxt  Value // Next sequence number the peer sends.
	localNxt Value // Next sequence number the engine sends.
	peerWnd  Size
}

// seg returns a peer segment on the connection with the current sequence numbers.
func (c *conn) seg(flags Flags, payload []byte) peerSegment {
	return peerSegment{
		sport:   c.rport,
		dport:   c.lport,
		seg:     Segment{SEQ: c.peerNxt, ACK: c.localNxt, WND: c.peerWnd, Flags: flags, DATALEN: Size(len(payload))},
		payload: payload,
	}
}

// establishPassive completes a handshake from peer port rport to a listener on lport.
func (te *testEngine) establishPassive(ln *Socket, rport uint16, peerISS Value) *conn {
	te.t.Helper()
	lport := ln.LocalPort()
	te.inject(peerSegment{sport: rport, dport: lport, seg: Segment{SEQ: peerISS, WND: 4096, Flags: FlagSYN}, mss: 1000})
	synack := te.expectOne()
	iss := synack.Seq()
	te.inject(peerSegment{sport: rport, dport: lport, seg: Segment{SEQ: peerISS + 1, ACK: iss + 1, WND: 4096, Flags: FlagACK}})
	te.expectNone()
	sock, err := ln.Accept(context.Background())
	if err != nil {
		te.t.Fatal("accept:", err)
	}
	sock.SetNonblocking(true)
	return &conn{sock: sock, lport: lport, rport: rport, peerNxt: peerISS + 1, localNxt: iss + 1, peerWnd: 4096}
}

// establishActive connects to the peer on rport and completes the handshake.
func (te *testEngine) establishActive(rport uint16, peerISS Value, peerWnd Size) *conn {
	te.t.Helper()
	sock := te.eng.NewSocket()
	sock.SetNonblocking(true)
	err := sock.Connect(context.Background(), netip.AddrPortFrom(peerAddr, rport))
	if !errors.Is(err, unix.EINPROGRESS) {
		te.t.Fatal("connect:", err)
	}
	syn := te.expectOne()
	iss := syn.Seq()
	c := &conn{sock: sock, lport: sock.LocalPort(), rport: rport, peerNxt: peerISS, localNxt: iss + 1, peerWnd: peerWnd}
	te.inject(peerSegment{sport: rport, dport: c.lport, seg: Segment{SEQ: peerISS, ACK: iss + 1, WND: peerWnd, Flags: synack}, mss: 1200})
	c.peerNxt++
	te.expectSeg(Segment{SEQ: iss + 1, ACK: c.peerNxt, WND: Size(te.eng.cfg.RxBufferSize), Flags: FlagACK})
	return c
}

// tcbOf returns the TCB behind a socket for white box assertions.
func tcbOf(s *Socket) *tcb { return s.t }
