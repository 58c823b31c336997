// Package internet provides an in-memory IPv4 network connecting TCP engines.
package internet

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/kstack/ktcp"
	"github.com/kstack/ktcp/internal"
	kipv4 "github.com/kstack/ktcp/ipv4"
	"github.com/kstack/ktcp/tcp"
	"golang.org/x/net/ipv4"
)

const (
	sizeHeaderIPv4 = ipv4.HeaderLen
	defaultMTU     = 1500
	defaultTTL     = 64
)

var (
	errAddrInUse   = errors.New("internet: address already attached")
	errNotIPv4     = errors.New("internet: require IPv4 address")
	errNoRoute     = errors.New("internet: no route to host")
	errTooLong     = errors.New("internet: packet exceeds MTU")
	errNotAttached = errors.New("internet: interface has no engine")
)

// LoopbackConfig configures a [Loopback].
type LoopbackConfig struct {
	// MTU of every link. Defaults to 1500.
	MTU int
	// Loss is the probability in [0, 1] of dropping a packet in transit.
	Loss float64
	// Seed of the loss pseudo random generator. Zero selects a fixed seed.
	Seed   uint32
	Clock  tcp.Clock
	Logger *slog.Logger
}

// Loopback is an in-memory IPv4 network. Each [Interface] owns one address
// and hands the packets addressed to it to its engine. Delivery happens
// synchronously within [Interface.SendPacket].
type Loopback struct {
	mtu   int
	loss  uint32 // Drop threshold over the uint32 range.
	clock tcp.Clock

	mu     sync.Mutex
	ifaces map[[4]byte]*Interface
	prng   uint32
	ipID   uint32
	pcap   *pcapgo.Writer
	stats  Stats
	logger
}

// Stats counts packets crossing a [Loopback].
type Stats struct {
	Sent      uint64 // Packets handed to the network.
	Delivered uint64 // Packets accepted by the destination engine.
	Lost      uint64 // Packets dropped by loss injection.
	Rejected  uint64 // No route, bad header or refused by the engine.
}

// NewLoopback returns an empty loopback network.
func NewLoopback(cfg LoopbackConfig) (*Loopback, error) {
	if cfg.Loss < 0 || cfg.Loss > 1 {
		return nil, fmt.Errorf("internet: loss %v out of [0, 1]", cfg.Loss)
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	} else if cfg.MTU <= sizeHeaderIPv4 || cfg.MTU > math.MaxUint16 {
		return nil, fmt.Errorf("internet: bad MTU %d", cfg.MTU)
	}
	if cfg.Clock == nil {
		cfg.Clock = internal.RealClock{}
	}
	if cfg.Seed == 0 {
		cfg.Seed = 0x2545f491
	}
	return &Loopback{
		mtu:    cfg.MTU,
		loss:   uint32(cfg.Loss * math.MaxUint32),
		clock:  cfg.Clock,
		ifaces: make(map[[4]byte]*Interface),
		prng:   cfg.Seed,
		ipID:   cfg.Seed,
		logger: logger{log: cfg.Logger},
	}, nil
}

// Capture writes every packet sent on the network to w in pcap format with
// the raw IP link type. Call before traffic starts.
func (lo *Loopback) Capture(w io.Writer) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(uint32(lo.mtu), layers.LinkTypeRaw); err != nil {
		return err
	}
	lo.mu.Lock()
	lo.pcap = pw
	lo.mu.Unlock()
	return nil
}

// Stats returns the packet counters.
func (lo *Loopback) Stats() Stats {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	return lo.stats
}

// Interface creates the interface owning addr.
func (lo *Loopback) Interface(addr netip.Addr) (*Interface, error) {
	if !addr.Is4() {
		return nil, errNotIPv4
	}
	lo.mu.Lock()
	defer lo.mu.Unlock()
	key := addr.As4()
	if _, ok := lo.ifaces[key]; ok {
		return nil, errAddrInUse
	}
	ifc := &Interface{lo: lo, addr: key}
	lo.ifaces[key] = ifc
	lo.debug("loopback:iface", slog.String("addr", addr.String()))
	return ifc, nil
}

// Remove detaches the interface owning addr. Packets to it are dropped from then on.
func (lo *Loopback) Remove(addr netip.Addr) {
	lo.mu.Lock()
	delete(lo.ifaces, addr.As4())
	lo.mu.Unlock()
}

// Interface is one endpoint of a [Loopback]. It implements [tcp.Network].
type Interface struct {
	lo   *Loopback
	addr [4]byte
	mu   sync.Mutex
	eng  *tcp.Engine
}

var _ tcp.Network = (*Interface)(nil)

func (ifc *Interface) Addr() netip.Addr { return netip.AddrFrom4(ifc.addr) }

// Attach sets the engine receiving the interface's packets.
func (ifc *Interface) Attach(eng *tcp.Engine) {
	ifc.mu.Lock()
	ifc.eng = eng
	ifc.mu.Unlock()
}

func (ifc *Interface) engine() *tcp.Engine {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.eng
}

// MTU returns the link MTU if dst is on the network, 0 otherwise.
func (ifc *Interface) MTU(dst netip.Addr) int {
	if ifc.lo.route(dst) == nil {
		return 0
	}
	return ifc.lo.mtu
}

func (ifc *Interface) LocalAddr(dst netip.Addr) netip.Addr {
	if ifc.lo.route(dst) == nil {
		return netip.Addr{}
	}
	return ifc.Addr()
}

// SendPacket wraps payload in an IPv4 header and delivers it to dst.
// Losses and rejections by the receiver are not reported.
func (ifc *Interface) SendPacket(payload []byte, dst netip.Addr, proto ktcp.IPProto) error {
	if !dst.Is4() {
		return errNotIPv4
	}
	pkt, err := ifc.lo.encapsulate(ifc.addr, dst.As4(), proto, payload)
	if err != nil {
		return err
	}
	ifc.lo.transmit(pkt)
	return nil
}

func (lo *Loopback) route(dst netip.Addr) *Interface {
	if !dst.Is4() {
		return nil
	}
	lo.mu.Lock()
	defer lo.mu.Unlock()
	return lo.ifaces[dst.As4()]
}

// encapsulate builds the IPv4 packet carrying payload.
func (lo *Loopback) encapsulate(src, dst [4]byte, proto ktcp.IPProto, payload []byte) ([]byte, error) {
	total := sizeHeaderIPv4 + len(payload)
	if total > lo.mtu {
		return nil, errTooLong
	}
	lo.mu.Lock()
	lo.ipID = internal.Prand32(lo.ipID)
	id := uint16(lo.ipID)
	lo.mu.Unlock()
	hdr := ipv4.Header{
		Version:  ipv4.Version,
		Len:      sizeHeaderIPv4,
		TotalLen: total,
		ID:       int(id),
		Flags:    ipv4.DontFragment,
		TTL:      defaultTTL,
		Protocol: int(proto),
		Src:      net.IP(src[:]),
		Dst:      net.IP(dst[:]),
	}
	b, err := hdr.Marshal()
	if err != nil {
		return nil, err
	}
	pkt := make([]byte, total)
	copy(pkt, b)
	copy(pkt[sizeHeaderIPv4:], payload)
	// Marshal writes length and flags in host order on some BSDs.
	ifrm, _ := kipv4.NewFrame(pkt)
	ifrm.SetTotalLength(uint16(total))
	ifrm.SetFlags(kipv4.FlagDontFragment)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return pkt, nil
}

// transmit records pkt, applies loss and hands it to the destination engine.
func (lo *Loopback) transmit(pkt []byte) {
	ifrm, _ := kipv4.NewFrame(pkt)
	lo.mu.Lock()
	lo.stats.Sent++
	if lo.pcap != nil {
		ci := gopacket.CaptureInfo{Timestamp: lo.clock.Now(), CaptureLength: len(pkt), Length: len(pkt)}
		if err := lo.pcap.WritePacket(ci, pkt); err != nil {
			lo.error("loopback:pcap", slog.String("err", err.Error()))
		}
	}
	if lo.loss > 0 {
		lo.prng = internal.Prand32(lo.prng)
		if lo.prng <= lo.loss {
			lo.stats.Lost++
			lo.mu.Unlock()
			lo.trace("loopback:lost", slog.String("pkt", ifrm.String()))
			return
		}
	}
	dst := lo.ifaces[*ifrm.DestinationAddr()]
	lo.mu.Unlock()

	err := deliver(dst, ifrm)
	lo.mu.Lock()
	if err != nil {
		lo.stats.Rejected++
	} else {
		lo.stats.Delivered++
	}
	lo.mu.Unlock()
	if err != nil {
		lo.debug("loopback:reject", slog.String("pkt", ifrm.String()), slog.String("err", err.Error()))
	}
}

func deliver(dst *Interface, ifrm kipv4.Frame) error {
	if dst == nil {
		return errNoRoute
	}
	eng := dst.engine()
	if eng == nil {
		return errNotAttached
	}
	var v ktcp.Validator
	ifrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		return err
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		return ktcp.ErrBadCRC
	}
	if ifrm.Protocol() != ktcp.IPProtoTCP {
		return ktcp.ErrPacketDrop
	}
	return eng.Process(ifrm.Payload(), ifrm.PseudoHeader())
}
