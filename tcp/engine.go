package tcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/netip"

	"github.com/kstack/ktcp"
	"github.com/kstack/ktcp/internal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Network is the IPv4 layer the engine sends segments through.
type Network interface {
	// SendPacket transmits a TCP segment to dst. The engine does not reuse payload.
	SendPacket(payload []byte, dst netip.Addr, proto ktcp.IPProto) error
	// MTU returns the path MTU towards dst or 0 if dst is unreachable.
	MTU(dst netip.Addr) int
	// LocalAddr returns the source address used to reach dst, or the zero
	// Addr if dst is unreachable.
	LocalAddr(dst netip.Addr) netip.Addr
}

// Engine is a TCP implementation over raw IPv4 payloads. Inbound segments are
// fed with [Engine.Process]; applications use the [Socket] API.
type Engine struct {
	cfg      Config
	net      Network
	clock    Clock
	ports    *PortAllocator
	table    *connTable
	disp     *dispatcher
	iss      *issGenerator
	metrics  *metrics
	rstLimit *rate.Limiter
	stop     func() error
	logger
}

// NewEngine creates an engine sending segments through network. Workers are
// not started until [Engine.Start].
func NewEngine(cfg Config, network Network) (*Engine, error) {
	if network == nil {
		return nil, errors.New("tcp: nil network")
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = internal.RealClock{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	iss, err := newISSGenerator(cfg.Rand, cfg.Clock)
	if err != nil {
		return nil, err
	}
	var seed [4]byte
	if _, err := io.ReadFull(cfg.Rand, seed[:]); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		net:      network,
		clock:    cfg.Clock,
		ports:    NewPortAllocator(cfg.EphemeralFirst, cfg.EphemeralLast, binary.BigEndian.Uint32(seed[:])),
		table:    newConnTable(),
		iss:      iss,
		metrics:  newMetrics(),
		rstLimit: rate.NewLimiter(rate.Limit(cfg.RSTRateLimit), cfg.RSTBurst),
		logger:   logger{log: cfg.Logger},
	}
	e.disp = newDispatcher(e, cfg.Workers, cfg.QueueBytes)
	if cfg.Registerer != nil {
		for _, c := range e.metrics.collectors() {
			if err := cfg.Registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// Start launches the worker goroutines. They run until ctx is done or [Engine.Close].
func (e *Engine) Start(ctx context.Context) {
	if e.stop != nil {
		panic("tcp: engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.disp.workers {
		w := w // Per-iteration copy (go directive predates Go 1.22 loop semantics).
		g.Go(func() error { return w.run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		e.disp.stop() // Unblock timer and close task senders.
		return nil
	})
	e.info("engine:start", slog.Int("workers", len(e.disp.workers)))
	e.stop = func() error {
		cancel()
		return g.Wait()
	}
}

// Close stops the workers. Queued tasks are discarded and sockets are left as they are.
func (e *Engine) Close() error {
	e.disp.stop()
	if e.stop == nil {
		return nil
	}
	return e.stop()
}

// NewSocket returns an unbound socket in the CLOSED state.
func (e *Engine) NewSocket() *Socket {
	return &Socket{eng: e, t: e.newTCB()}
}

// Process hands an inbound TCP segment to the engine. ph describes the IPv4
// header it arrived in; its Length is set from the payload. The segment is
// validated, copied and queued on a worker. A non-nil error means the segment
// was dropped and is only meant for the caller's accounting.
func (e *Engine) Process(payload []byte, ph ktcp.PseudoHeader) error {
	e.metrics.segmentsIn.Inc()
	tfrm, err := NewFrame(payload)
	if err != nil {
		e.metrics.drops.WithLabelValues(dropMalformed).Inc()
		return err
	}
	var v ktcp.Validator
	tfrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		e.metrics.drops.WithLabelValues(dropMalformed).Inc()
		return err
	}
	ph.Proto = ktcp.IPProtoTCP
	ph.Length = uint16(len(payload))
	if ph.Checksum(payload) != 0 {
		e.metrics.drops.WithLabelValues(dropChecksum).Inc()
		return ktcp.ErrBadCRC
	}
	tk := task{kind: taskPacket, ph: ph, pkt: append([]byte(nil), payload...)}
	if !e.disp.dispatchPacket(tk) {
		reason := dropQueueFull
		if e.disp.closed.Load() {
			reason = dropEngineClosed
		}
		e.metrics.drops.WithLabelValues(reason).Inc()
		return ktcp.ErrPacketDrop
	}
	return nil
}

func (e *Engine) handleTask(tk *task) {
	switch tk.kind {
	case taskPacket:
		e.handlePacket(&tk.ph, tk.pkt)
	case taskTimeout:
		t := tk.tcb
		t.mu.Lock()
		t.onTimeout(tk.gen)
		t.mu.Unlock()
		t.unref()
	case taskClose:
		t := tk.tcb
		t.mu.Lock()
		t.closeLocal()
		t.mu.Unlock()
		t.unref()
	}
}

func (e *Engine) handlePacket(ph *ktcp.PseudoHeader, pkt []byte) {
	tfrm, _ := NewFrame(pkt)
	key := connKey{raddr: ph.Src, rport: tfrm.SourcePort(), lport: tfrm.DestinationPort()}
	t := e.table.lookup(key)
	if t == nil {
		e.trace("engine:no-tcb", internal.SlogAddrPort("remote", ph.Src, key.rport), slog.Uint64("lport", uint64(key.lport)))
		e.replyRST(ph, tfrm)
		return
	}
	t.mu.Lock()
	t.recv(ph, tfrm)
	t.mu.Unlock()
	t.unref()
}

// closeChildren queues a local close for every child, transferring the
// caller's references to the tasks.
func (e *Engine) closeChildren(children []*tcb) {
	for _, child := range children {
		e.disp.dispatchControl(task{kind: taskClose, tcb: child})
	}
}

// Ports returns the engine's port allocator.
func (e *Engine) Ports() *PortAllocator { return e.ports }

// Conns returns the amount of connections and listeners registered.
func (e *Engine) Conns() (conns, listeners int) { return e.table.len() }
