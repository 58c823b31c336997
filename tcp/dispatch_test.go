package tcp

import (
	"errors"
	"testing"

	"github.com/kstack/ktcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func synTo(t *testing.T, dport uint16) []byte {
	return buildSegment(t, peerAddr, localAddr, peerSegment{sport: 5000, dport: dport, seg: Segment{SEQ: 1, WND: 1024, Flags: FlagSYN}})
}

func TestDispatchQueueFull(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Workers = 1
		cfg.QueueBytes = 2 * (taskOverhead + sizeHeaderTCP)
	})
	ph := ktcp.PseudoHeader{Src: peerAddr.As4(), Dst: localAddr.As4()}
	for i := 0; i < 2; i++ {
		if err := te.eng.Process(synTo(t, 81), ph); err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
	}
	if err := te.eng.Process(synTo(t, 81), ph); !errors.Is(err, ktcp.ErrPacketDrop) {
		t.Fatalf("want ErrPacketDrop on full queue, got %v", err)
	}
	if got := testutil.ToFloat64(te.eng.metrics.drops.WithLabelValues(dropQueueFull)); got != 1 {
		t.Fatalf("queue_full drops %v", got)
	}
	te.drain()
	if used := te.eng.disp.workers[0].used.Load(); used != 0 {
		t.Fatalf("%d bytes still accounted after drain", used)
	}
	// Room again.
	if err := te.eng.Process(synTo(t, 81), ph); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchRoundRobin(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) { cfg.Workers = 3 })
	ph := ktcp.PseudoHeader{Src: peerAddr.As4(), Dst: localAddr.As4()}
	for i := 0; i < 6; i++ {
		if err := te.eng.Process(synTo(t, 81), ph); err != nil {
			t.Fatal(err)
		}
	}
	for _, w := range te.eng.disp.workers {
		if n := len(w.queue); n != 2 {
			t.Fatalf("worker %d holds %d tasks want 2", w.id, n)
		}
	}
}

func TestProcessRejects(t *testing.T) {
	te := newTestEngine(t, nil)
	ph := ktcp.PseudoHeader{Src: peerAddr.As4(), Dst: localAddr.As4()}
	if err := te.eng.Process(make([]byte, 10), ph); err == nil {
		t.Fatal("short segment accepted")
	}
	raw := synTo(t, 81)
	raw[len(raw)-1] ^= 0xff // Corrupt the urgent pointer.
	if err := te.eng.Process(raw, ph); !errors.Is(err, ktcp.ErrBadCRC) {
		t.Fatalf("want ErrBadCRC, got %v", err)
	}
	if got := testutil.ToFloat64(te.eng.metrics.drops.WithLabelValues(dropChecksum)); got != 1 {
		t.Fatalf("checksum drops %v", got)
	}
	te.eng.Close()
	if err := te.eng.Process(synTo(t, 81), ph); !errors.Is(err, ktcp.ErrPacketDrop) {
		t.Fatalf("want ErrPacketDrop after close, got %v", err)
	}
	if got := testutil.ToFloat64(te.eng.metrics.drops.WithLabelValues(dropEngineClosed)); got != 1 {
		t.Fatalf("engine_closed drops %v", got)
	}
	te.expectNone()
}
